// Package engine is the top-level facade exposing the request/response and
// event API for one authenticated SSH session engine multiplexing SFTP and
// PTY channels over a single transport per connection. The transport
// between the host application and this engine (HTTP, RPC, in-process
// calls) is left entirely to the caller — Engine's methods are plain Go
// method calls.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sshengine/engine/internal/connection"
	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/hostkeys"
	"github.com/sshengine/engine/internal/ptymanager"
	"github.com/sshengine/engine/internal/registry"
	"github.com/sshengine/engine/internal/sftpfacade"
	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/tracebus"
	"github.com/sshengine/engine/internal/transport"
	"github.com/sshengine/engine/internal/types"
)

// Profile is the caller-owned connection profile; the engine never
// persists it.
type Profile = types.Profile

const (
	AuthKey      = types.AuthKey
	AuthPassword = types.AuthPassword
)

// Engine is the process-wide facade: a Connection Registry plus the Host
// Key Store and Trace Bus shared across every connection.
type Engine struct {
	cfg      *engineconfig.Config
	store    *hostkeys.Store
	bus      *tracebus.Bus
	registry *registry.Registry

	outputEvents chan TerminalOutputEvent
	statusEvents chan ConnectionStatusEvent
	traceEvents  chan ConnectionTraceEvent
}

// Open constructs an Engine with its host key store persisted at
// hostKeyStorePath. cfg may be nil to use engineconfig.Load() defaults.
func Open(hostKeyStorePath string, cfg *engineconfig.Config) (*Engine, error) {
	if cfg == nil {
		cfg = engineconfig.Load()
	}
	store, err := hostkeys.Open(hostKeyStorePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open host key store: %w", err)
	}

	bus := tracebus.New(cfg.TraceBufferSize)
	if cfg.TraceEnabledByDefault {
		bus.Enable()
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		registry:     registry.New(),
		outputEvents: make(chan TerminalOutputEvent, 256),
		statusEvents: make(chan ConnectionStatusEvent, 64),
		traceEvents:  make(chan ConnectionTraceEvent, 128),
	}

	traceCh, _ := bus.Subscribe(128)
	go e.pumpTrace(traceCh)

	return e, nil
}

func (e *Engine) pumpTrace(ch <-chan tracebus.Event) {
	for ev := range ch {
		select {
		case e.traceEvents <- ConnectionTraceEvent{
			Timestamp:     ev.At.Unix(),
			Category:      ev.Category,
			Step:          ev.Step,
			ConnectionID:  ev.ConnectionID,
			CorrelationID: ev.CorrelationID,
			Message:       ev.Message,
			Detail:        ev.Detail,
			IsError:       ev.IsError,
		}:
		default:
		}
	}
}

// TerminalOutputEvents returns the event stream for terminal_output.
func (e *Engine) TerminalOutputEvents() <-chan TerminalOutputEvent { return e.outputEvents }

// ConnectionStatusEvents returns the event stream for
// connection_status_changed.
func (e *Engine) ConnectionStatusEvents() <-chan ConnectionStatusEvent { return e.statusEvents }

// ConnectionTraceEvents returns the event stream for connection_trace,
// populated only while debug tracing is enabled.
func (e *Engine) ConnectionTraceEvents() <-chan ConnectionTraceEvent { return e.traceEvents }

// dial adapts transport.Dial to connection.Dialer/Closer.
func dial(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (connection.Closer, error) {
	t, err := transport.Dial(ctx, profile, password, store, cfg, bus)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SSHConnect implements ssh_connect.
func (e *Engine) SSHConnect(ctx context.Context, profile Profile, password string) (string, error) {
	id := registry.NewConnectionID()
	conn := connection.New(id, profile, e.cfg, e.store, e.bus)
	conn.SetStatusListener(e.publishStatus)

	if err := conn.Open(ctx, dial, password); err != nil {
		return "", err
	}
	if err := e.registry.Register(conn); err != nil {
		conn.Disconnect()
		return "", fmt.Errorf("engine: %w", err)
	}
	go e.pumpOutput(conn)
	return id, nil
}

func (e *Engine) publishStatus(connectionID string, status types.Status, detail string) {
	// External events collapse "reconnecting" into the still-live
	// "disconnected" notification, since external status is restricted to
	// connected/disconnected; the richer internal state machine is exposed
	// only via connection_trace while tracing is enabled. "connecting" (the
	// initial ssh_connect attempt) has no external event of its own — the
	// caller is already blocked on SSHConnect's return.
	if status == types.StatusConnecting {
		return
	}
	external := "disconnected"
	if status == types.StatusConnected {
		external = "connected"
	}
	select {
	case e.statusEvents <- ConnectionStatusEvent{ConnectionID: connectionID, Status: external, Detail: detail}:
	default:
	}
}

func (e *Engine) pumpOutput(conn *connection.Connection) {
	for chunk := range conn.PTYs().Subscribe() {
		if chunk.EOF {
			continue
		}
		select {
		case e.outputEvents <- TerminalOutputEvent{TerminalID: chunk.TerminalID, Data: chunk.Data}:
		default:
		}
	}
}

// SSHReconnect implements ssh_reconnect.
func (e *Engine) SSHReconnect(ctx context.Context, connectionID string) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	conn.Reconnect(ctx)
	return nil
}

// SSHDisconnect implements ssh_disconnect.
func (e *Engine) SSHDisconnect(connectionID string) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	err = conn.Disconnect()
	e.registry.Unregister(connectionID)
	return err
}

// SSHTestConnection implements ssh_test_connection: dials, authenticates,
// and stabilises the transport, then immediately tears it down without
// registering a Connection or opening SFTP.
func (e *Engine) SSHTestConnection(ctx context.Context, profile Profile, password string) (bool, error) {
	t, err := transport.Dial(ctx, profile, password, e.store, e.cfg, e.bus)
	if err != nil {
		return false, err
	}
	defer t.Close()
	return true, nil
}

// SSHGetHomeDir implements ssh_get_home_dir.
func (e *Engine) SSHGetHomeDir(ctx context.Context, connectionID string) (string, error) {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return "", err
	}
	return sf.HomeDir(ctx)
}

// SSHTrustHostKey implements ssh_trust_host_key.
func (e *Engine) SSHTrustHostKey(entry HostKeyEntry) error {
	return e.store.Trust(hostkeys.Entry{
		Host:              entry.Host,
		Port:              entry.Port,
		KeyType:           entry.KeyType,
		FingerprintSHA256: entry.FingerprintSHA256,
		OpenSSHPublicKey:  entry.PublicKeyOpenSSH,
		TrustedAt:         entry.TrustedAt,
	})
}

// SSHForgetHostKey implements ssh_forget_host_key.
func (e *Engine) SSHForgetHostKey(host string, port int) error {
	return e.store.Forget(host, port)
}

// SSHListTrustedHostKeys implements ssh_list_trusted_host_keys.
func (e *Engine) SSHListTrustedHostKeys() []HostKeyEntry {
	entries := e.store.List()
	out := make([]HostKeyEntry, 0, len(entries))
	for _, en := range entries {
		out = append(out, toHostKeyEntry(en))
	}
	return out
}

// SSHGetTrustedHostKey implements ssh_get_trusted_host_key.
func (e *Engine) SSHGetTrustedHostKey(host string, port int) (*HostKeyEntry, error) {
	en, ok := e.store.Get(host, port)
	if !ok {
		return nil, nil
	}
	hk := toHostKeyEntry(en)
	return &hk, nil
}

func toHostKeyEntry(en hostkeys.Entry) HostKeyEntry {
	return HostKeyEntry{
		Host:              en.Host,
		Port:              en.Port,
		KeyType:           en.KeyType,
		FingerprintSHA256: en.FingerprintSHA256,
		PublicKeyOpenSSH:  en.OpenSSHPublicKey,
		TrustedAt:         en.TrustedAt,
	}
}

// SFTPListDir implements sftp_list_dir.
func (e *Engine) SFTPListDir(ctx context.Context, connectionID, path string) ([]FileEntry, error) {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return nil, err
	}
	return sf.ListDir(ctx, path)
}

// SFTPReadFile implements sftp_read_file.
func (e *Engine) SFTPReadFile(ctx context.Context, connectionID, path string) ([]byte, error) {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return nil, err
	}
	return sf.ReadFile(ctx, path)
}

// SFTPReadFileWithStat implements sftp_read_file_with_stat, remembering the
// observed (mtime, size) so a later sftp_write_file to the same path can
// detect a conflicting remote edit.
func (e *Engine) SFTPReadFileWithStat(ctx context.Context, connectionID, path string) ([]byte, FileMeta, error) {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return nil, FileMeta{}, err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return nil, FileMeta{}, rerr
	}
	data, meta, err := conn.SFTP().ReadFileWithStat(ctx, path)
	if err != nil {
		return nil, FileMeta{}, err
	}
	conn.Conflicts().Remember(path, meta)
	return data, meta, nil
}

// SFTPWriteFile implements sftp_write_file, routed through the remote-
// mtime conflict tracker.
func (e *Engine) SFTPWriteFile(ctx context.Context, connectionID, path string, data []byte) (FileMeta, error) {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return FileMeta{}, err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return FileMeta{}, rerr
	}
	return conn.Conflicts().Save(ctx, conn.SFTP(), path, data, e.cfg.SFTPMaxWriteBytes)
}

// SFTPForceSaveFile bypasses the remote-mtime conflict check, for a caller
// that has already reconciled the conflict with the user.
func (e *Engine) SFTPForceSaveFile(ctx context.Context, connectionID, path string, data []byte) (FileMeta, error) {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return FileMeta{}, err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return FileMeta{}, rerr
	}
	return conn.Conflicts().ForceSave(ctx, conn.SFTP(), path, data, e.cfg.SFTPMaxWriteBytes)
}

// SFTPStat implements sftp_stat.
func (e *Engine) SFTPStat(ctx context.Context, connectionID, path string) (FileMeta, error) {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return FileMeta{}, err
	}
	return sf.Stat(ctx, path)
}

// SFTPCreateFile implements sftp_create_file.
func (e *Engine) SFTPCreateFile(ctx context.Context, connectionID, path string) error {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return err
	}
	return sf.CreateFile(ctx, path)
}

// SFTPCreateDir implements sftp_create_dir.
func (e *Engine) SFTPCreateDir(ctx context.Context, connectionID, path string) error {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return err
	}
	return sf.CreateDir(ctx, path)
}

// SFTPDelete implements sftp_delete.
func (e *Engine) SFTPDelete(ctx context.Context, connectionID, path string) error {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return err
	}
	return sf.Delete(ctx, path)
}

// SFTPRename implements sftp_rename.
func (e *Engine) SFTPRename(ctx context.Context, connectionID, oldPath, newPath string) error {
	sf, err := e.connectedSFTP(connectionID)
	if err != nil {
		return err
	}
	return sf.Rename(ctx, oldPath, newPath)
}

// TerminalCreate implements terminal_create.
func (e *Engine) TerminalCreate(connectionID string, p ptymanager.CreateParams) (string, error) {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return "", err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return "", rerr
	}
	if p.InitialCols == 0 {
		p.InitialCols = e.cfg.DefaultCols
	}
	if p.InitialRows == 0 {
		p.InitialRows = e.cfg.DefaultRows
	}
	ch, err := conn.PTYs().Create(conn.Client(), p)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// TerminalReopen implements terminal_reopen.
func (e *Engine) TerminalReopen(connectionID, terminalID string) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return rerr
	}
	return conn.PTYs().Reopen(conn.Client(), terminalID)
}

// TerminalWrite implements terminal_write.
func (e *Engine) TerminalWrite(connectionID, terminalID string, data []byte) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	return conn.PTYs().Write(terminalID, data)
}

// TerminalResize implements terminal_resize.
func (e *Engine) TerminalResize(connectionID, terminalID string, cols, rows int) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	return conn.PTYs().Resize(terminalID, cols, rows)
}

// TerminalClose implements terminal_close.
func (e *Engine) TerminalClose(connectionID, terminalID string) error {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return err
	}
	return conn.PTYs().Close(terminalID)
}

// DebugEnableTrace implements debug_enable_trace.
func (e *Engine) DebugEnableTrace() { e.bus.Enable() }

// DebugDisableTrace implements debug_disable_trace.
func (e *Engine) DebugDisableTrace() { e.bus.Disable() }

// DebugIsTraceEnabled implements debug_is_trace_enabled.
func (e *Engine) DebugIsTraceEnabled() bool { return e.bus.IsEnabled() }

// Diagnostics is the shape returned by debug_export_diagnostics.
type Diagnostics struct {
	GeneratedAt int64               `json:"generatedAt"`
	Trace       []tracebus.Event    `json:"trace"`
	Connections []ConnectionSummary `json:"connections"`
}

// ConnectionSummary is one row of the diagnostics connection list.
type ConnectionSummary struct {
	ConnectionID string `json:"connectionId"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Status       string `json:"status"`
	Detail       string `json:"detail,omitempty"`
}

// DebugExportDiagnostics implements debug_export_diagnostics: a snapshot
// combining the Trace Bus ring buffer and the registry's current
// status-per-connection.
func (e *Engine) DebugExportDiagnostics() Diagnostics {
	conns := e.registry.All()
	summaries := make([]ConnectionSummary, 0, len(conns))
	for _, entry := range conns {
		c, ok := entry.(*connection.Connection)
		if !ok {
			continue
		}
		status, detail := c.Status()
		summaries = append(summaries, ConnectionSummary{
			ConnectionID: c.ID(),
			Host:         c.Host(),
			Port:         c.Port(),
			Status:       string(status),
			Detail:       detail,
		})
	}
	return Diagnostics{
		GeneratedAt: time.Now().Unix(),
		Trace:       e.bus.Snapshot(),
		Connections: summaries,
	}
}

func (e *Engine) getConnection(connectionID string) (*connection.Connection, error) {
	entry, ok := e.registry.Get(connectionID)
	if !ok {
		return nil, sshengine.New(sshengine.ErrInvalidArgument, fmt.Sprintf("unknown connection_id %q", connectionID))
	}
	conn, ok := entry.(*connection.Connection)
	if !ok {
		return nil, sshengine.New(sshengine.ErrInvalidArgument, "registry entry is not a Connection")
	}
	return conn, nil
}

// connectedSFTP fetches the Connection for connectionID, fails fast if it
// is not connected, and returns its SFTP Facade.
func (e *Engine) connectedSFTP(connectionID string) (*sftpfacade.Facade, error) {
	conn, err := e.getConnection(connectionID)
	if err != nil {
		return nil, err
	}
	if rerr := conn.RequireConnected(); rerr != nil {
		return nil, rerr
	}
	return conn.SFTP(), nil
}
