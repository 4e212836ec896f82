// Package ptymanager implements the engine's PTY Channel Manager:
// create/write/resize/close/reopen of remote interactive shells, fanning
// output out to any number of subscribers while preserving per-terminal
// byte order.
package ptymanager

import (
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/types"
)

// OutputChunk is one event on the output bus: an opaque byte chunk keyed
// by terminal_id.
type OutputChunk struct {
	TerminalID string
	Data       []byte
	EOF        bool
}

// Channel is one PTY channel: its ssh.Session plus the cached dims and
// state the rest of the engine observes.
type Channel struct {
	ID             string
	WorkingDir     string
	StartupCommand string

	mu      sync.Mutex
	state   types.TerminalState
	cols    int
	rows    int
	session *cryptossh.Session
	stdin   io.WriteCloser
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() types.TerminalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dims returns the cached cols/rows — the last successfully acknowledged
// resize.
func (c *Channel) Dims() (cols, rows int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cols, c.rows
}

// Manager owns every Channel for one Connection and the goroutines
// draining their output into a single fan-out bus.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel
	out      chan OutputChunk
}

// New returns an empty Manager. out is buffered for 256 chunks; once that
// buffer is full, every terminal's reader goroutine blocks on its send
// until the reader of Subscribe's channel catches up, so a stalled reader
// stalls output for all terminals of this Manager.
func New() *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		out:      make(chan OutputChunk, 256),
	}
}

// Subscribe returns the shared output channel. Multiple subscribers are
// expected to fan this out further at the caller's boundary; the engine
// itself only guarantees one ordered stream per terminal_id.
func (m *Manager) Subscribe() <-chan OutputChunk { return m.out }

// CreateParams mirrors terminal_create's arguments.
type CreateParams struct {
	TerminalID     string
	WorkingDir     string
	StartupCommand string
	InitialCols    int
	InitialRows    int
}

// Create implements terminal_create.
func (m *Manager) Create(client *cryptossh.Client, p CreateParams) (*Channel, error) {
	id := p.TerminalID
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	if _, exists := m.channels[id]; exists {
		m.mu.Unlock()
		return nil, sshengine.New(sshengine.ErrInvalidArgument, fmt.Sprintf("terminal %q already exists", id))
	}
	m.mu.Unlock()

	ch, err := m.open(client, id, p.WorkingDir, p.StartupCommand, p.InitialCols, p.InitialRows)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.channels[id] = ch
	m.mu.Unlock()
	return ch, nil
}

// open performs the actual channel/PTY/shell setup shared by Create and
// Reopen.
func (m *Manager) open(client *cryptossh.Client, id, workingDir, startupCommand string, cols, rows int) (*Channel, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, sshengine.Wrap(sshengine.ErrPtyOpenFailed, "new session", err)
	}

	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		sess.Close()
		return nil, sshengine.Wrap(sshengine.ErrPtyOpenFailed, "request pty", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, sshengine.Wrap(sshengine.ErrPtyOpenFailed, "stdin pipe", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, sshengine.Wrap(sshengine.ErrPtyOpenFailed, "stdout pipe", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, sshengine.Wrap(sshengine.ErrPtyOpenFailed, "start shell", err)
	}

	ch := &Channel{
		ID:             id,
		WorkingDir:     workingDir,
		StartupCommand: startupCommand,
		state:          types.TerminalOpen,
		cols:           cols,
		rows:           rows,
		session:        sess,
		stdin:          stdin,
	}

	// cd into working_dir, then forward the startup command verbatim as
	// the first input bytes — the engine does not interpret it.
	if workingDir != "" {
		fmt.Fprintf(stdin, "cd %q\n", workingDir)
	}
	if startupCommand != "" {
		fmt.Fprintf(stdin, "%s\n", startupCommand)
	}

	go m.drain(ch, stdout)
	return ch, nil
}

// drain copies remote output into the shared bus, preserving this
// terminal's byte order, until EOF or the channel is closed out from
// under it.
func (m *Manager) drain(ch *Channel, stdout io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.out <- OutputChunk{TerminalID: ch.ID, Data: chunk}
		}
		if err != nil {
			ch.mu.Lock()
			ch.state = types.TerminalClosed
			ch.mu.Unlock()
			m.out <- OutputChunk{TerminalID: ch.ID, EOF: true}
			return
		}
	}
}

// Write implements terminal_write: delivers raw bytes to the remote PTY,
// with a single call's payload delivered contiguously and never
// interleaved with another writer's bytes.
func (m *Manager) Write(id string, data []byte) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	if ch.State() != types.TerminalOpen {
		return sshengine.New(sshengine.ErrTerminalDetached, "terminal is not open")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	_, werr := ch.stdin.Write(data)
	if werr != nil {
		return sshengine.Wrap(sshengine.ErrTerminalDetached, "write failed", werr)
	}
	return nil
}

// Resize implements terminal_resize: refuses cols<2 || rows<1, and only
// updates the cached dims on a successful remote acknowledgement.
func (m *Manager) Resize(id string, cols, rows int) error {
	if cols < 2 || rows < 1 {
		return sshengine.New(sshengine.ErrInvalidArgument, "cols must be >=2 and rows >=1")
	}
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	if ch.State() != types.TerminalOpen {
		return sshengine.New(sshengine.ErrTerminalDetached, "terminal is not open")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.session.WindowChange(rows, cols); err != nil {
		return sshengine.Wrap(sshengine.ErrPtyOpenFailed, "window change", err)
	}
	ch.cols, ch.rows = cols, rows
	return nil
}

// Close implements terminal_close: sends EOF/close, cancels the reader by
// virtue of the session closing, and removes the terminal from the map.
func (m *Manager) Close(id string) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	ch.state = types.TerminalClosed
	_ = ch.stdin.Close()
	closeErr := ch.session.Close()
	ch.mu.Unlock()

	m.mu.Lock()
	delete(m.channels, id)
	m.mu.Unlock()

	if closeErr != nil && closeErr != io.EOF {
		return sshengine.Wrap(sshengine.ErrPtyOpenFailed, "close session", closeErr)
	}
	return nil
}

// Reopen implements reopen_terminals_for_connection's per-terminal step:
// opens a new channel reusing the same terminal_id, working dir, and
// startup command, so subscribers see a seamless (if gapped) stream.
func (m *Manager) Reopen(client *cryptossh.Client, id string) error {
	ch, err := m.get(id)
	if err != nil {
		return err
	}
	cols, rows := ch.Dims()
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	newCh, err := m.open(client, id, ch.WorkingDir, ch.StartupCommand, cols, rows)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.channels[id] = newCh
	m.mu.Unlock()
	return nil
}

// AllIDs returns every terminal_id currently tracked, for the supervisor's
// reopen_terminals_for_connection sweep.
func (m *Manager) AllIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.channels))
	for id := range m.channels {
		out = append(out, id)
	}
	return out
}

// MarkAllDetached transitions every channel to closed without removing it
// from the map, used when the owning Connection loses its transport:
// writes fail fast with TerminalDetached but subscribers stay registered.
func (m *Manager) MarkAllDetached() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		ch.mu.Lock()
		ch.state = types.TerminalClosed
		ch.mu.Unlock()
	}
}

func (m *Manager) get(id string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, sshengine.New(sshengine.ErrTerminalNotFound, fmt.Sprintf("terminal %q not found", id))
	}
	return ch, nil
}
