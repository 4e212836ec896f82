// Package connection implements the Connection composite: Transport +
// SFTP + a set of PTY Channels + connection status, identified by an
// opaque connection_id.
package connection

import (
	"context"
	"sync"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sshengine/engine/internal/conflict"
	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/hostkeys"
	"github.com/sshengine/engine/internal/ptymanager"
	"github.com/sshengine/engine/internal/reconnect"
	"github.com/sshengine/engine/internal/sftpfacade"
	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/tracebus"
	"github.com/sshengine/engine/internal/types"
)

// stopRetryingError lets a reconnect Attempt tell the Supervisor to give
// up — used when a password-auth profile has no cached password to retry
// with.
type stopRetryingError struct{ error }

func (stopRetryingError) StopRetrying() bool { return true }

// StatusListener is notified of every status transition this Connection
// makes, delivered onward as connection_status_changed events by the
// top-level facade.
type StatusListener func(connectionID string, status types.Status, detail string)

// Connection is the engine's composite type. It owns exactly one
// Transport, one SFTP Facade, and N PTY channels.
type Connection struct {
	id      string
	profile types.Profile

	cfg   *engineconfig.Config
	store *hostkeys.Store
	bus   *tracebus.Bus

	mu       sync.RWMutex
	status   types.Status
	detail   string
	password string // in-memory only, never persisted

	transport *transportHandle
	sftp      *sftpfacade.Facade
	ptys      *ptymanager.Manager
	conflicts *conflict.Tracker

	supervisor *reconnect.Supervisor
	onStatus   StatusListener
}

// transportHandle is a tiny indirection so Connection can swap the
// underlying transport out from under itself on reconnect without
// invalidating other fields.
type transportHandle struct {
	client *cryptossh.Client
	closed <-chan struct{}
}

// Dialer is the function Connection uses to establish a new transport; it
// takes the same parameters as transport.Dial but returns the narrow
// Closer, and is injected so tests can swap in a fake without a real
// network.
type Dialer func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error)

// sftpOpenFn opens the SFTP facade over a dialed transport; a package-level
// var, not a direct call, so tests can swap it out for a fake that does not
// require a live SSH connection.
var sftpOpenFn = sftpfacade.Open

// Closer is the narrow transport surface Connection depends on.
type Closer interface {
	Client() *cryptossh.Client
	Closed() <-chan struct{}
	Close() error
}

// New constructs a Connection in state idle. Use Open to actually dial.
func New(id string, profile types.Profile, cfg *engineconfig.Config, store *hostkeys.Store, bus *tracebus.Bus) *Connection {
	return &Connection{
		id:        id,
		profile:   profile,
		cfg:       cfg,
		store:     store,
		bus:       bus,
		status:    types.StatusIdle,
		ptys:      ptymanager.New(),
		conflicts: conflict.New(),
	}
}

// ID returns the connection_id (registry.Entry).
func (c *Connection) ID() string { return c.id }

// Host returns the profile's host (registry.Entry).
func (c *Connection) Host() string { return c.profile.Host }

// Port returns the profile's port (registry.Entry).
func (c *Connection) Port() int { return c.profile.Port }

// Status returns the current status and detail.
func (c *Connection) Status() (types.Status, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status, c.detail
}

// SetStatusListener installs the callback used to publish status
// transitions in monotone order per connection_id.
func (c *Connection) SetStatusListener(fn StatusListener) { c.onStatus = fn }

func (c *Connection) setStatus(status types.Status, detail string) {
	c.mu.Lock()
	c.status = status
	c.detail = detail
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(c.id, status, detail)
	}
}

// SFTP returns the active SFTP facade, or nil if not connected.
func (c *Connection) SFTP() *sftpfacade.Facade {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sftp
}

// PTYs returns the PTY channel manager (always present, even when
// disconnected — channels stay logically alive and reopen on reconnect).
func (c *Connection) PTYs() *ptymanager.Manager { return c.ptys }

// Conflicts returns the remote-mtime conflict tracker for this Connection.
func (c *Connection) Conflicts() *conflict.Tracker { return c.conflicts }

// Open performs the initial connect: dial, verify host key, authenticate,
// stabilise, open SFTP exactly once, and start the reconnect watchdog.
func (c *Connection) Open(ctx context.Context, dial Dialer, password string) error {
	c.setStatus(types.StatusConnecting, "")
	c.password = password

	closer, err := dial(ctx, c.profile, password, c.store, c.cfg, c.bus)
	if err != nil {
		c.setStatus(types.StatusDisconnected, err.Error())
		return err
	}

	sf, err := sftpOpenFn(closer.Client(), c.cfg)
	if err != nil {
		closer.Close()
		c.setStatus(types.StatusDisconnected, err.Error())
		return err
	}

	c.mu.Lock()
	c.transport = &transportHandle{client: closer.Client(), closed: closer.Closed()}
	c.sftp = sf
	c.mu.Unlock()

	c.setStatus(types.StatusConnected, "")
	c.bus.Emit(tracebus.Event{Category: "connection", Step: "connected", ConnectionID: c.id})

	c.supervisor = reconnect.New(c.id, c.cfg, c.bus, c.reconnectAttempt(dial), c.supervisorStatus)
	go c.watch(ctx, closer.Closed())
	return nil
}

// watch blocks until the transport's one-shot closed signal fires, then
// decides whether to arm the supervisor: only if the connection has not
// already been explicitly torn down, and only if there is still at least
// one live terminal or an SFTP request in flight worth reconnecting for.
// A connection with neither is left disconnected rather than spinning up
// a retry loop nothing is waiting on.
func (c *Connection) watch(ctx context.Context, closed <-chan struct{}) {
	<-closed

	c.mu.RLock()
	status := c.status
	sftp := c.sftp
	c.mu.RUnlock()
	if status == types.StatusDisconnected {
		return // explicit disconnect already handled teardown
	}

	c.ptys.MarkAllDetached()

	hasWork := len(c.ptys.AllIDs()) > 0 || (sftp != nil && sftp.Pending() > 0)
	if !hasWork {
		c.setStatus(types.StatusDisconnected, "transport closed, nothing to reconnect for")
		return
	}

	c.setStatus(types.StatusReconnecting, "transport closed")
	c.supervisor.Start(ctx)
}

func (c *Connection) supervisorStatus(status string, detail string) {
	c.setStatus(types.Status(status), detail)
}

// reconnectAttempt builds the Attempt the Supervisor drives: repeat the
// dial/auth/stabilise sequence, re-open SFTP exactly once, then run
// reopen_terminals_for_connection.
func (c *Connection) reconnectAttempt(dial Dialer) reconnect.Attempt {
	return func(ctx context.Context) error {
		if c.profile.Auth == types.AuthPassword && c.password == "" {
			return stopRetryingError{sshengine.New(sshengine.ErrMissingPassword, "password auth requires a cached password to auto-reconnect")}
		}

		closer, err := dial(ctx, c.profile, c.password, c.store, c.cfg, c.bus)
		if err != nil {
			return err
		}

		sf, err := sftpOpenFn(closer.Client(), c.cfg)
		if err != nil {
			closer.Close()
			return err
		}

		c.mu.Lock()
		if c.sftp != nil {
			c.sftp.Close()
		}
		c.transport = &transportHandle{client: closer.Client(), closed: closer.Closed()}
		c.sftp = sf
		c.mu.Unlock()

		for _, id := range c.ptys.AllIDs() {
			if rerr := c.ptys.Reopen(closer.Client(), id); rerr != nil {
				c.bus.Emit(tracebus.Event{Category: "connection", Step: "reopen_failed", ConnectionID: c.id, Message: rerr.Error(), IsError: true})
			}
		}

		go c.watch(ctx, closer.Closed())
		return nil
	}
}

// Reconnect implements ssh_reconnect: cancels any pending backoff and
// retries immediately.
func (c *Connection) Reconnect(ctx context.Context) {
	if c.supervisor != nil {
		c.supervisor.Reconnect(ctx)
	}
}

// Disconnect implements ssh_disconnect: explicit teardown, cancels the
// supervisor, marks every terminal detached, and transitions to the
// terminal disconnected state.
func (c *Connection) Disconnect() error {
	if c.supervisor != nil {
		c.supervisor.Cancel()
	}
	c.ptys.MarkAllDetached()

	c.mu.Lock()
	var sftpErr, transportErr error
	if c.sftp != nil {
		sftpErr = c.sftp.Close()
		c.sftp = nil
	}
	if c.transport != nil {
		transportErr = c.transport.client.Close()
		c.transport = nil
	}
	c.mu.Unlock()

	c.setStatus(types.StatusDisconnected, "explicit disconnect")

	if transportErr != nil {
		return transportErr
	}
	return sftpErr
}

// Close satisfies registry.Entry by delegating to Disconnect.
func (c *Connection) Close() error { return c.Disconnect() }

// RequireConnected fails fast with TransportDown when status != connected.
func (c *Connection) RequireConnected() error {
	status, _ := c.Status()
	if status != types.StatusConnected {
		return sshengine.New(sshengine.ErrTransportDown, "connection is not connected")
	}
	return nil
}

// Client returns the live *ssh.Client, or nil if not connected. Used by
// the top-level facade to open new PTY channels.
func (c *Connection) Client() *cryptossh.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.transport == nil {
		return nil
	}
	return c.transport.client
}
