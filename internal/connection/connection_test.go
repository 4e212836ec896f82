package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/hostkeys"
	"github.com/sshengine/engine/internal/sftpfacade"
	"github.com/sshengine/engine/internal/tracebus"
	"github.com/sshengine/engine/internal/types"
)

// fakeDialCloser implements Closer without a real *ssh.Client, standing in
// for a live transport in tests.
type fakeDialCloser struct {
	closed chan struct{}
}

func newFakeDialCloser() *fakeDialCloser {
	return &fakeDialCloser{closed: make(chan struct{})}
}

func (f *fakeDialCloser) Client() *cryptossh.Client { return nil }
func (f *fakeDialCloser) Closed() <-chan struct{}   { return f.closed }
func (f *fakeDialCloser) Close() error              { return nil }

func testCfg() *engineconfig.Config {
	return &engineconfig.Config{BackoffBaseMillis: 1, BackoffMaxMillis: 2}
}

// noopSftpOpen overrides sftpOpenFn so Open/reconnectAttempt never touch a
// real *ssh.Client.
func noopSftpOpen(t *testing.T) func() {
	t.Helper()
	orig := sftpOpenFn
	sftpOpenFn = func(conn *cryptossh.Client, cfg *engineconfig.Config) (*sftpfacade.Facade, error) {
		return nil, nil
	}
	return func() { sftpOpenFn = orig }
}

func TestConnection_OpenSuccessSetsConnected(t *testing.T) {
	restore := noopSftpOpen(t)
	defer restore()

	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))

	closer := newFakeDialCloser()
	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		return closer, nil
	}

	if err := c.Open(context.Background(), dial, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	status, _ := c.Status()
	if status != types.StatusConnected {
		t.Errorf("Status() = %v, want connected", status)
	}
}

func TestConnection_OpenDialFailureSetsDisconnected(t *testing.T) {
	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))

	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		return nil, errors.New("dial failed")
	}

	if err := c.Open(context.Background(), dial, ""); err == nil {
		t.Fatal("Open: expected error")
	}
	status, _ := c.Status()
	if status != types.StatusDisconnected {
		t.Errorf("Status() = %v, want disconnected", status)
	}
}

func TestConnection_RequireConnectedFailsFastWhenIdle(t *testing.T) {
	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))
	if err := c.RequireConnected(); err == nil {
		t.Fatal("RequireConnected: expected error on a fresh, unopened Connection")
	}
}

func TestConnection_DisconnectTransitionsToDisconnected(t *testing.T) {
	restore := noopSftpOpen(t)
	defer restore()

	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))
	closer := newFakeDialCloser()
	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		return closer, nil
	}
	if err := c.Open(context.Background(), dial, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	status, _ := c.Status()
	if status != types.StatusDisconnected {
		t.Errorf("Status() after Disconnect = %v, want disconnected", status)
	}
}

func TestConnection_CloseDelegatesToDisconnect(t *testing.T) {
	restore := noopSftpOpen(t)
	defer restore()

	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))
	closer := newFakeDialCloser()
	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		return closer, nil
	}
	if err := c.Open(context.Background(), dial, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	status, _ := c.Status()
	if status != types.StatusDisconnected {
		t.Errorf("Status() after Close = %v, want disconnected", status)
	}
}

func TestConnection_WatchSkipsSupervisorWhenNothingToReconnectFor(t *testing.T) {
	restore := noopSftpOpen(t)
	defer restore()

	var dialAttempts atomic.Int32
	c := New("c1", types.Profile{Host: "h", Port: 22}, testCfg(), nil, tracebus.New(8))

	first := newFakeDialCloser()
	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		dialAttempts.Add(1)
		return first, nil
	}

	if err := c.Open(context.Background(), dial, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	close(first.closed)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		status, _ := c.Status()
		if status == types.StatusDisconnected {
			break
		}
		time.Sleep(time.Millisecond)
	}

	status, _ := c.Status()
	if status != types.StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected (no live terminal and no pending SFTP work)", status)
	}
	// Give any wrongly-armed supervisor a chance to dial again before
	// asserting it never did.
	time.Sleep(20 * time.Millisecond)
	if dialAttempts.Load() != 1 {
		t.Errorf("dial called %d times, want exactly 1 (supervisor must not arm with no live terminal or pending SFTP work)", dialAttempts.Load())
	}
}

func TestConnection_ReconnectAttemptStopsOnMissingPassword(t *testing.T) {
	restore := noopSftpOpen(t)
	defer restore()

	c := New("c1", types.Profile{Host: "h", Port: 22, Auth: types.AuthPassword}, testCfg(), nil, tracebus.New(8))
	var dialCalls atomic.Int32
	first := newFakeDialCloser()
	dial := func(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (Closer, error) {
		dialCalls.Add(1)
		return first, nil
	}

	if err := c.Open(context.Background(), dial, ""); err != nil {
		t.Fatalf("Open: %v", err)
	}

	c.Reconnect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, _ := c.Status()
		if status == types.StatusDisconnected {
			break
		}
		time.Sleep(time.Millisecond)
	}
	status, _ := c.Status()
	if status != types.StatusDisconnected {
		t.Fatalf("Status() = %v, want disconnected (password auth with no cached password must not retry)", status)
	}
	if dialCalls.Load() != 1 {
		t.Errorf("dial called %d times, want exactly 1 (the initial Open; the reconnect attempt must not dial)", dialCalls.Load())
	}
}
