// Package transport dials and authenticates one SSH client session to one
// (host, port, user), verifies the host key against the Host Key Store,
// and exposes a one-shot closed signal that the owning Connection uses to
// arm the Reconnect Supervisor.
package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/hostkeys"
	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/tracebus"
	"github.com/sshengine/engine/internal/types"
)

// Transport owns one authenticated SSH client handle.
type Transport struct {
	client *cryptossh.Client

	mu       sync.Mutex
	closed   chan struct{}
	closeErr error
	once     sync.Once
}

// Client returns the underlying *ssh.Client, used by the rest of the
// engine to open SFTP and PTY channels.
func (t *Transport) Client() *cryptossh.Client { return t.client }

// Dial does a TCP dial with a deadline, an SSH handshake with generous
// rekey parameters, host-key verification against store, and
// authentication. It does not open SFTP — callers do that once so the
// "exactly once" invariant lives at the connection layer, not here.
func Dial(ctx context.Context, profile types.Profile, password string, store *hostkeys.Store, cfg *engineconfig.Config, bus *tracebus.Bus) (*Transport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	addr := net.JoinHostPort(profile.Host, strconv.Itoa(profile.Port))

	bus.Emit(tracebus.Event{Category: "transport", Step: "dial", Message: "dialing " + addr})

	authMethod, err := authMethodFromProfile(profile, password)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, untrusted := hostKeyCallbackFor(profile, store)

	clientCfg := &cryptossh.ClientConfig{
		User:            profile.User,
		Auth:            []cryptossh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.DialTimeout,
		RekeyThreshold:  uint64(cfg.RekeyBytes),
	}

	type dialResult struct {
		client *cryptossh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext(dialCtx, "tcp4", addr)
		if err != nil {
			// Fall back to the default network family for hosts without an
			// IPv4 address, rather than failing outright.
			conn, err = (&net.Dialer{Timeout: cfg.DialTimeout}).DialContext(dialCtx, "tcp", addr)
		}
		if err != nil {
			ch <- dialResult{nil, err}
			return
		}
		c, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
		if err != nil {
			conn.Close()
			ch <- dialResult{nil, err}
			return
		}
		ch <- dialResult{cryptossh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		return nil, sshengine.Wrap(sshengine.ErrTimeout, "dial cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			if untrusted != nil && untrusted.fired {
				return nil, untrusted.asError()
			}
			return nil, classifyDialError(r.err)
		}
		if untrusted != nil && untrusted.mismatch {
			r.client.Close()
			return nil, untrusted.asError()
		}
		t := &Transport{client: r.client, closed: make(chan struct{})}
		go t.watchClose()

		// Wait briefly and re-check the handle is still open before handing
		// it back for use, catching handshakes that succeed but drop almost
		// immediately afterward.
		select {
		case <-time.After(cfg.StabilisationDelay):
		case <-t.closed:
			return nil, sshengine.New(sshengine.ErrConnectionFailed, "closed during warmup")
		}
		select {
		case <-t.closed:
			return nil, sshengine.New(sshengine.ErrConnectionFailed, "closed during warmup")
		default:
		}

		bus.Emit(tracebus.Event{Category: "transport", Step: "connected", Message: "handshake complete"})
		return t, nil
	}
}

// watchClose blocks on the underlying ssh.Conn's Wait and closes the
// one-shot closed signal when the transport goes away, for any reason
// (explicit Close, network loss, remote hangup).
func (t *Transport) watchClose() {
	err := t.client.Wait()
	t.mu.Lock()
	t.closeErr = err
	t.mu.Unlock()
	t.once.Do(func() { close(t.closed) })
}

// Closed returns a channel that is closed exactly once, when the transport
// goes away. The owning Connection waits on this to decide whether to arm
// the Reconnect Supervisor.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// CloseErr returns the error Wait() returned, valid only after Closed()
// has fired.
func (t *Transport) CloseErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

// Close tears down the transport explicitly.
func (t *Transport) Close() error {
	err := t.client.Close()
	t.once.Do(func() { close(t.closed) })
	return err
}

func authMethodFromProfile(profile types.Profile, password string) (cryptossh.AuthMethod, error) {
	switch profile.Auth {
	case types.AuthKey:
		keyPath := profile.KeyPath
		data, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, sshengine.Wrap(sshengine.ErrAuthFailed, "read private key", err)
		}
		var signer cryptossh.Signer
		if profile.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(data, []byte(profile.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(data)
		}
		if err != nil {
			return nil, sshengine.Wrap(sshengine.ErrAuthFailed, "parse private key", err)
		}
		return cryptossh.PublicKeys(signer), nil
	case types.AuthPassword:
		if password == "" {
			return nil, sshengine.New(sshengine.ErrMissingPassword, "password auth requires a password")
		}
		return cryptossh.Password(password), nil
	default:
		return nil, sshengine.New(sshengine.ErrInvalidArgument, fmt.Sprintf("unsupported auth method %q", profile.Auth))
	}
}

func classifyDialError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return sshengine.Wrap(sshengine.ErrTimeout, "dial timed out", err)
	}
	if _, ok := err.(*cryptossh.AuthError); ok {
		return sshengine.Wrap(sshengine.ErrAuthFailed, "authentication rejected", err)
	}
	return sshengine.Wrap(sshengine.ErrConnectionFailed, "connect failed", err)
}

// untrustedState threads the host-key verification outcome out of the
// callback (which x/crypto/ssh invokes synchronously during the handshake)
// to the Dial caller, since HostKeyCallback can only return an error, not
// the richer fingerprint/context detail callers need to report an
// untrusted or mismatched host key.
type untrustedState struct {
	fired       bool
	mismatch    bool
	host        string
	port        int
	keyType     string
	actual      string
	actualKey   string
	expected    string
	expectedKey string
}

func (u *untrustedState) asError() error {
	if u.mismatch {
		return sshengine.New(sshengine.ErrHostKeyMismatch, "host key changed").WithContext(map[string]any{
			"host":                      u.host,
			"port":                      u.port,
			"keyType":                   u.keyType,
			"expectedFingerprintSha256": u.expected,
			"actualFingerprintSha256":   u.actual,
			"expectedPublicKeyOpenssh":  u.expectedKey,
			"actualPublicKeyOpenssh":    u.actualKey,
		})
	}
	return sshengine.New(sshengine.ErrHostKeyUntrusted, "host key not trusted").WithContext(map[string]any{
		"host":              u.host,
		"port":              u.port,
		"keyType":           u.keyType,
		"fingerprintSha256": u.actual,
		"publicKeyOpenssh":  u.actualKey,
	})
}

// hostKeyCallbackFor builds a HostKeyCallback that consults store and
// records the untrusted/mismatch details the caller needs to report back.
func hostKeyCallbackFor(profile types.Profile, store *hostkeys.Store) (cryptossh.HostKeyCallback, *untrustedState) {
	state := &untrustedState{host: profile.Host, port: profile.Port}

	cb := func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
		fp := hostkeys.Fingerprint(key)
		enc := hostkeys.EncodeOpenSSH(key)
		state.keyType = key.Type()
		state.actual = fp
		state.actualKey = enc

		entry, ok := store.Get(profile.Host, profile.Port)
		if !ok {
			state.fired = true
			return fmt.Errorf("host key untrusted for %s:%d", profile.Host, profile.Port)
		}
		if entry.FingerprintSHA256 != fp {
			state.fired = true
			state.mismatch = true
			state.expected = entry.FingerprintSHA256
			state.expectedKey = entry.OpenSSHPublicKey
			return fmt.Errorf("host key mismatch for %s:%d", profile.Host, profile.Port)
		}
		if profile.PinnedFingerprintSHA256 != "" && profile.PinnedFingerprintSHA256 != fp {
			state.fired = true
			state.mismatch = true
			state.expected = profile.PinnedFingerprintSHA256
			return fmt.Errorf("host key does not match pinned fingerprint for %s:%d", profile.Host, profile.Port)
		}
		return nil
	}
	return cb, state
}
