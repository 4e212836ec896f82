package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"testing"

	cryptossh "golang.org/x/crypto/ssh"

	"github.com/sshengine/engine/internal/hostkeys"
	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/types"
)

func testPublicKey(t *testing.T) cryptossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sshPub, err := cryptossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrap public key: %v", err)
	}
	return sshPub
}

func testStore(t *testing.T) *hostkeys.Store {
	t.Helper()
	store, err := hostkeys.Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	if err != nil {
		t.Fatalf("hostkeys.Open: %v", err)
	}
	return store
}

func TestAuthMethodFromProfile_Password(t *testing.T) {
	method, err := authMethodFromProfile(types.Profile{Auth: types.AuthPassword}, "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if method == nil {
		t.Fatal("expected non-nil auth method")
	}
}

func TestAuthMethodFromProfile_PasswordMissing(t *testing.T) {
	_, err := authMethodFromProfile(types.Profile{Auth: types.AuthPassword}, "")
	if err == nil {
		t.Fatal("expected error for missing password")
	}
	if code, ok := sshengine.CodeOf(err); !ok || code != sshengine.ErrMissingPassword {
		t.Fatalf("CodeOf(err) = %v, %v, want ErrMissingPassword", code, ok)
	}
}

func TestAuthMethodFromProfile_KeyUnreadable(t *testing.T) {
	_, err := authMethodFromProfile(types.Profile{Auth: types.AuthKey, KeyPath: "/nonexistent/path/to/key"}, "")
	if err == nil {
		t.Fatal("expected error for unreadable key file")
	}
	if code, ok := sshengine.CodeOf(err); !ok || code != sshengine.ErrAuthFailed {
		t.Fatalf("CodeOf(err) = %v, %v, want ErrAuthFailed", code, ok)
	}
}

func TestAuthMethodFromProfile_InvalidType(t *testing.T) {
	_, err := authMethodFromProfile(types.Profile{Auth: types.AuthMethod("unknown")}, "")
	if err == nil {
		t.Fatal("expected error for unsupported auth method")
	}
}

func TestClassifyDialError_Timeout(t *testing.T) {
	err := classifyDialError(&net.DNSError{IsTimeout: true, Err: "timed out"})
	if code, ok := sshengine.CodeOf(err); !ok || code != sshengine.ErrTimeout {
		t.Fatalf("classifyDialError(net.Error) code = %v, %v, want ErrTimeout", code, ok)
	}
}

func TestClassifyDialError_Auth(t *testing.T) {
	err := classifyDialError(&cryptossh.AuthError{})
	if code, ok := sshengine.CodeOf(err); !ok || code != sshengine.ErrAuthFailed {
		t.Fatalf("classifyDialError(*ssh.AuthError) code = %v, %v, want ErrAuthFailed", code, ok)
	}
}

func TestClassifyDialError_Generic(t *testing.T) {
	err := classifyDialError(errors.New("connection refused"))
	if code, ok := sshengine.CodeOf(err); !ok || code != sshengine.ErrConnectionFailed {
		t.Fatalf("classifyDialError(generic) code = %v, %v, want ErrConnectionFailed", code, ok)
	}
}

func TestHostKeyCallbackFor_Untrusted(t *testing.T) {
	store := testStore(t)
	cb, state := hostKeyCallbackFor(types.Profile{Host: "example.com", Port: 22}, store)

	if err := cb("example.com:22", &net.TCPAddr{}, testPublicKey(t)); err == nil {
		t.Fatal("expected error for an untrusted host key")
	}
	if !state.fired || state.mismatch {
		t.Fatalf("state = %+v, want fired=true mismatch=false", state)
	}
}

func TestHostKeyCallbackFor_TrustedMatch(t *testing.T) {
	store := testStore(t)
	pub := testPublicKey(t)
	fp := hostkeys.Fingerprint(pub)
	if err := store.Trust(hostkeys.Entry{Host: "example.com", Port: 22, FingerprintSHA256: fp}); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	cb, state := hostKeyCallbackFor(types.Profile{Host: "example.com", Port: 22}, store)
	if err := cb("example.com:22", &net.TCPAddr{}, pub); err != nil {
		t.Fatalf("unexpected error for a trusted host key: %v", err)
	}
	if state.fired {
		t.Fatalf("state.fired = true, want false for a trusted match")
	}
}

func TestHostKeyCallbackFor_Mismatch(t *testing.T) {
	store := testStore(t)
	if err := store.Trust(hostkeys.Entry{Host: "example.com", Port: 22, FingerprintSHA256: "not-the-real-fingerprint"}); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	cb, state := hostKeyCallbackFor(types.Profile{Host: "example.com", Port: 22}, store)
	if err := cb("example.com:22", &net.TCPAddr{}, testPublicKey(t)); err == nil {
		t.Fatal("expected error for a mismatched host key")
	}
	if !state.fired || !state.mismatch {
		t.Fatalf("state = %+v, want fired=true mismatch=true", state)
	}
}

func TestHostKeyCallbackFor_PinnedFingerprintMismatch(t *testing.T) {
	store := testStore(t)
	pub := testPublicKey(t)
	fp := hostkeys.Fingerprint(pub)
	if err := store.Trust(hostkeys.Entry{Host: "example.com", Port: 22, FingerprintSHA256: fp}); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	profile := types.Profile{Host: "example.com", Port: 22, PinnedFingerprintSHA256: "deadbeef"}
	cb, state := hostKeyCallbackFor(profile, store)
	if err := cb("example.com:22", &net.TCPAddr{}, pub); err == nil {
		t.Fatal("expected error when the pinned fingerprint does not match")
	}
	if !state.fired || !state.mismatch {
		t.Fatalf("state = %+v, want fired=true mismatch=true", state)
	}
}
