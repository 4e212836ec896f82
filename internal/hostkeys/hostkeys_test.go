package hostkeys

import (
	"path/filepath"
	"testing"
)

func TestStore_OpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := len(s.List()); got != 0 {
		t.Errorf("List() len = %d, want 0", got)
	}
}

func TestStore_TrustAndGet(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	e := Entry{Host: "example.com", Port: 22, KeyType: "ssh-ed25519", FingerprintSHA256: "abc123"}

	if err := s.Trust(e); err != nil {
		t.Fatalf("Trust: %v", err)
	}

	got, ok := s.Get("example.com", 22)
	if !ok {
		t.Fatal("Get: expected true, got false")
	}
	if got.FingerprintSHA256 != "abc123" {
		t.Errorf("Get: fingerprint = %q, want %q", got.FingerprintSHA256, "abc123")
	}
	if got.TrustedAt == 0 {
		t.Error("Trust should stamp TrustedAt when not already set")
	}
}

func TestStore_TrustPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostkeys.json")
	s1, _ := Open(path)
	s1.Trust(Entry{Host: "h1", Port: 22, FingerprintSHA256: "fp1"})

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := s2.Get("h1", 22)
	if !ok || got.FingerprintSHA256 != "fp1" {
		t.Errorf("reopened store Get = %+v, %v, want fp1, true", got, ok)
	}
}

func TestStore_TrustReplacesExisting(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	s.Trust(Entry{Host: "h1", Port: 22, FingerprintSHA256: "old"})
	s.Trust(Entry{Host: "h1", Port: 22, FingerprintSHA256: "new"})

	got, _ := s.Get("h1", 22)
	if got.FingerprintSHA256 != "new" {
		t.Errorf("Get after second Trust = %q, want %q", got.FingerprintSHA256, "new")
	}
	if len(s.List()) != 1 {
		t.Errorf("List() len = %d, want 1 after replace", len(s.List()))
	}
}

func TestStore_Forget(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	s.Trust(Entry{Host: "h1", Port: 22, FingerprintSHA256: "fp"})
	if err := s.Forget("h1", 22); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if _, ok := s.Get("h1", 22); ok {
		t.Error("Get after Forget should return false")
	}
}

func TestStore_ForgetNoop(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	if err := s.Forget("ghost", 22); err != nil {
		t.Errorf("Forget on missing entry should not error, got %v", err)
	}
}

func TestStore_DifferentPortsAreDistinctKeys(t *testing.T) {
	s, _ := Open(filepath.Join(t.TempDir(), "hostkeys.json"))
	s.Trust(Entry{Host: "h1", Port: 22, FingerprintSHA256: "a"})
	s.Trust(Entry{Host: "h1", Port: 2222, FingerprintSHA256: "b"})

	if len(s.List()) != 2 {
		t.Errorf("List() len = %d, want 2", len(s.List()))
	}
}
