// Package hostkeys implements the engine's Host Key Store: a persistent,
// trust-on-first-use allow-list keyed by (host, port).
package hostkeys

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Entry is a trusted host key record.
type Entry struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	KeyType           string `json:"keyType"`
	FingerprintSHA256 string `json:"fingerprintSha256"`
	OpenSSHPublicKey  string `json:"publicKeyOpenssh"`
	TrustedAt         int64  `json:"trustedAt"`
}

func key(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// Store is a concurrency-safe, file-persisted key/value store of Entry
// values. It is the only state the engine persists.
type Store struct {
	mu      sync.RWMutex
	path    string
	entries map[string]Entry
}

// Open loads entries from path if it exists, creating an empty in-memory
// store otherwise. The file is created on the first Trust or Forget call.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("hostkeys: read store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var list []Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("hostkeys: parse store: %w", err)
	}
	for _, e := range list {
		s.entries[key(e.Host, e.Port)] = e
	}
	return s, nil
}

// List returns a snapshot of all trusted entries, unordered.
func (s *Store) List() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the entry for (host, port), or (Entry{}, false).
func (s *Store) Get(host string, port int) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key(host, port)]
	return e, ok
}

// Trust adds or atomically replaces the entry for (host, port). Trusting
// the same fingerprint twice is a no-op write.
func (s *Store) Trust(e Entry) error {
	k := key(e.Host, e.Port)

	s.mu.Lock()
	if prev, ok := s.entries[k]; ok && e.TrustedAt == 0 && prev.FingerprintSHA256 == e.FingerprintSHA256 {
		e.TrustedAt = prev.TrustedAt
	}
	if e.TrustedAt == 0 {
		e.TrustedAt = time.Now().Unix()
	}
	s.entries[k] = e
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Forget removes the entry for (host, port). It is a no-op if absent.
func (s *Store) Forget(host string, port int) error {
	s.mu.Lock()
	delete(s.entries, key(host, port))
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	return s.persist(snapshot)
}

// snapshotLocked must be called with s.mu held.
func (s *Store) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

func (s *Store) persist(entries []Entry) error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("hostkeys: marshal store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("hostkeys: create store dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("hostkeys: write store: %w", err)
	}
	return nil
}

// Fingerprint computes a lowercase-hex sha256 fingerprint, distinct from
// OpenSSH's own base64 SHA256 fingerprint format which golang.org/x/crypto/ssh's
// FingerprintSHA256 produces — the engine's contract is plain hex.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return fmt.Sprintf("%x", sum)
}

// EncodeOpenSSH renders pub in "ssh-ed25519 AAAA..." authorized_keys form,
// parseable by ssh-keygen -l.
func EncodeOpenSSH(pub ssh.PublicKey) string {
	return string(ssh.MarshalAuthorizedKey(pub))
}
