// Package conflict implements remote-mtime conflict detection: detect "the
// file changed under my feet" without locking, by remembering the
// mtime/size observed at open and checking them again before a save.
package conflict

import (
	"context"
	"sync"

	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/types"
)

// reader is the subset of sftpfacade.Facade this package depends on, kept
// narrow so it can be satisfied by a mock in tests without pulling in a
// real SFTP client.
type reader interface {
	Stat(ctx context.Context, path string) (types.FileMeta, error)
	WriteFile(ctx context.Context, path string, data []byte, maxBytes int64) (types.FileMeta, error)
}

// remembered is the (mtime, size) pair recorded at open time for one path.
type remembered struct {
	mtime int64
	size  int64
}

// Tracker records the remembered (mtime, size) pair per path for one
// Connection and arbitrates saves against it.
type Tracker struct {
	mu    sync.Mutex
	facts map[string]remembered
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{facts: make(map[string]remembered)}
}

// Remember records meta as the baseline for path, as read_file_with_stat
// does at open time.
func (t *Tracker) Remember(path string, meta types.FileMeta) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.facts[path] = remembered{mtime: meta.Mtime, size: meta.Size}
}

// Forget drops any baseline recorded for path.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.facts, path)
}

// Save stats the remote path, compares it against the remembered baseline,
// writes only if unchanged, and updates the baseline from the write's
// returned FileMeta.
func (t *Tracker) Save(ctx context.Context, r reader, path string, data []byte, maxBytes int64) (types.FileMeta, error) {
	meta, err := r.Stat(ctx, path)
	if err != nil {
		if code, ok := sshengine.CodeOf(err); ok && code == sshengine.ErrPathMissing {
			return types.FileMeta{}, sshengine.New(sshengine.ErrMissing, "file no longer exists")
		}
		return types.FileMeta{}, err
	}

	t.mu.Lock()
	prior, known := t.facts[path]
	t.mu.Unlock()

	if known && (meta.Mtime > prior.mtime || meta.Size != prior.size) {
		return types.FileMeta{}, sshengine.New(sshengine.ErrConflict, "remote file changed since open").WithContext(map[string]any{
			"path":            path,
			"rememberedMtime": prior.mtime,
			"remoteMtime":     meta.Mtime,
		})
	}

	written, err := r.WriteFile(ctx, path, data, maxBytes)
	if err != nil {
		return types.FileMeta{}, err
	}
	t.Remember(path, written)
	return written, nil
}

// ForceSave implements force_save: skips the conflict check entirely.
func (t *Tracker) ForceSave(ctx context.Context, r reader, path string, data []byte, maxBytes int64) (types.FileMeta, error) {
	written, err := r.WriteFile(ctx, path, data, maxBytes)
	if err != nil {
		return types.FileMeta{}, err
	}
	t.Remember(path, written)
	return written, nil
}
