// Package sftpfacade provides a request/response API over the single SFTP
// channel per Connection, serialised through a mailbox, with normalised
// error kinds.
package sftpfacade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/sshengine"
	"github.com/sshengine/engine/internal/types"
)

// request is one mailbox entry; the worker loop executes fn and delivers
// its result, giving every caller FIFO ordering on the single channel
// without per-path locking — the last writer to reach the mailbox wins.
type request struct {
	fn   func() (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Facade serialises every SFTP operation for one Connection through a
// single goroutine owning the one sftp.Client.
type Facade struct {
	client  *sftp.Client
	limiter *rate.Limiter

	mailbox chan request
	done    chan struct{}

	inFlight atomic.Int32
}

// Pending reports how many SFTP operations are currently enqueued on or
// running through the mailbox. A non-zero count is a reason not to tear
// down the facade even when every terminal has gone idle.
func (f *Facade) Pending() int { return int(f.inFlight.Load()) }

// Open opens the SFTP subsystem exactly once over conn and starts the
// mailbox worker. Callers must ensure this is only called once per
// Transport; the Connection composite enforces that.
func Open(conn *ssh.Client, cfg *engineconfig.Config) (*Facade, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, sshengine.Wrap(sshengine.ErrTransportDown, "open sftp subsystem", err)
	}

	f := &Facade{
		client: client,
		// Admission throttle bounding how fast a burst of callers can feed
		// the single mailbox — a second line of defence behind FIFO
		// ordering.
		limiter: rate.NewLimiter(rate.Limit(200), 50),
		mailbox: make(chan request, 64),
		done:    make(chan struct{}),
	}
	go f.run()
	return f, nil
}

func (f *Facade) run() {
	for {
		select {
		case req := <-f.mailbox:
			v, err := req.fn()
			req.done <- result{v, err}
		case <-f.done:
			return
		}
	}
}

// Close stops the mailbox worker and closes the underlying SFTP client.
func (f *Facade) Close() error {
	close(f.done)
	return f.client.Close()
}

// submit enqueues fn and waits for it to run on the mailbox goroutine, or
// for ctx to be cancelled. Cancelling ctx does not cancel the underlying
// SFTP request already in flight (the pkg/sftp client has no per-request
// cancellation); it only stops the caller from waiting on it — the
// request still completes on the mailbox goroutine and its result is
// discarded.
func (f *Facade) submit(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, sshengine.Wrap(sshengine.ErrTransportDown, "sftp mailbox closed", err)
	}

	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	req := request{fn: fn, done: make(chan result, 1)}
	select {
	case f.mailbox <- req:
	case <-f.done:
		return nil, sshengine.New(sshengine.ErrTransportDown, "sftp channel closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-req.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListDir implements sftp_list_dir: entries exclude "." and "..",
// ordering unspecified — caller sorts.
func (f *Facade) ListDir(ctx context.Context, path string) ([]types.FileEntry, error) {
	v, err := f.submit(ctx, func() (any, error) {
		infos, err := f.client.ReadDir(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		out := make([]types.FileEntry, 0, len(infos))
		for _, fi := range infos {
			if fi.Name() == "." || fi.Name() == ".." {
				continue
			}
			out = append(out, types.FileEntry{
				Name:        fi.Name(),
				IsDirectory: fi.IsDir(),
				Size:        fi.Size(),
				Mtime:       fi.ModTime().Unix(),
			})
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.FileEntry), nil
}

// ReadFile implements sftp_read_file.
func (f *Facade) ReadFile(ctx context.Context, path string) ([]byte, error) {
	v, err := f.submit(ctx, func() (any, error) {
		rf, err := f.client.Open(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		defer rf.Close()
		data, err := io.ReadAll(rf)
		if err != nil {
			return nil, classifyErr(err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// ReadFileWithStat implements sftp_read_file_with_stat: a single logical
// op used by the conflict package to anchor optimistic concurrency.
func (f *Facade) ReadFileWithStat(ctx context.Context, path string) ([]byte, types.FileMeta, error) {
	v, err := f.submit(ctx, func() (any, error) {
		rf, err := f.client.Open(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		defer rf.Close()
		fi, err := rf.Stat()
		if err != nil {
			return nil, classifyErr(err)
		}
		data, err := io.ReadAll(rf)
		if err != nil {
			return nil, classifyErr(err)
		}
		return struct {
			data []byte
			meta types.FileMeta
		}{data, types.FileMeta{Path: path, Size: fi.Size(), Mtime: fi.ModTime().Unix()}}, nil
	})
	if err != nil {
		return nil, types.FileMeta{}, err
	}
	pair := v.(struct {
		data []byte
		meta types.FileMeta
	})
	return pair.data, pair.meta, nil
}

// WriteFile implements sftp_write_file: creates or truncates, returns the
// post-write FileMeta.
func (f *Facade) WriteFile(ctx context.Context, path string, data []byte, maxBytes int64) (types.FileMeta, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return types.FileMeta{}, sshengine.New(sshengine.ErrInvalidArgument, fmt.Sprintf("write exceeds %d byte cap", maxBytes))
	}
	v, err := f.submit(ctx, func() (any, error) {
		wf, err := f.client.Create(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		defer wf.Close()
		if _, err := wf.Write(data); err != nil {
			return nil, classifyErr(err)
		}
		fi, err := f.client.Stat(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		return types.FileMeta{Path: path, Size: fi.Size(), Mtime: fi.ModTime().Unix()}, nil
	})
	if err != nil {
		return types.FileMeta{}, err
	}
	return v.(types.FileMeta), nil
}

// Stat implements sftp_stat.
func (f *Facade) Stat(ctx context.Context, path string) (types.FileMeta, error) {
	v, err := f.submit(ctx, func() (any, error) {
		fi, err := f.client.Stat(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		return types.FileMeta{Path: path, Size: fi.Size(), Mtime: fi.ModTime().Unix()}, nil
	})
	if err != nil {
		return types.FileMeta{}, err
	}
	return v.(types.FileMeta), nil
}

// CreateFile implements sftp_create_file: fails if the path already exists.
// The exclusive-create flags make this atomic at the server rather than a
// separate stat-then-create race.
func (f *Facade) CreateFile(ctx context.Context, path string) error {
	_, err := f.submit(ctx, func() (any, error) {
		wf, err := f.client.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err != nil {
			if isAlreadyExists(err) {
				return nil, sshengine.New(sshengine.ErrInvalidArgument, "path already exists")
			}
			return nil, classifyErr(err)
		}
		return nil, wf.Close()
	})
	return err
}

// CreateDir implements sftp_create_dir: fails if the path already exists.
// Mkdir itself rejects an existing path server-side, so there is no
// separate stat-then-create step to race against a concurrent caller.
func (f *Facade) CreateDir(ctx context.Context, path string) error {
	_, err := f.submit(ctx, func() (any, error) {
		if err := f.client.Mkdir(path); err != nil {
			if isAlreadyExists(err) {
				return nil, sshengine.New(sshengine.ErrInvalidArgument, "path already exists")
			}
			return nil, classifyErr(err)
		}
		return nil, nil
	})
	return err
}

// isAlreadyExists recognises the "already exists" failure an SFTP server
// returns for an exclusive create (file or directory) against a path that
// is already there; servers report this as a generic failure status with
// a message rather than a dedicated status code.
func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "file exists")
}

// Delete implements sftp_delete: removes a file or empty directory.
// Recursive deletion is intentionally not provided.
func (f *Facade) Delete(ctx context.Context, path string) error {
	_, err := f.submit(ctx, func() (any, error) {
		fi, err := f.client.Lstat(path)
		if err != nil {
			return nil, classifyErr(err)
		}
		if fi.IsDir() {
			return nil, classifyErr(f.client.RemoveDirectory(path))
		}
		return nil, classifyErr(f.client.Remove(path))
	})
	return err
}

// Rename implements sftp_rename with a single standard SFTP rename request;
// whether the rename is atomic is up to the server.
func (f *Facade) Rename(ctx context.Context, oldPath, newPath string) error {
	_, err := f.submit(ctx, func() (any, error) {
		return nil, classifyErr(f.client.Rename(oldPath, newPath))
	})
	return err
}

// HomeDir implements home_dir: the user's home as reported by the server,
// via an SFTP realpath "." query — exactly what pkg/sftp's Getwd wraps.
func (f *Facade) HomeDir(ctx context.Context) (string, error) {
	v, err := f.submit(ctx, func() (any, error) {
		wd, err := f.client.Getwd()
		if err != nil {
			return nil, classifyErr(err)
		}
		return wd, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// classifyErr normalises pkg/sftp errors to the engine's error taxonomy:
// PathMissing is recognised by SFTP status code NoSuchFile and by message
// substrings for servers with non-standard wording.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sftp.ErrSSHFxNoSuchFile) {
		return sshengine.Wrap(sshengine.ErrPathMissing, "no such file", err)
	}
	if errors.Is(err, sftp.ErrSSHFxPermissionDenied) {
		return sshengine.Wrap(sshengine.ErrPermissionDenied, "permission denied", err)
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"no such file", "not found", "does not exist"} {
		if strings.Contains(msg, substr) {
			return sshengine.Wrap(sshengine.ErrPathMissing, "no such file", err)
		}
	}
	if errors.Is(err, io.EOF) {
		return sshengine.Wrap(sshengine.ErrTransportDown, "sftp channel closed", err)
	}
	return sshengine.Wrap(sshengine.ErrSftpProtocol, "sftp operation failed", err)
}
