package sftpfacade

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/time/rate"

	"github.com/sshengine/engine/internal/sshengine"
)

func TestClassifyErr_Nil(t *testing.T) {
	if err := classifyErr(nil); err != nil {
		t.Errorf("classifyErr(nil) = %v, want nil", err)
	}
}

func TestClassifyErr_NoSuchFile(t *testing.T) {
	err := classifyErr(sftp.ErrSSHFxNoSuchFile)
	code, ok := sshengine.CodeOf(err)
	if !ok || code != sshengine.ErrPathMissing {
		t.Errorf("classifyErr(ErrSSHFxNoSuchFile): code = %v, ok=%v, want ErrPathMissing", code, ok)
	}
}

func TestClassifyErr_PermissionDenied(t *testing.T) {
	err := classifyErr(sftp.ErrSSHFxPermissionDenied)
	code, ok := sshengine.CodeOf(err)
	if !ok || code != sshengine.ErrPermissionDenied {
		t.Errorf("classifyErr(ErrSSHFxPermissionDenied): code = %v, ok=%v, want ErrPermissionDenied", code, ok)
	}
}

func TestClassifyErr_MessageFallback(t *testing.T) {
	err := classifyErr(errors.New("remote: no such file or directory"))
	code, ok := sshengine.CodeOf(err)
	if !ok || code != sshengine.ErrPathMissing {
		t.Errorf("classifyErr(message fallback): code = %v, ok=%v, want ErrPathMissing", code, ok)
	}
}

func TestClassifyErr_EOF(t *testing.T) {
	err := classifyErr(io.EOF)
	code, ok := sshengine.CodeOf(err)
	if !ok || code != sshengine.ErrTransportDown {
		t.Errorf("classifyErr(io.EOF): code = %v, ok=%v, want ErrTransportDown", code, ok)
	}
}

func TestClassifyErr_Unrecognized(t *testing.T) {
	err := classifyErr(errors.New("something else entirely"))
	code, ok := sshengine.CodeOf(err)
	if !ok || code != sshengine.ErrSftpProtocol {
		t.Errorf("classifyErr(unrecognized): code = %v, ok=%v, want ErrSftpProtocol", code, ok)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"file already exists", true},
		{"mkdir foo: file exists", true},
		{"no such file or directory", false},
		{"permission denied", false},
	}
	for _, c := range cases {
		got := isAlreadyExists(errors.New(c.msg))
		if got != c.want {
			t.Errorf("isAlreadyExists(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}

func TestFacade_PendingTracksInFlightSubmissions(t *testing.T) {
	f := &Facade{
		limiter: rate.NewLimiter(rate.Limit(200), 50),
		mailbox: make(chan request),
		done:    make(chan struct{}),
	}
	go f.run()
	defer close(f.done)

	release := make(chan struct{})
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := f.submit(context.Background(), func() (any, error) {
			close(started)
			<-release
			return nil, nil
		})
		errCh <- err
	}()

	<-started
	if got := f.Pending(); got != 1 {
		t.Errorf("Pending() during in-flight submission = %d, want 1", got)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := f.Pending(); got != 0 {
		t.Errorf("Pending() after submission completes = %d, want 0", got)
	}
}
