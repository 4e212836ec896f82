// Package reconnect implements the Reconnect Supervisor: it drives
// disconnected → reconnecting → connected with exponential backoff and
// re-establishes SFTP and previously-open PTYs after a successful
// reconnect attempt.
package reconnect

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sshengine/engine/internal/engineconfig"
	"github.com/sshengine/engine/internal/tracebus"
)

// Attempt performs one reconnect attempt and reports whether it succeeded.
// The Connection composite supplies this so the Supervisor stays decoupled
// from transport/sftpfacade/ptymanager — it only knows how to retry.
type Attempt func(ctx context.Context) error

// StatusFunc is called on every status transition the supervisor drives.
type StatusFunc func(status string, detail string)

// StopRetrying may be implemented by an error returned from Attempt to
// tell the supervisor not to keep retrying — e.g. a password-auth profile
// with no cached password, which leaves the Connection in disconnected
// rather than looping forever waiting for a credential that will never
// reappear on its own.
type StopRetrying interface {
	StopRetrying() bool
}

// Supervisor owns the retry loop for exactly one Connection — at most one
// loop runs per Supervisor at a time.
type Supervisor struct {
	connectionID string
	cfg          *engineconfig.Config
	bus          *tracebus.Bus
	attempt      Attempt
	onStatus     StatusFunc
	limiter      *rate.Limiter

	mu        sync.Mutex
	cancelled atomic.Bool
	running   bool

	// manualTrigger lets Reconnect cancel a pending backoff sleep and run
	// one attempt immediately.
	manualTrigger chan struct{}
}

// New returns a Supervisor for connectionID. attempt is called once per
// retry cycle and must itself perform the dial/auth/stabilise sequence
// plus re-opening SFTP and PTYs on success. A rate limiter caps how often
// attempt can fire even if backoff is driven down to nothing by a flurry
// of manual Reconnect calls.
func New(connectionID string, cfg *engineconfig.Config, bus *tracebus.Bus, attempt Attempt, onStatus StatusFunc) *Supervisor {
	return &Supervisor{
		connectionID:  connectionID,
		cfg:           cfg,
		bus:           bus,
		attempt:       attempt,
		onStatus:      onStatus,
		limiter:       rate.NewLimiter(rate.Every(time.Duration(maxInt(cfg.BackoffBaseMillis, 1))*time.Millisecond), 1),
		manualTrigger: make(chan struct{}, 1),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start begins the retry loop in a new goroutine. It is a no-op if a loop
// is already running for this Supervisor. The caller is responsible for
// announcing the reconnecting transition before calling Start; Start
// itself only traces that the loop began, so a disconnect is never
// reported twice.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.bus.Emit(tracebus.Event{Category: "supervisor", Step: "start", ConnectionID: s.connectionID, Message: "reconnect loop started"})

	go s.loop(ctx)
}

// Reconnect cancels any pending backoff sleep and runs one attempt
// immediately. If no loop is running, it starts one.
func (s *Supervisor) Reconnect(ctx context.Context) {
	select {
	case s.manualTrigger <- struct{}{}:
	default:
	}
	s.Start(ctx)
}

// Cancel marks the supervisor cancelled; it exits at the next checkpoint
// between attempts or during a backoff sleep.
func (s *Supervisor) Cancel() {
	s.cancelled.Store(true)
	select {
	case s.manualTrigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) loop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	attemptNum := 0
	for {
		if s.cancelled.Load() {
			s.bus.Emit(tracebus.Event{Category: "supervisor", Step: "cancelled", ConnectionID: s.connectionID})
			return
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		attemptNum++
		err := s.attempt(ctx)
		if err == nil {
			s.onStatus("connected", "")
			s.bus.Emit(tracebus.Event{Category: "supervisor", Step: "reconnected", ConnectionID: s.connectionID})
			return
		}

		s.bus.Emit(tracebus.Event{
			Category:     "supervisor",
			Step:         "attempt_failed",
			ConnectionID: s.connectionID,
			Message:      err.Error(),
			IsError:      true,
		})

		if stopper, ok := err.(StopRetrying); ok && stopper.StopRetrying() {
			s.onStatus("disconnected", err.Error())
			return
		}

		delay := backoffDelay(s.cfg.BackoffBaseMillis, s.cfg.BackoffMaxMillis, attemptNum)
		select {
		case <-ctx.Done():
			return
		case <-s.manualTrigger:
			if s.cancelled.Load() {
				return
			}
			continue
		case <-time.After(delay):
		}
	}
}

// backoffDelay computes the exponential backoff:
// delay_ms = min(maxMillis, baseMillis · 2^min(8, attempt-1)).
func backoffDelay(baseMillis, maxMillis, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 8 {
		exp = 8
	}
	ms := float64(baseMillis) * math.Pow(2, float64(exp))
	if ms > float64(maxMillis) {
		ms = float64(maxMillis)
	}
	return time.Duration(ms) * time.Millisecond
}
