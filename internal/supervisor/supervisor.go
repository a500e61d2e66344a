// Package supervisor owns the lifecycle of agent sessions: one goroutine per
// session drives it from its claim to a terminal state.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/session"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/charmbracelet/log"
)

type Options struct {
	// StopGrace is how long a stopped sandbox gets before it is killed.
	StopGrace time.Duration
	// KillTimeout is how long to wait for exit after a kill before the
	// sandbox is abandoned.
	KillTimeout time.Duration
	// ProvisionRetries is how many times a failed provision is retried.
	// Zero means the default of one retry unless NoProvisionRetry is set.
	ProvisionRetries    int
	NoProvisionRetry    bool
	ProvisionRetryDelay time.Duration
	CommitRetries       int
	CommitBackoff       time.Duration
	// RelayQueue bounds the chunks waiting to be published live. Chunks
	// that do not fit are dropped from the live stream only.
	RelayQueue    int
	FlushInterval time.Duration
	// OutputCap bounds the stored output in bytes. Zero means no cap.
	OutputCap int64
	// TailWindow is how much trailing output is kept for result parsing.
	TailWindow int
	// ResultTimeout bounds a single result sink delivery.
	ResultTimeout time.Duration
}

const (
	defaultStopGrace        = 10 * time.Second
	defaultKillTimeout      = 10 * time.Second
	defaultProvisionRetries = 1
	defaultProvisionDelay   = time.Second
	defaultCommitRetries    = 3
	defaultCommitBackoff    = 100 * time.Millisecond
	defaultRelayQueue       = 1024
	defaultFlushInterval    = 250 * time.Millisecond
	defaultOutputCap        = 1 << 20
	defaultTailWindow       = 16 << 10
	defaultResultTimeout    = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.StopGrace <= 0 {
		o.StopGrace = defaultStopGrace
	}
	if o.KillTimeout <= 0 {
		o.KillTimeout = defaultKillTimeout
	}
	switch {
	case o.NoProvisionRetry:
		o.ProvisionRetries = 0
	case o.ProvisionRetries <= 0:
		o.ProvisionRetries = defaultProvisionRetries
	}
	if o.ProvisionRetryDelay <= 0 {
		o.ProvisionRetryDelay = defaultProvisionDelay
	}
	if o.CommitRetries <= 0 {
		o.CommitRetries = defaultCommitRetries
	}
	if o.CommitBackoff <= 0 {
		o.CommitBackoff = defaultCommitBackoff
	}
	if o.RelayQueue <= 0 {
		o.RelayQueue = defaultRelayQueue
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.OutputCap < 0 {
		o.OutputCap = 0
	}
	if o.TailWindow <= 0 {
		o.TailWindow = defaultTailWindow
	}
	if o.ResultTimeout <= 0 {
		o.ResultTimeout = defaultResultTimeout
	}
	return o
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{OutputCap: defaultOutputCap}.withDefaults()
}

// StopCause says why a session is being stopped.
type StopCause int

const (
	// StopCancel ends the session as cancelled.
	StopCancel StopCause = iota
	// StopShutdown ends the session as failed because the server is going
	// away.
	StopShutdown
)

func (c StopCause) intent() stopIntent {
	if c == StopShutdown {
		return stopIntent{state: session.StateFailed, reason: session.ReasonShutdown}
	}
	return stopIntent{state: session.StateCancelled, reason: session.ReasonUserCancelled}
}

var ErrShuttingDown = errors.New("supervisor is shutting down")

// Supervisor runs sessions handed to it with Dispatch.
type Supervisor struct {
	Store   store.Store
	Bus     *bus.Bus
	Driver  sandbox.Driver
	Tokens  collab.TokenSource
	Results collab.ResultSink
	Options Options
	Logger  *log.Logger

	mu       sync.Mutex
	runs     map[string]*sessionRun
	closed   bool
	wg       sync.WaitGroup
	now      func() time.Time
	initOnce sync.Once
	opts     Options
}

func (s *Supervisor) init() {
	s.initOnce.Do(func() {
		s.opts = s.Options.withDefaults()
		if s.now == nil {
			s.now = time.Now
		}
		s.runs = make(map[string]*sessionRun)
	})
}

func (s *Supervisor) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.New(io.Discard)
}

// Dispatch starts supervising the session with the given id. It returns
// false when the session is already supervised here or the supervisor is
// shutting down. The session itself is only claimed if it is still pending.
func (s *Supervisor) Dispatch(id string) bool {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, exists := s.runs[id]; exists {
		return false
	}
	r := newSessionRun(s, id)
	s.runs[id] = r
	s.wg.Add(1)
	go func() {
		defer s.finished(r)
		r.execute()
	}()
	return true
}

func (s *Supervisor) finished(r *sessionRun) {
	s.mu.Lock()
	if s.runs[r.id] == r {
		delete(s.runs, r.id)
	}
	s.mu.Unlock()
	close(r.done)
	s.wg.Done()
}

// Stop signals the local owner of a session. It reports whether this
// supervisor owns the session; the stop itself is asynchronous.
func (s *Supervisor) Stop(id string, cause StopCause) bool {
	s.init()
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.requestStop(cause.intent())
	return true
}

// Owns reports whether the session is supervised by this process.
func (s *Supervisor) Owns(id string) bool {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// Done returns a channel closed once the local run of id has exited. For
// sessions not supervised here the channel is already closed.
func (s *Supervisor) Done(id string) <-chan struct{} {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Shutdown refuses new sessions, stops every running one and waits for
// them to settle or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.init()
	s.mu.Lock()
	s.closed = true
	runs := make([]*sessionRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.Unlock()

	for _, r := range runs {
		r.requestStop(StopShutdown.intent())
	}
	if len(runs) > 0 {
		s.logger().Info("stopping sessions", "count", len(runs))
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverReport summarises a Recover pass.
type RecoverReport struct {
	Dispatched int
	Orphaned   int
	Removed    int
}

// Recover reconciles sessions left non-terminal by a previous process.
// Pending sessions are dispatched again; claimed sessions have lost their
// owner and are failed, removing any sandbox they recorded.
func (s *Supervisor) Recover(ctx context.Context) (RecoverReport, error) {
	s.init()
	var report RecoverReport
	sessions, err := s.Store.ListNonTerminal(ctx)
	if err != nil {
		return report, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	logger := s.logger()
	remover, canRemove := s.Driver.(sandbox.Remover)

	var errs []error
	for _, sess := range sessions {
		if s.Owns(sess.ID) {
			continue
		}
		if sess.State == session.StatePending {
			if s.Dispatch(sess.ID) {
				report.Dispatched++
			}
			continue
		}

		failed, err := s.failOrphan(ctx, sess)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !failed {
			continue
		}
		report.Orphaned++
		logger.Warn("failed orphaned session", "session_id", sess.ID, "state", sess.State)

		if sess.SandboxHandle == "" {
			continue
		}
		if !canRemove {
			logger.Warn("cannot remove orphaned sandbox with this driver", "session_id", sess.ID, "sandbox", sess.SandboxHandle)
			continue
		}
		if err := remover.Remove(ctx, sess.SandboxHandle); err != nil {
			logger.Warn("remove orphaned sandbox", "session_id", sess.ID, "sandbox", sess.SandboxHandle, "error", err)
			continue
		}
		report.Removed++
	}
	return report, errors.Join(errs...)
}

func (s *Supervisor) failOrphan(ctx context.Context, sess session.Session) (bool, error) {
	current := sess
	for attempt := 0; attempt <= s.opts.CommitRetries; attempt++ {
		if current.State.Terminal() {
			return false, nil
		}
		updated, err := s.Store.CompareAndSetState(ctx, current.ID, current.State, session.StateFailed, store.Fields{
			FailureReason: session.ReasonOrphaned,
		})
		if err == nil {
			s.Bus.Publish(updated.ID, bus.DoneEvent(updated))
			return true, nil
		}
		if !errors.Is(err, session.ErrStateConflict) {
			return false, fmt.Errorf("fail orphaned session %q: %w", sess.ID, err)
		}
		current = updated
	}
	return false, fmt.Errorf("fail orphaned session %q: %w", sess.ID, session.ErrStateConflict)
}
