package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/session"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/charmbracelet/log"
)

const defaultBranchPrefix = "agent/"

type stopIntent struct {
	state  session.State
	reason string
}

type outcome struct {
	state  session.State
	reason string
	exit   *sandbox.ExitStatus
}

// sessionRun is the single writer for one session while it is claimed.
type sessionRun struct {
	sup    *Supervisor
	id     string
	stop   chan stopIntent
	done   chan struct{}
	logger *log.Logger

	sess  session.Session
	state session.State
	inst  sandbox.Instance

	out     *outputBuffer
	stdout  runeAligner
	stderr  runeAligner
	queue   chan string
	dropped atomic.Int64

	claimedAt time.Time
	startedAt time.Time
}

func newSessionRun(s *Supervisor, id string) *sessionRun {
	return &sessionRun{
		sup:    s,
		id:     id,
		stop:   make(chan stopIntent, 1),
		done:   make(chan struct{}),
		logger: s.logger().With("session_id", id),
		state:  session.StatePending,
		out:    newOutputBuffer(s.opts.OutputCap, s.opts.TailWindow),
		queue:  make(chan string, s.opts.RelayQueue),
	}
}

func (r *sessionRun) requestStop(intent stopIntent) {
	select {
	case r.stop <- intent:
	default:
	}
}

func (r *sessionRun) execute() {
	ctx := context.Background()
	if err := r.commit(ctx, session.StateProvisioning, store.Fields{}); err != nil {
		if errors.Is(err, session.ErrStateConflict) {
			r.logger.Debug("session already claimed", "state", r.sess.State)
		} else {
			r.logger.Error("claim session", "error", err)
		}
		return
	}
	r.claimedAt = r.sup.now()
	r.logger = r.logger.With("scope", r.sess.Config.Scope, "profile", r.sess.Config.Profile.Name)
	r.logger.Info("session claimed")

	release := r.sup.Bus.Attach(r.id)
	r.lifecycle(ctx)
	release()

	if r.inst != nil {
		if err := r.inst.Dispose(ctx); err != nil {
			r.logger.Warn("dispose sandbox", "sandbox", r.inst.Handle(), "error", err)
		}
	}
	if r.state == session.StateCompleted && r.sup.Results != nil {
		dctx, cancel := context.WithTimeout(ctx, r.sup.opts.ResultTimeout)
		defer cancel()
		if err := r.sup.Results.Deliver(dctx, collab.NotificationFor(r.sess)); err != nil {
			r.logger.Warn("deliver result", "error", err)
		}
	}
}

func (r *sessionRun) lifecycle(ctx context.Context) {
	r.publish(bus.StatusEvent(r.id, session.StateProvisioning))

	var budgetC <-chan time.Time
	if budget := r.sess.Config.TimeBudget; budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		budgetC = timer.C
	}

	spec, err := r.sup.sandboxSpec(ctx, r.sess)
	if err != nil {
		r.finish(ctx, outcome{state: session.StateFailed, reason: "prepare sandbox: " + err.Error()})
		return
	}

	inst, intent, err := r.provision(ctx, spec, budgetC)
	switch {
	case intent != nil:
		r.finish(ctx, outcome{state: intent.state, reason: intent.reason})
		return
	case err != nil:
		r.finish(ctx, outcome{state: session.StateFailed, reason: "provisioning failed: " + err.Error()})
		return
	}
	r.inst = inst

	if err := r.commit(ctx, session.StateRunning, store.Fields{SandboxHandle: inst.Handle()}); err != nil {
		r.abort(ctx, err)
		return
	}
	r.startedAt = r.sup.now()
	if r.sess.StartedAt != nil {
		r.startedAt = *r.sess.StartedAt
	}
	r.logger.Info("sandbox running", "sandbox", inst.Handle())
	r.publish(bus.StatusEvent(r.id, session.StateRunning))

	r.supervise(ctx, budgetC)
}

type provisioned struct {
	inst sandbox.Instance
	err  error
}

// provision races the driver against a stop request and the time budget.
// A sandbox that turns up after losing the race is killed and disposed.
func (r *sessionRun) provision(ctx context.Context, spec sandbox.Spec, budgetC <-chan time.Time) (sandbox.Instance, *stopIntent, error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan provisioned, 1)
	go func() {
		inst, err := r.provisionWithRetry(pctx, spec)
		results <- provisioned{inst: inst, err: err}
	}()

	var intent stopIntent
	select {
	case res := <-results:
		return res.inst, nil, res.err
	case intent = <-r.stop:
	case <-budgetC:
		intent = r.timeoutIntent()
	}

	cancel()
	go func() {
		res := <-results
		if res.inst == nil {
			return
		}
		r.logger.Debug("discarding sandbox provisioned after stop", "sandbox", res.inst.Handle())
		if err := res.inst.Kill(context.Background()); err != nil {
			r.logger.Warn("kill late sandbox", "error", err)
		}
		if err := res.inst.Dispose(context.Background()); err != nil {
			r.logger.Warn("dispose late sandbox", "error", err)
		}
	}()
	return nil, &intent, nil
}

func (r *sessionRun) provisionWithRetry(ctx context.Context, spec sandbox.Spec) (sandbox.Instance, error) {
	stream := sandbox.OutputStream{
		OnStdout: r.collect(&r.stdout),
		OnStderr: r.collect(&r.stderr),
	}
	attempts := r.sup.opts.ProvisionRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var inst sandbox.Instance
		inst, err = r.sup.Driver.Provision(ctx, spec, stream)
		if err == nil {
			return inst, nil
		}
		r.logger.Warn("provision sandbox", "attempt", attempt, "driver", r.sup.Driver.Name(), "error", err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.sup.opts.ProvisionRetryDelay):
		}
	}
	return nil, err
}

// collect is the driver callback. It must not block: stored output is
// buffered and live output is queued, or dropped if the queue is full.
func (r *sessionRun) collect(aligner *runeAligner) func([]byte) {
	return func(p []byte) {
		chunk := aligner.align(p)
		if chunk == "" {
			return
		}
		r.out.write(chunk)
		select {
		case r.queue <- chunk:
		default:
			if r.dropped.Add(1) == 1 {
				r.logger.Warn("relay queue full, dropping live output")
			}
		}
	}
}

type exitResult struct {
	status sandbox.ExitStatus
	err    error
}

func (r *sessionRun) supervise(ctx context.Context, budgetC <-chan time.Time) {
	exits := make(chan exitResult, 1)
	go func() {
		status, err := r.inst.Wait(context.Background())
		exits <- exitResult{status: status, err: err}
	}()

	flush := time.NewTicker(r.sup.opts.FlushInterval)
	defer flush.Stop()

	var (
		intent *stopIntent
		graceC <-chan time.Time
		killC  <-chan time.Time
	)
	beginStop := func(i stopIntent) {
		intent = &i
		r.logger.Info("stopping sandbox", "state", i.state, "reason", i.reason)
		if err := r.inst.Stop(ctx); err != nil {
			r.logger.Warn("stop sandbox", "error", err)
		}
		graceC = time.After(r.sup.opts.StopGrace)
	}

	for {
		select {
		case chunk := <-r.queue:
			if err := r.relay(ctx, chunk); err != nil {
				r.abort(ctx, err)
				return
			}
		case <-flush.C:
			if err := r.flush(ctx); err != nil {
				r.abort(ctx, err)
				return
			}
		case i := <-r.stop:
			if intent == nil {
				beginStop(i)
			}
		case <-budgetC:
			budgetC = nil
			if intent == nil {
				beginStop(r.timeoutIntent())
			}
		case <-graceC:
			graceC = nil
			r.logger.Warn("sandbox ignored stop, killing")
			r.kill(ctx)
			killC = time.After(r.sup.opts.KillTimeout)
		case <-killC:
			r.logger.Error("sandbox did not exit after kill, abandoning", "sandbox", r.inst.Handle())
			r.settle(ctx, intent, nil)
			return
		case res := <-exits:
			if res.err != nil {
				r.logger.Warn("wait for sandbox", "error", res.err)
			}
			r.settle(ctx, intent, &res.status)
			return
		}
	}
}

// settle reconciles the exit into a terminal state.
func (r *sessionRun) settle(ctx context.Context, intent *stopIntent, status *sandbox.ExitStatus) {
	if err := r.drain(ctx); err != nil {
		r.abort(ctx, err)
		return
	}

	var o outcome
	switch {
	case intent != nil:
		o = outcome{state: intent.state, reason: intent.reason}
	case status == nil:
		o = outcome{state: session.StateFailed, reason: "sandbox did not exit"}
	case status.Code == 0 && status.Signal == "":
		o = outcome{state: session.StateCompleted}
	default:
		o = outcome{state: session.StateFailed, reason: exitReason(*status)}
	}
	o.exit = status

	if intent == nil && r.state == session.StateRunning {
		// A silent sandbox still passes through streaming.
		if err := r.enterStreaming(ctx); err != nil {
			r.abort(ctx, err)
			return
		}
	}
	r.finish(ctx, o)
}

func exitReason(status sandbox.ExitStatus) string {
	if status.Signal != "" {
		return fmt.Sprintf("sandbox killed by %s", status.Signal)
	}
	return fmt.Sprintf("sandbox exited with code %d", status.Code)
}

func (r *sessionRun) drain(ctx context.Context) error {
queued:
	for {
		select {
		case chunk := <-r.queue:
			if err := r.relay(ctx, chunk); err != nil {
				return err
			}
		default:
			break queued
		}
	}
	for _, a := range []*runeAligner{&r.stdout, &r.stderr} {
		if rest := a.flush(); rest != "" {
			r.out.write(rest)
			if err := r.relay(ctx, rest); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *sessionRun) relay(ctx context.Context, chunk string) error {
	if r.state == session.StateRunning {
		if err := r.enterStreaming(ctx); err != nil {
			return err
		}
	}
	r.publish(bus.TextEvent(r.id, chunk))
	return nil
}

func (r *sessionRun) enterStreaming(ctx context.Context) error {
	if err := r.commit(ctx, session.StateStreaming, store.Fields{}); err != nil {
		return err
	}
	r.publish(bus.StatusEvent(r.id, session.StateStreaming))
	return nil
}

func (r *sessionRun) flush(ctx context.Context) error {
	pending := r.out.takePending()
	if pending == "" {
		return nil
	}
	if r.state == session.StateRunning {
		if err := r.enterStreaming(ctx); err != nil {
			r.out.restore(pending)
			return err
		}
	}
	if err := r.sup.Store.AppendOutput(ctx, r.id, pending); err != nil {
		r.out.restore(pending)
		if errors.Is(err, session.ErrAlreadyTerminal) || errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("%w: %v", session.ErrStateConflict, err)
		}
		r.logger.Warn("persist output", "error", err)
	}
	return nil
}

// finish commits the terminal state and publishes done. A terminal write
// that keeps failing falls back to failed with state-commit-failed.
func (r *sessionRun) finish(ctx context.Context, o outcome) {
	fields := store.Fields{
		FailureReason: o.reason,
		Output:        r.out.takePending(),
		Metrics:       r.metrics(),
	}
	if o.exit != nil {
		fields.Result = r.result(*o.exit)
	}

	err := r.commit(ctx, o.state, fields)
	if err != nil && !lostOwnership(err) && o.reason != session.ReasonStateCommitFailed {
		r.logger.Error("commit terminal state", "state", o.state, "error", err)
		fields.FailureReason = session.ReasonStateCommitFailed
		err = r.commit(ctx, session.StateFailed, fields)
	}

	switch {
	case err == nil:
		r.logger.Info("session finished", "state", r.state, "reason", r.sess.FailureReason)
		r.publish(bus.DoneEvent(r.sess))
	case lostOwnership(err):
		r.handOff(ctx)
	default:
		r.logger.Error("session left unreconciled", "state", r.state, "error", err)
		r.publish(bus.ErrorEvent(r.id, session.ReasonStateCommitFailed))
	}
}

// abort ends a run whose non-terminal transition could not be written.
func (r *sessionRun) abort(ctx context.Context, err error) {
	r.kill(ctx)
	if lostOwnership(err) {
		r.handOff(ctx)
		return
	}
	r.logger.Error("state commit failed", "state", r.state, "error", err)
	r.finish(ctx, outcome{state: session.StateFailed, reason: session.ReasonStateCommitFailed})
}

// handOff is used when the stored session moved without this run. The
// stored snapshot is authoritative.
func (r *sessionRun) handOff(ctx context.Context) {
	r.kill(ctx)
	current, err := r.sup.Store.Get(ctx, r.id)
	if err != nil {
		r.logger.Error("session changed outside its supervisor", "error", err)
		r.publish(bus.ErrorEvent(r.id, "session changed outside its supervisor"))
		return
	}
	r.sess, r.state = current, current.State
	r.logger.Warn("session changed outside its supervisor", "state", current.State)
	if current.State.Terminal() {
		r.publish(bus.DoneEvent(current))
		return
	}
	r.publish(bus.ErrorEvent(r.id, "session changed outside its supervisor"))
}

func lostOwnership(err error) bool {
	return errors.Is(err, session.ErrStateConflict) || errors.Is(err, session.ErrNotFound)
}

func (r *sessionRun) kill(ctx context.Context) {
	if r.inst == nil {
		return
	}
	if err := r.inst.Kill(ctx); err != nil {
		r.logger.Warn("kill sandbox", "error", err)
	}
}

// commit moves the session from its current state to next, retrying store
// failures with backoff. A conflict is returned at once: some other writer
// owns the session now.
func (r *sessionRun) commit(ctx context.Context, next session.State, fields store.Fields) error {
	backoff := r.sup.opts.CommitBackoff
	var err error
	for attempt := 0; ; attempt++ {
		var current session.Session
		current, err = r.sup.Store.CompareAndSetState(ctx, r.id, r.state, next, fields)
		switch {
		case err == nil:
			r.sess, r.state = current, next
			return nil
		case errors.Is(err, session.ErrStateConflict):
			if current.ID != "" {
				// An earlier attempt may have landed before its error.
				if attempt > 0 && current.State == next {
					r.sess, r.state = current, next
					return nil
				}
				r.sess = current
			}
			return err
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidTransition):
			return err
		}
		if attempt >= r.sup.opts.CommitRetries {
			return fmt.Errorf("commit %s: %w", next, err)
		}
		r.logger.Warn("state commit failed, retrying", "state", next, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (r *sessionRun) timeoutIntent() stopIntent {
	return stopIntent{
		state:  session.StateTimedOut,
		reason: fmt.Sprintf("time budget of %s exceeded", r.sess.Config.TimeBudget),
	}
}

// result reads the agent's markers from trailing output. Agents that print
// no BRANCH= line are assumed to have pushed agent/<session id>.
func (r *sessionRun) result(status sandbox.ExitStatus) *session.Result {
	artifact, branch := parseResult(r.out.tailString())
	if branch == "" {
		branch = defaultBranchPrefix + r.id
	}
	_, _, truncated := r.out.counts()
	return &session.Result{
		ArtifactRef: artifact,
		Branch:      branch,
		ExitCode:    status.Code,
		Truncated:   truncated,
	}
}

func (r *sessionRun) metrics() *session.Metrics {
	total, stored, _ := r.out.counts()
	since := r.startedAt
	if since.IsZero() {
		since = r.claimedAt
	}
	m := &session.Metrics{
		OutputBytes:   total,
		StoredBytes:   stored,
		DroppedChunks: r.dropped.Load(),
	}
	if !since.IsZero() {
		m.Duration = r.sup.now().Sub(since)
	}
	return m
}

func (r *sessionRun) publish(ev bus.Event) {
	r.sup.Bus.Publish(r.id, ev)
}
