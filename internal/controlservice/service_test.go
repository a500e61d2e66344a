package controlservice

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/sandbox/sandboxtest"
	"github.com/buildkite/agentrelay/internal/session"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/buildkite/agentrelay/internal/supervisor"
)

const waitTimeout = 5 * time.Second

type fixture struct {
	svc    *Service
	store  *store.SQLite
	bus    *bus.Bus
	driver *sandboxtest.Driver
	sup    *supervisor.Supervisor
}

func newFixture(t *testing.T, limits Limits) *fixture {
	t.Helper()
	sqlite, err := store.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	profiles, err := collab.NewStaticProfiles([]session.Profile{
		{Name: "claude", Version: "3", Image: "ghcr.io/acme/agent:3", TimeBudget: time.Minute},
		{Name: "retired", Image: "ghcr.io/acme/agent:1", Disabled: true},
	})
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}

	f := &fixture{store: sqlite, bus: bus.New(nil), driver: sandboxtest.New()}
	f.sup = &supervisor.Supervisor{
		Store:  sqlite,
		Bus:    f.bus,
		Driver: f.driver,
		Options: supervisor.Options{
			StopGrace:     time.Second,
			KillTimeout:   time.Second,
			FlushInterval: 5 * time.Millisecond,
			CommitBackoff: time.Millisecond,
		},
	}
	f.svc = &Service{
		Store:      sqlite,
		Bus:        f.bus,
		Supervisor: f.sup,
		Profiles:   profiles,
		Overlays:   &collab.Overlays{Inline: map[string]string{"review": "Review the change carefully."}},
		WorkItems: &collab.StaticWorkItems{
			Items: map[string]session.WorkItem{
				"ISSUE-7":  {Title: "Fix flaky test"},
				"ISSUE-42": {Title: "Payments", Scope: "payments"},
			},
		},
		Limits: limits,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = f.sup.Shutdown(ctx)
		_ = sqlite.Close()
	})
	return f
}

func validRequest() *controlapi.InvokeRequest {
	return &controlapi.InvokeRequest{Profile: "claude", Target: "ISSUE-7", Input: "please fix it"}
}

func (f *fixture) waitInstance(t *testing.T) *sandboxtest.Instance {
	t.Helper()
	select {
	case inst := <-f.driver.Started():
		return inst
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for sandbox")
		return nil
	}
}

func (f *fixture) waitTerminal(t *testing.T, id string) session.Session {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		sess, err := f.store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if sess.State.Terminal() {
			return sess
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never became terminal", id)
	return session.Session{}
}

func TestInvokeValidation(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute, MaxTimeBudget: time.Hour})

	tests := []struct {
		name string
		edit func(*controlapi.InvokeRequest)
		want error
	}{
		{name: "missing profile", edit: func(r *controlapi.InvokeRequest) { r.Profile = " " }, want: session.ErrInvalidConfig},
		{name: "missing target", edit: func(r *controlapi.InvokeRequest) { r.Target = "" }, want: session.ErrInvalidConfig},
		{name: "missing input", edit: func(r *controlapi.InvokeRequest) { r.Input = "\n" }, want: session.ErrInvalidConfig},
		{name: "negative budget", edit: func(r *controlapi.InvokeRequest) { r.TimeBudgetSeconds = -1 }, want: session.ErrInvalidConfig},
		{name: "budget above maximum", edit: func(r *controlapi.InvokeRequest) { r.TimeBudgetSeconds = 7200 }, want: session.ErrInvalidConfig},
		{name: "unknown profile", edit: func(r *controlapi.InvokeRequest) { r.Profile = "gpt" }, want: session.ErrUnknownProfile},
		{name: "disabled profile", edit: func(r *controlapi.InvokeRequest) { r.Profile = "retired" }, want: session.ErrUnknownProfile},
		{name: "unknown overlay", edit: func(r *controlapi.InvokeRequest) { r.Overlay = "deploy" }, want: session.ErrUnknownOverlay},
		{name: "unknown target", edit: func(r *controlapi.InvokeRequest) { r.Target = "ISSUE-404" }, want: session.ErrUnknownTarget},
		{name: "scope mismatch", edit: func(r *controlapi.InvokeRequest) { r.Target = "ISSUE-42"; r.Scope = "web" }, want: session.ErrInvalidConfig},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.edit(req)
			_, err := f.svc.Invoke(context.Background(), req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if f.driver.Attempts() != 0 {
		t.Fatalf("rejected requests must not provision sandboxes, got %d attempts", f.driver.Attempts())
	}
}

func TestInvokeStoresResolvedConfig(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	ctx := collab.WithPrincipal(context.Background(), collab.Principal{Name: "alice"})

	req := validRequest()
	req.Target = "ISSUE-42"
	req.Overlay = "review"
	resp, err := f.svc.Invoke(ctx, req)
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	if resp.State != string(session.StatePending) {
		t.Fatalf("expected pending response, got %q", resp.State)
	}

	inst := f.waitInstance(t)
	sess, err := f.store.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	cfg := sess.Config
	if cfg.Scope != "payments" || cfg.Principal != "alice" || cfg.Target.Title != "Payments" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.OverlayInstructions != "Review the change carefully." || cfg.TimeBudget != time.Minute {
		t.Fatalf("unexpected overlay or budget: %+v", cfg)
	}
	if got := inst.Spec.Env["SKILL_TRIGGER"]; got != "review" {
		t.Fatalf("expected overlay in sandbox env, got %q", got)
	}
	inst.Exit(0)
	f.waitTerminal(t, resp.SessionID)
}

func TestInvokeDefaultsScopeAndBudget(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: 5 * time.Minute})
	req := validRequest()
	req.TimeBudgetSeconds = 90
	resp, err := f.svc.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	f.waitInstance(t).Exit(0)
	sess := f.waitTerminal(t, resp.SessionID)
	if sess.Config.Scope != DefaultScope {
		t.Fatalf("expected default scope, got %q", sess.Config.Scope)
	}
	if sess.Config.TimeBudget != 90*time.Second {
		t.Fatalf("expected requested budget, got %s", sess.Config.TimeBudget)
	}
	if sess.Config.Principal != collab.AnonymousPrincipal {
		t.Fatalf("expected anonymous principal, got %q", sess.Config.Principal)
	}
}

func TestInvokeQuotaAtTheBoundary(t *testing.T) {
	f := newFixture(t, Limits{MaxConcurrent: 1, DefaultTimeBudget: time.Minute})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		oks  []string
		errs []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.Invoke(context.Background(), validRequest())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			oks = append(oks, resp.SessionID)
		}()
	}
	wg.Wait()

	if len(oks) != 1 || len(errs) != 1 {
		t.Fatalf("expected one admitted and one rejected, got %v / %v", oks, errs)
	}
	if !errors.Is(errs[0], session.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", errs[0])
	}

	// Another scope is unaffected, and the slot frees once the session ends.
	other := validRequest()
	other.Target = "ISSUE-42"
	if _, err := f.svc.Invoke(context.Background(), other); err != nil {
		t.Fatalf("expected other scope to be admitted, got %v", err)
	}

	first := f.waitInstance(t)
	second := f.waitInstance(t)
	first.Exit(0)
	second.Exit(0)
	f.waitTerminal(t, oks[0])

	if _, err := f.svc.Invoke(context.Background(), validRequest()); err != nil {
		t.Fatalf("expected a freed slot to admit a new session, got %v", err)
	}
	f.waitInstance(t).Exit(0)
}

func TestScopeLimitOverridesDefault(t *testing.T) {
	f := newFixture(t, Limits{MaxConcurrent: 1, ScopeLimits: map[string]int{"default": 2}, DefaultTimeBudget: time.Minute})
	for i := range 2 {
		if _, err := f.svc.Invoke(context.Background(), validRequest()); err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
	}
	if _, err := f.svc.Invoke(context.Background(), validRequest()); !errors.Is(err, session.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	f.waitInstance(t).Exit(0)
	f.waitInstance(t).Exit(0)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	resp, err := f.svc.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	inst := f.waitInstance(t)
	inst.Emit("PR_URL=https://git.example/pr/9\n")
	inst.Exit(0)
	f.waitTerminal(t, resp.SessionID)

	got, err := f.svc.GetSession(context.Background(), &controlapi.GetSessionRequest{SessionID: resp.SessionID})
	if err != nil {
		t.Fatalf("GetSession returned error: %v", err)
	}
	if got.Session.State != string(session.StateCompleted) {
		t.Fatalf("unexpected state: %q", got.Session.State)
	}
	if got.Session.Result == nil || got.Session.Result.ArtifactRef != "https://git.example/pr/9" {
		t.Fatalf("unexpected result: %+v", got.Session.Result)
	}
	if got.Session.Output != "PR_URL=https://git.example/pr/9\n" {
		t.Fatalf("unexpected output: %q", got.Session.Output)
	}

	if _, err := f.svc.GetSession(context.Background(), &controlapi.GetSessionRequest{SessionID: "as_missing"}); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.GetSession(context.Background(), &controlapi.GetSessionRequest{}); !errors.Is(err, session.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestCancelRunningSessionTwice(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	resp, err := f.svc.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	inst := f.waitInstance(t)

	cancelled, err := f.svc.CancelSession(context.Background(), &controlapi.CancelSessionRequest{SessionID: resp.SessionID})
	if err != nil {
		t.Fatalf("CancelSession returned error: %v", err)
	}
	if !cancelled.Accepted {
		t.Fatalf("expected cancel to be accepted: %+v", cancelled)
	}

	sess := f.waitTerminal(t, resp.SessionID)
	if sess.State != session.StateCancelled || sess.FailureReason != session.ReasonUserCancelled {
		t.Fatalf("unexpected final session: state=%s reason=%q", sess.State, sess.FailureReason)
	}
	if inst.Stops()+inst.Kills() == 0 {
		t.Fatal("expected the sandbox to be stopped")
	}

	_, err = f.svc.CancelSession(context.Background(), &controlapi.CancelSessionRequest{SessionID: resp.SessionID})
	if !errors.Is(err, session.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCancelWithoutSupervisorOwner(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	ctx := context.Background()
	if err := f.store.Create(ctx, session.Session{
		ID:     "as_orphan",
		State:  session.StatePending,
		Config: session.Config{Scope: "default", TimeBudget: time.Minute, Target: session.WorkItem{Ref: "ISSUE-7"}},
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	sub := f.bus.Subscribe("as_orphan")
	defer sub.Close()

	resp, err := f.svc.CancelSession(ctx, &controlapi.CancelSessionRequest{SessionID: "as_orphan"})
	if err != nil {
		t.Fatalf("CancelSession returned error: %v", err)
	}
	if resp.State != string(session.StateCancelled) {
		t.Fatalf("expected cancelled, got %q", resp.State)
	}
	select {
	case ev := <-sub.C:
		if ev.Type != bus.EventDone || ev.State != session.StateCancelled {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(waitTimeout):
		t.Fatal("expected a done event")
	}
}

func TestStreamLiveSession(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	resp, err := f.svc.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	inst := f.waitInstance(t)

	events := make(chan *controlapi.Event, 64)
	errc := make(chan error, 1)
	go func() {
		errc <- f.svc.StreamSession(context.Background(), &controlapi.StreamSessionRequest{SessionID: resp.SessionID}, func(ev *controlapi.Event) error {
			events <- ev
			return nil
		})
	}()

	first := <-events
	if first.Type != string(bus.EventStatus) {
		t.Fatalf("expected an initial status event, got %+v", first)
	}
	inst.Emit("hello ")
	inst.Emit("world")
	inst.Exit(0)

	var text string
	var last *controlapi.Event
	for last == nil || !last.Terminal() {
		select {
		case ev := <-events:
			if ev.Type == string(bus.EventText) {
				text += ev.Content
			}
			last = ev
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for done; text so far %q", text)
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("StreamSession returned error: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected streamed text: %q", text)
	}
	if last.Type != string(bus.EventDone) || last.State != string(session.StateCompleted) {
		t.Fatalf("unexpected final event: %+v", last)
	}
	if f.bus.Subscribers(resp.SessionID) != 0 {
		t.Fatal("expected the subscription to be released")
	}
}

func TestStreamTerminalSessionSendsSingleDone(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	resp, err := f.svc.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	inst := f.waitInstance(t)
	inst.Emit("BRANCH=agent/fix\n")
	inst.Exit(0)
	f.waitTerminal(t, resp.SessionID)

	var got []*controlapi.Event
	err = f.svc.StreamSession(context.Background(), &controlapi.StreamSessionRequest{SessionID: resp.SessionID}, func(ev *controlapi.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSession returned error: %v", err)
	}
	if len(got) != 1 || got[0].Type != string(bus.EventDone) {
		t.Fatalf("expected exactly one done event, got %+v", got)
	}
	if got[0].Result == nil || got[0].Result.Branch != "agent/fix" {
		t.Fatalf("expected stored result on done event, got %+v", got[0].Result)
	}
}

func TestStreamDeadline(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute, StreamGrace: 20 * time.Millisecond})
	ctx := context.Background()
	// Never dispatched, so nothing will ever publish for it.
	if err := f.store.Create(ctx, session.Session{
		ID:     "as_idle",
		State:  session.StatePending,
		Config: session.Config{Scope: "default", TimeBudget: 20 * time.Millisecond, Target: session.WorkItem{Ref: "ISSUE-7"}},
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	var got []*controlapi.Event
	err := f.svc.StreamSession(ctx, &controlapi.StreamSessionRequest{SessionID: "as_idle"}, func(ev *controlapi.Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSession returned error: %v", err)
	}
	if len(got) != 2 || got[0].Type != string(bus.EventStatus) || got[1].Type != string(bus.EventError) {
		t.Fatalf("expected status then error, got %+v", got)
	}
}

func TestStreamStopsOnSendError(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	resp, err := f.svc.Invoke(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	inst := f.waitInstance(t)

	boom := errors.New("client went away")
	err = f.svc.StreamSession(context.Background(), &controlapi.StreamSessionRequest{SessionID: resp.SessionID}, func(*controlapi.Event) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected send error, got %v", err)
	}
	if f.bus.Subscribers(resp.SessionID) != 0 {
		t.Fatal("expected the subscription to be released")
	}

	// The session is unaffected by the departed subscriber.
	inst.Exit(0)
	if sess := f.waitTerminal(t, resp.SessionID); sess.State != session.StateCompleted {
		t.Fatalf("expected completed, got %s", sess.State)
	}
}

func TestAuthorizationPerScope(t *testing.T) {
	f := newFixture(t, Limits{DefaultTimeBudget: time.Minute})
	f.svc.Identity = &collab.TokenTable{Tokens: []collab.AccessToken{
		{Token: "t-web", Principal: "web-bot", Scopes: []string{"default"}},
	}}
	ctx := collab.WithPrincipal(context.Background(), collab.Principal{Name: "web-bot", Scopes: []string{"default"}})

	req := validRequest()
	req.Target = "ISSUE-42"
	if _, err := f.svc.Invoke(ctx, req); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	resp, err := f.svc.Invoke(ctx, validRequest())
	if err != nil {
		t.Fatalf("Invoke returned error: %v", err)
	}
	other := collab.WithPrincipal(context.Background(), collab.Principal{Name: "pay-bot", Scopes: []string{"payments"}})
	if _, err := f.svc.GetSession(other, &controlapi.GetSessionRequest{SessionID: resp.SessionID}); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected ErrForbidden reading another scope, got %v", err)
	}
	if _, err := f.svc.CancelSession(other, &controlapi.CancelSessionRequest{SessionID: resp.SessionID}); !errors.Is(err, session.ErrForbidden) {
		t.Fatalf("expected ErrForbidden cancelling in another scope, got %v", err)
	}
	f.waitInstance(t).Exit(0)
	f.waitTerminal(t, resp.SessionID)
}
