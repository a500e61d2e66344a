package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/agentrelay/internal/session"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestSession(id, scope string) session.Session {
	return session.Session{
		ID:    id,
		State: session.StatePending,
		Config: session.Config{
			Target:     session.WorkItem{Ref: "ISSUE-1", Title: "Fix the thing"},
			Principal:  "alice",
			Profile:    session.Profile{Name: "claude", Version: "1", Image: "ghcr.io/acme/agent:1"},
			Input:      "please fix",
			TimeBudget: time.Minute,
			Scope:      scope,
		},
	}
}

func TestCreateAndGetRoundTripsConfig(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	got, err := s.Get(ctx, "as_1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != session.StatePending {
		t.Fatalf("unexpected state: got %q want %q", got.State, session.StatePending)
	}
	if got.Config.Profile.Image != "ghcr.io/acme/agent:1" || got.Config.TimeBudget != time.Minute {
		t.Fatalf("config did not round trip: %+v", got.Config)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}
	if got.CompletedAt != nil || got.StartedAt != nil {
		t.Fatalf("expected no started/completed timestamps, got %v/%v", got.StartedAt, got.CompletedAt)
	}
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetRejectsUnknownStoredState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = 'paused' WHERE id = ?`, "as_1"); err != nil {
		t.Fatalf("corrupt state: %v", err)
	}
	_, err := s.Get(ctx, "as_1")
	if err == nil || !strings.Contains(err.Error(), "unknown session state") {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestCreateRejectsNonPendingSession(t *testing.T) {
	s := openTestStore(t)
	sess := newTestSession("as_1", "ws-1")
	sess.State = session.StateRunning
	if err := s.Create(context.Background(), sess); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompareAndSetStateWalksLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if _, err := s.CompareAndSetState(ctx, "as_1", session.StatePending, session.StateProvisioning, Fields{}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	running, err := s.CompareAndSetState(ctx, "as_1", session.StateProvisioning, session.StateRunning, Fields{SandboxHandle: "sbx-1"})
	if err != nil {
		t.Fatalf("provisioning -> running: %v", err)
	}
	if running.SandboxHandle != "sbx-1" {
		t.Fatalf("unexpected handle: %q", running.SandboxHandle)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at when entering running")
	}
	if running.CompletedAt != nil {
		t.Fatal("completed_at must stay unset before a terminal state")
	}
	if _, err := s.CompareAndSetState(ctx, "as_1", session.StateRunning, session.StateStreaming, Fields{}); err != nil {
		t.Fatalf("running -> streaming: %v", err)
	}
	if err := s.AppendOutput(ctx, "as_1", "ab"); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}

	done, err := s.CompareAndSetState(ctx, "as_1", session.StateStreaming, session.StateCompleted, Fields{
		Output:  "c",
		Result:  &session.Result{ArtifactRef: "https://example.com/pr/1", Branch: "agent/fix"},
		Metrics: &session.Metrics{OutputBytes: 3, StoredBytes: 3},
	})
	if err != nil {
		t.Fatalf("streaming -> completed: %v", err)
	}
	if done.Output != "abc" {
		t.Fatalf("unexpected output: got %q want %q", done.Output, "abc")
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at on terminal transition")
	}
	if done.Result == nil || done.Result.Branch != "agent/fix" {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
	if done.Metrics.OutputBytes != 3 {
		t.Fatalf("unexpected metrics: %+v", done.Metrics)
	}
}

func TestCompareAndSetStateRejectsStaleExpectation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := s.CompareAndSetState(ctx, "as_1", session.StatePending, session.StateProvisioning, Fields{}); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	current, err := s.CompareAndSetState(ctx, "as_1", session.StatePending, session.StateProvisioning, Fields{})
	if !errors.Is(err, session.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on duplicate claim, got %v", err)
	}
	if current.State != session.StateProvisioning {
		t.Fatalf("expected conflict to report current state, got %q", current.State)
	}
}

func TestCompareAndSetStateRejectsInvalidTransitions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	tests := []struct {
		name     string
		expected session.State
		next     session.State
		fields   Fields
	}{
		{name: "skip to completed", expected: session.StatePending, next: session.StateCompleted},
		{name: "leave terminal", expected: session.StateCancelled, next: session.StateProvisioning},
		{name: "handle outside running", expected: session.StatePending, next: session.StateProvisioning, fields: Fields{SandboxHandle: "sbx"}},
		{name: "completed_at on non-terminal", expected: session.StatePending, next: session.StateProvisioning, fields: Fields{CompletedAt: time.Now()}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CompareAndSetState(ctx, "as_1", tc.expected, tc.next, tc.fields)
			if !errors.Is(err, session.ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}

	got, err := s.Get(ctx, "as_1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != session.StatePending {
		t.Fatalf("rejected transitions must not change state, got %q", got.State)
	}
}

func TestCompareAndSetStateUnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CompareAndSetState(context.Background(), "missing", session.StatePending, session.StateProvisioning, Fields{})
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendOutputRejectsTerminalSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_1", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := s.CompareAndSetState(ctx, "as_1", session.StatePending, session.StateCancelled, Fields{FailureReason: session.ReasonUserCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.AppendOutput(ctx, "as_1", "late"); !errors.Is(err, session.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestCountActiveIgnoresTerminalAndOtherScopes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for i, scope := range []string{"ws-1", "ws-1", "ws-1", "ws-2"} {
		if err := s.Create(ctx, newTestSession(fmt.Sprintf("as_%d", i), scope)); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	if _, err := s.CompareAndSetState(ctx, "as_0", session.StatePending, session.StateFailed, Fields{FailureReason: "boom"}); err != nil {
		t.Fatalf("fail session: %v", err)
	}

	n, err := s.CountActive(ctx, "ws-1")
	if err != nil {
		t.Fatalf("CountActive returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("unexpected active count: got %d want 2", n)
	}

	pending, err := s.ListNonTerminal(ctx)
	if err != nil {
		t.Fatalf("ListNonTerminal returned error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("unexpected non-terminal sessions: got %d want 3", len(pending))
	}
}

func TestCreateWithinQuotaAdmitsExactlyOneAtBoundary(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Create(ctx, newTestSession("as_existing", "ws-1")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	const contenders = 8
	var wg sync.WaitGroup
	errs := make(chan error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.CreateWithinQuota(ctx, newTestSession(fmt.Sprintf("as_%d", i), "ws-1"), 2)
		}(i)
	}
	wg.Wait()
	close(errs)

	admitted, rejected := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			admitted++
		case errors.Is(err, session.ErrQuotaExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if admitted != 1 || rejected != contenders-1 {
		t.Fatalf("expected exactly one admission, got %d admitted and %d rejected", admitted, rejected)
	}
	n, err := s.CountActive(ctx, "ws-1")
	if err != nil {
		t.Fatalf("CountActive returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("quota exceeded: %d active sessions", n)
	}
}

func TestCreateWithinQuotaFreesSlotOnTerminal(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.CreateWithinQuota(ctx, newTestSession("as_1", "ws-1"), 1); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateWithinQuota(ctx, newTestSession("as_2", "ws-1"), 1); !errors.Is(err, session.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if err := s.CreateWithinQuota(ctx, newTestSession("as_3", "ws-2"), 1); err != nil {
		t.Fatalf("other scope should be unaffected: %v", err)
	}
	if _, err := s.CompareAndSetState(ctx, "as_1", session.StatePending, session.StateCancelled, Fields{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := s.CreateWithinQuota(ctx, newTestSession("as_4", "ws-1"), 1); err != nil {
		t.Fatalf("expected slot to be free after terminal transition: %v", err)
	}
}
