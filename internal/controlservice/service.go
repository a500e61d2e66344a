// Package controlservice is the invocation gateway: it validates and admits
// sessions, hands them to the supervisor and serves reads, cancels and
// streams.
package controlservice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/session"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/buildkite/agentrelay/internal/supervisor"
	"github.com/charmbracelet/log"
)

const (
	DefaultScope       = "default"
	defaultStreamGrace = 30 * time.Second
	cancelRetries      = 3
)

type Limits struct {
	// MaxConcurrent bounds non-terminal sessions per scope. Zero means
	// unlimited.
	MaxConcurrent     int
	ScopeLimits       map[string]int
	DefaultTimeBudget time.Duration
	// MaxTimeBudget rejects longer requested budgets. Zero means no limit.
	MaxTimeBudget time.Duration
	StreamGrace   time.Duration
}

func (l Limits) limit(scope string) int {
	if n, ok := l.ScopeLimits[scope]; ok {
		return n
	}
	return l.MaxConcurrent
}

type Service struct {
	Store      store.Store
	Bus        *bus.Bus
	Supervisor *supervisor.Supervisor
	Profiles   collab.ProfileRegistry
	Overlays   collab.OverlayResolver
	WorkItems  collab.WorkItemResolver
	// Identity authorizes callers per scope. Nil allows everything.
	Identity collab.Identity
	Limits   Limits
	Logger   *log.Logger

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Service) principal(ctx context.Context) collab.Principal {
	if p, ok := collab.PrincipalFrom(ctx); ok {
		return p
	}
	return collab.Principal{Name: collab.AnonymousPrincipal}
}

func (s *Service) authorize(ctx context.Context, action collab.Action, scope string) (collab.Principal, error) {
	p := s.principal(ctx)
	if s.Identity == nil {
		return p, nil
	}
	return p, s.Identity.Authorize(ctx, p, action, scope)
}

// Invoke validates the request, admits it against the scope's concurrency
// limit and hands the new session to the supervisor. It returns as soon as
// the session is stored.
func (s *Service) Invoke(ctx context.Context, req *controlapi.InvokeRequest) (*controlapi.InvokeResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: missing request", session.ErrInvalidConfig)
	}
	profileName := strings.TrimSpace(req.Profile)
	target := strings.TrimSpace(req.Target)
	switch {
	case profileName == "":
		return nil, fmt.Errorf("%w: missing profile", session.ErrInvalidConfig)
	case target == "":
		return nil, fmt.Errorf("%w: missing target", session.ErrInvalidConfig)
	case strings.TrimSpace(req.Input) == "":
		return nil, fmt.Errorf("%w: missing input", session.ErrInvalidConfig)
	case req.TimeBudgetSeconds < 0:
		return nil, fmt.Errorf("%w: time_budget_seconds must not be negative", session.ErrInvalidConfig)
	}

	profile, err := s.Profiles.Profile(ctx, profileName)
	if err != nil {
		return nil, err
	}

	var instructions string
	overlay := strings.TrimSpace(req.Overlay)
	if overlay != "" {
		if s.Overlays == nil {
			return nil, fmt.Errorf("%w: %q", session.ErrUnknownOverlay, overlay)
		}
		if instructions, err = s.Overlays.Overlay(ctx, overlay); err != nil {
			return nil, err
		}
	}

	item := session.WorkItem{Ref: target}
	if s.WorkItems != nil {
		if item, err = s.WorkItems.WorkItem(ctx, target); err != nil {
			return nil, err
		}
	}

	scope, err := resolveScope(strings.TrimSpace(req.Scope), strings.TrimSpace(item.Scope))
	if err != nil {
		return nil, err
	}
	principal, err := s.authorize(ctx, collab.ActionInvoke, scope)
	if err != nil {
		return nil, err
	}

	budget, err := s.resolveBudget(time.Duration(req.TimeBudgetSeconds)*time.Second, profile)
	if err != nil {
		return nil, err
	}

	sess := session.Session{
		ID:    newSessionID(),
		State: session.StatePending,
		Config: session.Config{
			Target:              item,
			Principal:           principal.Name,
			Profile:             profile,
			Overlay:             overlay,
			OverlayInstructions: instructions,
			Input:               req.Input,
			TimeBudget:          budget,
			Scope:               scope,
		},
		CreatedAt: s.clock(),
	}

	if limit := s.Limits.limit(scope); limit > 0 {
		err = s.Store.CreateWithinQuota(ctx, sess, limit)
	} else {
		err = s.Store.Create(ctx, sess)
	}
	if err != nil {
		if errors.Is(err, session.ErrQuotaExceeded) && s.Logger != nil {
			s.Logger.Info("session rejected", "scope", scope, "principal", principal.Name, "error", err)
		}
		return nil, err
	}

	if s.Logger != nil {
		s.Logger.Info("session accepted", "session_id", sess.ID, "scope", scope, "profile", profile.Name, "principal", principal.Name, "time_budget", budget)
	}
	if !s.Supervisor.Dispatch(sess.ID) && s.Logger != nil {
		s.Logger.Warn("session left pending for recovery", "session_id", sess.ID)
	}
	return &controlapi.InvokeResponse{SessionID: sess.ID, State: string(sess.State)}, nil
}

// resolveScope prefers the requested scope, which must agree with the work
// item's when both are set.
func resolveScope(requested, itemScope string) (string, error) {
	switch {
	case requested != "" && itemScope != "" && requested != itemScope:
		return "", fmt.Errorf("%w: scope %q does not match the target's scope %q", session.ErrInvalidConfig, requested, itemScope)
	case requested != "":
		return requested, nil
	case itemScope != "":
		return itemScope, nil
	default:
		return DefaultScope, nil
	}
}

func (s *Service) resolveBudget(requested time.Duration, profile session.Profile) (time.Duration, error) {
	budget := requested
	if budget == 0 {
		budget = profile.TimeBudget
	}
	if budget == 0 {
		budget = s.Limits.DefaultTimeBudget
	}
	if budget <= 0 {
		return 0, fmt.Errorf("%w: no time budget configured for profile %q", session.ErrInvalidConfig, profile.Name)
	}
	if ceiling := s.Limits.MaxTimeBudget; ceiling > 0 && budget > ceiling {
		return 0, fmt.Errorf("%w: time budget %s exceeds the maximum of %s", session.ErrInvalidConfig, budget, ceiling)
	}
	return budget, nil
}

func (s *Service) load(ctx context.Context, id string, action collab.Action) (session.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return session.Session{}, fmt.Errorf("%w: missing session_id", session.ErrInvalidConfig)
	}
	sess, err := s.Store.Get(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if _, err := s.authorize(ctx, action, sess.Config.Scope); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Service) GetSession(ctx context.Context, req *controlapi.GetSessionRequest) (*controlapi.GetSessionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: missing request", session.ErrInvalidConfig)
	}
	sess, err := s.load(ctx, req.SessionID, collab.ActionRead)
	if err != nil {
		return nil, err
	}
	return &controlapi.GetSessionResponse{Session: controlapi.FromSession(sess)}, nil
}

// CancelSession asks the session's owner to stop it. Without a local owner
// the stored session is cancelled directly.
func (s *Service) CancelSession(ctx context.Context, req *controlapi.CancelSessionRequest) (*controlapi.CancelSessionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: missing request", session.ErrInvalidConfig)
	}
	sess, err := s.load(ctx, req.SessionID, collab.ActionCancel)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if sess.State.Terminal() {
			return nil, fmt.Errorf("%w: session %q is %s", session.ErrAlreadyTerminal, sess.ID, sess.State)
		}
		if s.Supervisor.Stop(sess.ID, supervisor.StopCancel) {
			if s.Logger != nil {
				s.Logger.Info("cancel requested", "session_id", sess.ID, "state", sess.State)
			}
			return &controlapi.CancelSessionResponse{SessionID: sess.ID, Accepted: true, State: string(sess.State)}, nil
		}

		updated, err := s.Store.CompareAndSetState(ctx, sess.ID, sess.State, session.StateCancelled, store.Fields{
			FailureReason: session.ReasonUserCancelled,
		})
		if err == nil {
			if s.Logger != nil {
				s.Logger.Info("session cancelled without a running supervisor", "session_id", sess.ID, "from", sess.State)
			}
			s.Bus.Publish(updated.ID, bus.DoneEvent(updated))
			return &controlapi.CancelSessionResponse{SessionID: updated.ID, Accepted: true, State: string(updated.State)}, nil
		}
		if !errors.Is(err, session.ErrStateConflict) || attempt >= cancelRetries {
			return nil, err
		}
		sess = updated
	}
}

// StreamSession sends the session's events to send until done, an error
// event, or the stream deadline. A terminal session gets a single done
// event built from the stored result.
func (s *Service) StreamSession(ctx context.Context, req *controlapi.StreamSessionRequest, send func(*controlapi.Event) error) error {
	if req == nil {
		return fmt.Errorf("%w: missing request", session.ErrInvalidConfig)
	}
	sess, err := s.load(ctx, req.SessionID, collab.ActionSubscribe)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return send(controlapi.FromEvent(bus.DoneEvent(sess)))
	}

	sub := s.Bus.Subscribe(sess.ID)
	defer sub.Close()

	// The session may have finished before the subscription existed.
	if sess, err = s.Store.Get(ctx, sess.ID); err != nil {
		return err
	}
	if sess.State.Terminal() {
		return send(controlapi.FromEvent(bus.DoneEvent(sess)))
	}
	if err := send(controlapi.FromEvent(bus.StatusEvent(sess.ID, sess.State))); err != nil {
		return err
	}

	deadline := time.NewTimer(time.Until(s.streamDeadline(sess)))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return s.afterEviction(ctx, sess.ID, send)
			}
			if err := send(controlapi.FromEvent(ev)); err != nil {
				return err
			}
			if ev.Type == bus.EventDone || ev.Type == bus.EventError {
				return nil
			}
		case <-deadline.C:
			if s.Logger != nil {
				s.Logger.Debug("stream deadline reached", "session_id", sess.ID)
			}
			return send(controlapi.FromEvent(bus.ErrorEvent(sess.ID, "stream deadline exceeded")))
		}
	}
}

func (s *Service) streamDeadline(sess session.Session) time.Time {
	grace := s.Limits.StreamGrace
	if grace <= 0 {
		grace = defaultStreamGrace
	}
	if deadline, ok := sess.Deadline(); ok {
		return deadline.Add(grace)
	}
	return s.clock().Add(sess.Config.TimeBudget + grace)
}

// afterEviction ends a stream whose subscriber could not keep up.
func (s *Service) afterEviction(ctx context.Context, id string, send func(*controlapi.Event) error) error {
	sess, err := s.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return send(controlapi.FromEvent(bus.DoneEvent(sess)))
	}
	return send(controlapi.FromEvent(bus.ErrorEvent(id, "stream closed because the client could not keep up")))
}
