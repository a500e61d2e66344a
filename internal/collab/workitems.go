package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/session"
)

// StaticWorkItems resolves references from a fixed table. With
// AllowUnregistered set, unknown references resolve to a bare work item.
type StaticWorkItems struct {
	Items             map[string]session.WorkItem
	AllowUnregistered bool
}

func (s *StaticWorkItems) WorkItem(_ context.Context, ref string) (session.WorkItem, error) {
	ref = strings.TrimSpace(ref)
	if item, ok := s.Items[ref]; ok {
		item.Ref = ref
		return item, nil
	}
	if s.AllowUnregistered && ref != "" {
		return session.WorkItem{Ref: ref}, nil
	}
	return session.WorkItem{}, fmt.Errorf("%w: %q", session.ErrUnknownTarget, ref)
}

// HTTPWorkItems resolves references with GET {BaseURL}/work-items/{ref}.
type HTTPWorkItems struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Timeout time.Duration
}

func (h *HTTPWorkItems) WorkItem(ctx context.Context, ref string) (session.WorkItem, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return session.WorkItem{}, fmt.Errorf("%w: empty reference", session.ErrUnknownTarget)
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(h.BaseURL, "/") + "/work-items/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return session.WorkItem{}, err
	}
	req.Header.Set("Accept", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return session.WorkItem{}, fmt.Errorf("resolve work item %q: %w", ref, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return session.WorkItem{}, fmt.Errorf("%w: %q", session.ErrUnknownTarget, ref)
	case resp.StatusCode/100 != 2:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return session.WorkItem{}, fmt.Errorf("resolve work item %q: unexpected status %d: %s", ref, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var item session.WorkItem
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&item); err != nil {
		return session.WorkItem{}, fmt.Errorf("decode work item %q: %w", ref, err)
	}
	item.Ref = ref
	return item, nil
}

// WorkItemChain tries each resolver in order, moving on only when a
// resolver does not know the reference.
type WorkItemChain []WorkItemResolver

func (c WorkItemChain) WorkItem(ctx context.Context, ref string) (session.WorkItem, error) {
	var lastErr error = fmt.Errorf("%w: %q", session.ErrUnknownTarget, ref)
	for _, r := range c {
		item, err := r.WorkItem(ctx, ref)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, session.ErrUnknownTarget) {
			return session.WorkItem{}, err
		}
		lastErr = err
	}
	return session.WorkItem{}, lastErr
}
