package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// LogSink records completions in the server log.
type LogSink struct {
	Logger *log.Logger
}

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	if s.Logger != nil {
		s.Logger.Info("session result",
			"session_id", n.SessionID,
			"scope", n.Scope,
			"target", n.Target,
			"artifact_ref", n.ArtifactRef,
			"branch", n.Branch,
		)
	}
	return nil
}

// WebhookSink POSTs each notification as JSON.
type WebhookSink struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (s *WebhookSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver result webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deliver result webhook: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []ResultSink

func (m MultiSink) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
