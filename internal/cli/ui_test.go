package cli

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/endpoint"
	"github.com/buildkite/agentrelay/internal/sandbox"
)

func TestRenderStartupHeaderPlain(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Title: "agentrelay serve",
		Fields: []startupField{
			{Key: "listen", Value: "unix:///tmp/agentrelay.sock"},
			{Key: "driver", Value: "docker"},
		},
	}, false)

	want := "\n⇄ agentrelay serve\n   listen: unix:///tmp/agentrelay.sock\n   driver: docker\n\n"
	if out != want {
		t.Fatalf("unexpected header output:\n--- got ---\n%s--- want ---\n%s", out, want)
	}
}

func TestRenderStartupHeaderSkipsEmptyFields(t *testing.T) {
	out := renderStartupHeader(startupHeader{
		Fields: []startupField{
			{Key: "listen", Value: "127.0.0.1:7777"},
			{Key: "config", Value: ""},
			{Key: "", Value: "ignored"},
		},
	}, true)
	plain := stripANSI(out)

	if !strings.Contains(plain, "agentrelay") {
		t.Fatalf("expected default title: %q", plain)
	}
	if strings.Contains(plain, "config:") || strings.Contains(plain, "ignored") {
		t.Fatalf("expected empty fields to be omitted: %q", plain)
	}
	if !strings.Contains(out, "\x1b[") {
		t.Fatalf("expected ANSI escapes in color output: %q", out)
	}
}

func TestRenderDoctorReport(t *testing.T) {
	out := renderDoctorReport("docker", []sandbox.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: "using /tmp/config.yaml"},
		{Name: "profile_claude", Status: "warning", Message: "not digest-pinned"},
		{Name: "docker_daemon", Status: "error", Message: "cannot connect"},
		{Name: "", Status: "ok"},
	}, false)

	for _, want := range []string{
		"doctor report (docker)",
		"✓ [pass] runtime_config: using /tmp/config.yaml",
		"! [warn] profile_claude: not digest-pinned",
		"✗ [fail] docker_daemon: cannot connect",
		"✓ [pass] unnamed_check: (no message)",
		"summary: 2 pass, 1 warn, 1 fail",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain output should not contain ANSI escapes: %q", out)
	}
}

func TestRenderSessionSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-2 * time.Minute)
	completed := now.Add(-time.Minute)
	out := renderSessionSummary(&controlapi.Session{
		ID:                "as_01",
		State:             "completed",
		Scope:             "payments",
		Principal:         "ci",
		Profile:           "claude",
		ProfileVersion:    "v2",
		Target:            "ISSUE-42",
		TimeBudgetSeconds: 900,
		CreatedAt:         now.Add(-3 * time.Minute),
		StartedAt:         &started,
		CompletedAt:       &completed,
		Metrics:           controlapi.Metrics{DurationMS: 60000, OutputBytes: 4096, StoredBytes: 1024},
		Result:            &controlapi.Result{Branch: "agent/fix", ExitCode: 0},
	}, false, now)

	for _, want := range []string{
		"session: as_01",
		"state: completed",
		"profile: claude v2",
		"target: ISSUE-42",
		"budget: 15m0s",
		"created: 3 minutes ago",
		"duration: 1m0s",
		"output: 4.0 KiB (1.0 KiB stored)",
		"exit code: 0",
		"branch: agent/fix",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
	if strings.Contains(out, "artifact:") || strings.Contains(out, "failure:") {
		t.Fatalf("expected empty rows to be omitted:\n%s", out)
	}
}

func TestEventRenderer(t *testing.T) {
	var stdout, stderr bytes.Buffer
	r := &eventRenderer{stdout: &stdout, stderr: &stderr}

	r.render(&controlapi.Event{Type: "status", State: "running"})
	r.render(&controlapi.Event{Type: "text", Content: "hello "})
	r.render(&controlapi.Event{Type: "text", Content: "world\n"})
	r.render(&controlapi.Event{Type: "done", State: "failed", Result: &controlapi.Result{ExitCode: 2}, FailureReason: "sandbox exited with code 2"})

	if got := stdout.String(); got != "hello world\n" {
		t.Fatalf("unexpected stdout %q", got)
	}
	want := "· running\n● failed (exit 2): sandbox exited with code 2\n"
	if got := stderr.String(); got != want {
		t.Fatalf("unexpected stderr %q, want %q", got, want)
	}
}

func TestEventRendererJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	r := &eventRenderer{stdout: &stdout, stderr: &stderr, json: true}
	r.render(&controlapi.Event{Type: "text", SessionID: "as_01", Content: "hi"})

	if !strings.Contains(stdout.String(), `"type":"text"`) || !strings.HasSuffix(stdout.String(), "\n") {
		t.Fatalf("unexpected JSON line %q", stdout.String())
	}
	if stderr.Len() != 0 {
		t.Fatalf("expected nothing on stderr, got %q", stderr.String())
	}
}

func TestEndpointDisplay(t *testing.T) {
	tests := []struct {
		ep   endpoint.Endpoint
		want string
	}{
		{endpoint.Endpoint{Scheme: "unix", Address: "/tmp/a.sock"}, "unix:///tmp/a.sock"},
		{endpoint.Endpoint{Scheme: "tsnet", TSNetHostname: "relay", TSNetPort: 7777}, "tsnet://relay:7777"},
		{endpoint.Endpoint{Scheme: "tsnet"}, "tsnet://agentrelay"},
		{endpoint.Endpoint{Scheme: "http", Address: "127.0.0.1:7777"}, "127.0.0.1:7777"},
		{endpoint.Endpoint{Scheme: "https", BaseURL: "https://relay.internal"}, "https://relay.internal"},
	}
	for _, tt := range tests {
		if got := endpointDisplay(tt.ep); got != tt.want {
			t.Fatalf("endpointDisplay(%+v) = %q, want %q", tt.ep, got, tt.want)
		}
	}
}

func TestShouldUseANSIRespectsEnv(t *testing.T) {
	var buf bytes.Buffer

	t.Setenv("CLICOLOR_FORCE", "1")
	if !shouldUseANSI(&buf) {
		t.Fatal("expected CLICOLOR_FORCE to enable color")
	}
	t.Setenv("NO_COLOR", "")
	if shouldUseANSI(&buf) {
		t.Fatal("expected NO_COLOR to win over CLICOLOR_FORCE")
	}
}

func stripANSI(value string) string {
	ansi := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansi.ReplaceAllString(value, "")
}
