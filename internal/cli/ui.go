package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/endpoint"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "agentrelay"
	}

	var out strings.Builder
	icon := "⇄"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}
		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')
	return out.String()
}

func renderDoctorReport(driverName string, checks []sandbox.DoctorCheck, color bool) string {
	name := strings.TrimSpace(driverName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		icon, code := "?", "1;37"
		switch status {
		case "pass":
			icon, code = "✓", "1;32"
		case "warn":
			icon, code = "!", "1;33"
		case "fail":
			icon, code = "✗", "1;31"
		}
		statusBlock := fmt.Sprintf("%s [%s]", icon, status)
		if color {
			statusBlock = ansiWrap(code, statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}
		fmt.Fprintf(&out, "%s %s: %s\n", statusBlock, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')
	return out.String()
}

var (
	summaryKeyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	stateStyles     = map[string]lipgloss.Style{
		"completed": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("48")),
		"failed":    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203")),
		"timed_out": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		"cancelled": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("246")),
	}
)

func renderState(state string, color bool) string {
	if !color {
		return state
	}
	style, ok := stateStyles[state]
	if !ok {
		style = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("45"))
	}
	return style.Render(state)
}

// renderSessionSummary is the human form of `session get`.
func renderSessionSummary(s *controlapi.Session, color bool, now time.Time) string {
	if s == nil {
		return ""
	}
	type row struct{ key, value string }
	rows := []row{
		{"session", s.ID},
		{"state", renderState(s.State, color)},
		{"profile", strings.TrimSpace(s.Profile + " " + s.ProfileVersion)},
		{"target", s.Target},
		{"scope", s.Scope},
		{"principal", s.Principal},
		{"overlay", s.Overlay},
		{"budget", (time.Duration(s.TimeBudgetSeconds) * time.Second).String()},
		{"created", humanize.RelTime(s.CreatedAt, now, "ago", "from now")},
	}
	if s.StartedAt != nil {
		rows = append(rows, row{"started", humanize.RelTime(*s.StartedAt, now, "ago", "from now")})
	}
	if s.CompletedAt != nil {
		rows = append(rows, row{"duration", (time.Duration(s.Metrics.DurationMS) * time.Millisecond).String()})
	}
	rows = append(rows, row{"output", outputSize(s.Metrics)})
	if s.Result != nil {
		rows = append(rows,
			row{"exit code", strconv.Itoa(s.Result.ExitCode)},
			row{"branch", s.Result.Branch},
			row{"artifact", s.Result.ArtifactRef},
		)
	}
	rows = append(rows, row{"failure", s.FailureReason})

	var out strings.Builder
	for _, r := range rows {
		if strings.TrimSpace(r.value) == "" {
			continue
		}
		key := r.key + ":"
		if color {
			key = summaryKeyStyle.Render(key)
		}
		fmt.Fprintf(&out, "%s %s\n", key, r.value)
	}
	return out.String()
}

func outputSize(m controlapi.Metrics) string {
	size := humanize.IBytes(uint64(m.OutputBytes))
	if m.StoredBytes < m.OutputBytes {
		size += fmt.Sprintf(" (%s stored)", humanize.IBytes(uint64(m.StoredBytes)))
	}
	return size
}

// eventRenderer writes agent output to stdout and status lines to stderr.
type eventRenderer struct {
	stdout io.Writer
	stderr io.Writer
	json   bool
	color  bool
}

func newEventRenderer(stdout io.Writer, stderr *os.File, asJSON bool) *eventRenderer {
	return &eventRenderer{stdout: stdout, stderr: stderr, json: asJSON, color: shouldUseANSI(stderr)}
}

func (r *eventRenderer) render(ev *controlapi.Event) {
	if r.json {
		b, err := json.Marshal(ev)
		if err == nil {
			fmt.Fprintf(r.stdout, "%s\n", b)
		}
		return
	}
	switch ev.Type {
	case string(bus.EventText):
		_, _ = io.WriteString(r.stdout, ev.Content)
	case string(bus.EventStatus):
		fmt.Fprintf(r.stderr, "· %s\n", renderState(ev.State, r.color))
	case string(bus.EventError):
		fmt.Fprintf(r.stderr, "✗ %s\n", ev.Content)
	case string(bus.EventDone):
		line := "● " + renderState(ev.State, r.color)
		if ev.Result != nil {
			line += fmt.Sprintf(" (exit %d)", ev.Result.ExitCode)
			if ev.Result.Branch != "" {
				line += " branch=" + ev.Result.Branch
			}
			if ev.Result.ArtifactRef != "" {
				line += " artifact=" + ev.Result.ArtifactRef
			}
		}
		if ev.FailureReason != "" {
			line += ": " + ev.FailureReason
		}
		fmt.Fprintln(r.stderr, line)
	}
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(w io.Writer) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix":
		return "unix://" + ep.Address
	case "tsnet":
		host := strings.TrimSpace(ep.TSNetHostname)
		if host == "" {
			host = "agentrelay"
		}
		if ep.TSNetPort > 0 {
			return fmt.Sprintf("tsnet://%s:%d", host, ep.TSNetPort)
		}
		return "tsnet://" + host
	default:
		if ep.Address != "" {
			return ep.Address
		}
		return ep.BaseURL
	}
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
