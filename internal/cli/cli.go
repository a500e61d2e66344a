package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kong"
	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/controlapi"
	"github.com/buildkite/agentrelay/internal/controlclient"
	"github.com/buildkite/agentrelay/internal/endpoint"
	"github.com/buildkite/agentrelay/internal/runtimeconfig"
	"github.com/buildkite/agentrelay/internal/session"
	"github.com/buildkite/agentrelay/internal/tlsconfig"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	Stdout     io.Writer
	Stderr     *os.File
	Stdin      io.Reader
	Config     runtimeconfig.Config
	ConfigPath string
	LogLevel   string
	Version    string
}

type CLI struct {
	ConfigFile string           `name:"config" help:"Path to the runtime config" env:"AGENTRELAY_CONFIG" type:"path"`
	LogLevel   string           `help:"Log level (debug|info|warn|error)"`
	Version    kong.VersionFlag `help:"Print the version and exit"`

	Serve   ServeCommand   `cmd:"" help:"Run the agentrelay server"`
	Invoke  InvokeCommand  `cmd:"" help:"Start an agent session"`
	Session SessionCommand `cmd:"" help:"Inspect and control sessions"`
	Doctor  DoctorCommand  `cmd:"" help:"Run environment and sandbox diagnostics"`
	Config  ConfigCommand  `cmd:"" help:"Runtime config commands"`
	TLS     TLSCommand     `cmd:"" name:"tls" help:"TLS material for https serving"`
	Image   ImageCommand   `cmd:"" help:"Container image helpers"`
}

// ClientFlags are shared by every command that talks to a server.
type ClientFlags struct {
	Host  string `help:"Server endpoint (unix://path, http://host:port, or https://host:port)"`
	Token string `help:"Bearer token" env:"AGENTRELAY_TOKEN"`
	TLSCA string `name:"tls-ca" help:"CA certificate for https endpoints" type:"path"`
}

type InvokeCommand struct {
	ClientFlags `embed:""`

	Profile    string        `short:"p" required:"" help:"Execution profile"`
	Target     string        `short:"t" required:"" help:"Work item reference"`
	Overlay    string        `help:"Instruction overlay"`
	Scope      string        `help:"Tenant scope (defaults to the target's scope)"`
	TimeBudget time.Duration `help:"Wall-clock budget for the session"`
	Follow     bool          `short:"f" help:"Stream the session until it ends"`
	JSON       bool          `help:"Print the response as JSON"`

	Input []string `arg:"" required:"" help:"Input for the agent ('-' reads stdin)"`
}

type SessionCommand struct {
	Get    SessionGetCommand    `cmd:"" help:"Show a session"`
	Cancel SessionCancelCommand `cmd:"" help:"Cancel a session"`
	Stream SessionStreamCommand `cmd:"" help:"Stream a session's events"`
}

type SessionGetCommand struct {
	ClientFlags `embed:""`

	ID     string `arg:"" help:"Session ID"`
	JSON   bool   `help:"Print the session as JSON"`
	Output bool   `help:"Print only the stored output"`
}

type SessionCancelCommand struct {
	ClientFlags `embed:""`

	ID string `arg:"" help:"Session ID"`
}

type SessionStreamCommand struct {
	ClientFlags `embed:""`

	ID   string `arg:"" help:"Session ID"`
	JSON bool   `help:"Print events as JSON lines"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(cli *CLI, version string) (*kong.Kong, error) {
	return kong.New(
		cli,
		kong.Name("agentrelay"),
		kong.Description("Run coding agents in sandboxes and relay their output."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)
}

func Run(args []string, version string) error {
	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := loadConfig(cli.ConfigFile)
	if err != nil {
		return err
	}
	logLevel := cli.LogLevel
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}

	return ctx.Run(&runtimeContext{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Stdin:      os.Stdin,
		Config:     cfg,
		ConfigPath: cfgPath,
		LogLevel:   logLevel,
		Version:    version,
	})
}

func loadConfig(path string) (runtimeconfig.Config, string, error) {
	if strings.TrimSpace(path) == "" {
		return runtimeconfig.Load()
	}
	cfg, err := runtimeconfig.LoadFile(path)
	return cfg, path, err
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

// stateExitCode maps a final session state onto a process exit code.
func stateExitCode(state string) error {
	switch session.State(state) {
	case session.StateCompleted:
		return nil
	case session.StateTimedOut:
		return exitCodeError{code: 124}
	case session.StateCancelled:
		return exitCodeError{code: 130}
	default:
		return exitCodeError{code: 1}
	}
}

func (f ClientFlags) client(ctx *runtimeContext) (*controlclient.Client, error) {
	ep, err := endpoint.Resolve(f.Host)
	if err != nil {
		return nil, err
	}
	tlsOpts := tlsconfig.Options{CAPath: f.TLSCA}
	if tlsOpts.CAPath == "" {
		tlsOpts.CAPath = ctx.Config.TLS.CA
	}
	return controlclient.New(ep, controlclient.WithTLS(tlsOpts), controlclient.WithToken(f.Token))
}

func (c *InvokeCommand) Run(ctx *runtimeContext) error {
	input, err := c.input(ctx.Stdin)
	if err != nil {
		return err
	}
	client, err := c.client(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	resp, err := client.Invoke(runCtx, &controlapi.InvokeRequest{
		Profile:           c.Profile,
		Overlay:           c.Overlay,
		Target:            c.Target,
		Input:             input,
		Scope:             c.Scope,
		TimeBudgetSeconds: int64(c.TimeBudget / time.Second),
	})
	if err != nil {
		return err
	}

	if c.JSON && !c.Follow {
		return writeJSON(ctx.Stdout, resp)
	}
	if !c.Follow {
		_, err := fmt.Fprintln(ctx.Stdout, resp.SessionID)
		return err
	}
	fmt.Fprintf(ctx.Stderr, "session %s accepted\n", resp.SessionID)
	return follow(runCtx, ctx, client, resp.SessionID, c.JSON)
}

func (c *InvokeCommand) input(stdin io.Reader) (string, error) {
	if len(c.Input) == 1 && c.Input[0] == "-" {
		if stdin == nil {
			return "", errors.New("no stdin available")
		}
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read input from stdin: %w", err)
		}
		return string(b), nil
	}
	return strings.Join(c.Input, " "), nil
}

func (c *SessionGetCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	resp, err := client.GetSession(context.Background(), &controlapi.GetSessionRequest{SessionID: c.ID})
	if err != nil {
		return err
	}
	switch {
	case c.JSON:
		return writeJSON(ctx.Stdout, resp.Session)
	case c.Output:
		_, err := io.WriteString(ctx.Stdout, resp.Session.Output)
		return err
	}
	_, err = io.WriteString(ctx.Stdout, renderSessionSummary(resp.Session, shouldUseANSI(ctx.Stdout), time.Now()))
	return err
}

func (c *SessionCancelCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	resp, err := client.CancelSession(context.Background(), &controlapi.CancelSessionRequest{SessionID: c.ID})
	if err != nil {
		if connect.CodeOf(err) == connect.CodeFailedPrecondition {
			return fmt.Errorf("session %s has already finished", c.ID)
		}
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "cancel requested for %s (was %s)\n", resp.SessionID, resp.State)
	return err
}

func (c *SessionStreamCommand) Run(ctx *runtimeContext) error {
	client, err := c.client(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return follow(runCtx, ctx, client, c.ID, c.JSON)
}

// follow renders the session's events and turns the final state into the
// command's exit code.
func follow(ctx context.Context, rt *runtimeContext, client *controlclient.Client, sessionID string, asJSON bool) error {
	renderer := newEventRenderer(rt.Stdout, rt.Stderr, asJSON)
	last, err := client.Follow(ctx, sessionID, renderer.render)
	if err != nil {
		if isCanceledStreamErr(err) {
			fmt.Fprintf(rt.Stderr, "stopped following %s; the session keeps running\n", sessionID)
			return exitCodeError{code: 130}
		}
		return err
	}
	if last == nil {
		return fmt.Errorf("stream for %s ended without events", sessionID)
	}
	if last.Type == string(bus.EventError) {
		return fmt.Errorf("stream for %s ended: %s", sessionID, last.Content)
	}
	return stateExitCode(last.State)
}

func isCanceledStreamErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) && connectErr.Code() == connect.CodeCanceled {
		return true
	}
	return false
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
