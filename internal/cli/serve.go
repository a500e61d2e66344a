package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/buildkite/agentrelay/internal/controlserver"
	"github.com/buildkite/agentrelay/internal/endpoint"
	"github.com/buildkite/agentrelay/internal/tlsconfig"
	"github.com/dustin/go-humanize"
)

var (
	notifySignals = signal.Notify
	stopSignals   = signal.Stop
)

type ServeCommand struct {
	Listen          string        `help:"Listen endpoint (unix://path, tsnet://hostname[:port], http://host:port, or https://host:port)"`
	Database        string        `help:"Path to the session database" type:"path"`
	NoRecover       bool          `help:"Skip recovery of sessions left by a previous run"`
	ShutdownTimeout time.Duration `default:"30s" help:"How long to wait for sessions to stop on shutdown"`
	TLSCert         string        `name:"tls-cert" help:"Path to TLS certificate (required for https)" type:"path"`
	TLSKey          string        `name:"tls-key" help:"Path to TLS private key (required for https)" type:"path"`
	TLSCA           string        `name:"tls-ca" help:"CA certificate for verifying client certificates" type:"path"`
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(ctx.LogLevel, "server")
	if err != nil {
		return err
	}
	applyPolishedLoggerStyles(logger, shouldUseANSI(ctx.Stderr))

	listen := s.Listen
	if listen == "" {
		listen = ctx.Config.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	rt, err := buildRuntime(ctx.Config, s.Database, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !s.NoRecover && recoverOnStart(ctx.Config.Sessions.RecoverOnStart) {
		report, err := rt.Supervisor.Recover(runCtx)
		if err != nil {
			return fmt.Errorf("recover sessions: %w", err)
		}
		logger.Info("recovered sessions",
			"dispatched", report.Dispatched,
			"orphaned", report.Orphaned,
			"removed", report.Removed,
		)
	}

	if shouldShowStartupHeader(ctx.Stderr) {
		_ = writeStartupHeader(ctx.Stderr, startupHeader{
			Title: "agentrelay serve",
			Fields: []startupField{
				{Key: "version", Value: ctx.Version},
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "driver", Value: rt.Driver.Name()},
				{Key: "database", Value: rt.DatabasePath},
				{Key: "config", Value: ctx.ConfigPath},
				{Key: "max sessions", Value: strconv.Itoa(ctx.Config.Sessions.MaxConcurrent)},
				{Key: "output cap", Value: humanize.IBytes(uint64(ctx.Config.Sessions.OutputCap))},
				{Key: "log level", Value: effectiveLogLevel(ctx.LogLevel)},
			},
		}, shouldUseANSI(ctx.Stderr))
	}

	sigCh := make(chan os.Signal, 1)
	notifySignals(sigCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-runCtx.Done():
		}
	}()

	tlsOpts := &tlsconfig.Options{
		CertPath: firstNonEmpty(s.TLSCert, ctx.Config.TLS.Cert),
		KeyPath:  firstNonEmpty(s.TLSKey, ctx.Config.TLS.Key),
		CAPath:   firstNonEmpty(s.TLSCA, ctx.Config.TLS.CA),
	}
	serveErr := controlserver.Serve(runCtx, ep, controlserver.New(rt.Service, logger).Handler(), logger, tlsOpts)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer shutdownCancel()
	if err := rt.Supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	return serveErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func recoverOnStart(v *bool) bool {
	return v == nil || *v
}
