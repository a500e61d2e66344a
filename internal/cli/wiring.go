package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/controlservice"
	"github.com/buildkite/agentrelay/internal/paths"
	"github.com/buildkite/agentrelay/internal/runtimeconfig"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/sandbox/docker"
	"github.com/buildkite/agentrelay/internal/sandbox/process"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/buildkite/agentrelay/internal/supervisor"
	"github.com/charmbracelet/log"
)

// serverRuntime is everything serve needs, assembled from the config.
type serverRuntime struct {
	Store        *store.SQLite
	DatabasePath string
	Driver       sandbox.Driver
	Supervisor   *supervisor.Supervisor
	Service      *controlservice.Service
}

func (r *serverRuntime) Close() error {
	if r == nil || r.Store == nil {
		return nil
	}
	return r.Store.Close()
}

func buildRuntime(cfg runtimeconfig.Config, dbOverride string, logger *log.Logger) (*serverRuntime, error) {
	profiles, err := collab.NewStaticProfiles(cfg.SessionProfiles())
	if err != nil {
		return nil, err
	}
	tokens, err := cfg.AccessTokens(nil)
	if err != nil {
		return nil, err
	}
	driver, err := buildDriver(cfg, logger)
	if err != nil {
		return nil, err
	}
	workItems, err := buildWorkItems(cfg)
	if err != nil {
		return nil, err
	}

	dbPath, err := databasePath(cfg, dbOverride)
	if err != nil {
		return nil, err
	}
	sqlite, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	events := bus.New(logger.With("subsystem", "bus"))
	sup := &supervisor.Supervisor{
		Store:   sqlite,
		Bus:     events,
		Driver:  driver,
		Tokens:  &collab.EnvTokens{Vars: cfg.Tokens},
		Results: buildResultSink(cfg, logger),
		Options: supervisorOptions(cfg),
		Logger:  logger.With("subsystem", "supervisor"),
	}
	svc := &controlservice.Service{
		Store:      sqlite,
		Bus:        events,
		Supervisor: sup,
		Profiles:   profiles,
		Overlays:   &collab.Overlays{Inline: cfg.Overlays, Dir: cfg.OverlaysDir},
		WorkItems:  workItems,
		Identity:   &collab.TokenTable{Tokens: tokens},
		Limits: controlservice.Limits{
			MaxConcurrent:     cfg.Sessions.MaxConcurrent,
			ScopeLimits:       cfg.Sessions.ScopeLimits,
			DefaultTimeBudget: cfg.Sessions.DefaultTimeBudget,
			MaxTimeBudget:     cfg.Sessions.MaxTimeBudget,
			StreamGrace:       cfg.Sessions.StreamGrace,
		},
		Logger: logger.With("subsystem", "service"),
	}
	return &serverRuntime{
		Store:        sqlite,
		DatabasePath: dbPath,
		Driver:       driver,
		Supervisor:   sup,
		Service:      svc,
	}, nil
}

func databasePath(cfg runtimeconfig.Config, override string) (string, error) {
	if p := strings.TrimSpace(override); p != "" {
		return p, nil
	}
	if p := strings.TrimSpace(cfg.Database); p != "" {
		return p, nil
	}
	return paths.DatabasePath()
}

func buildDriver(cfg runtimeconfig.Config, logger *log.Logger) (sandbox.Driver, error) {
	switch cfg.Sandbox.Driver {
	case runtimeconfig.DriverDocker:
		return &docker.Driver{
			Binary:    cfg.Sandbox.DockerBinary,
			Network:   cfg.Sandbox.Network,
			ExtraArgs: cfg.Sandbox.DockerArgs,
			Logger:    logger.With("driver", "docker"),
		}, nil
	case runtimeconfig.DriverProcess:
		return &process.Driver{
			Command: cfg.Sandbox.Command,
			BaseDir: cfg.Sandbox.RunDir,
			Logger:  logger.With("driver", "process"),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox driver %q", cfg.Sandbox.Driver)
	}
}

func buildWorkItems(cfg runtimeconfig.Config) (collab.WorkItemResolver, error) {
	chain := collab.WorkItemChain{&collab.StaticWorkItems{Items: cfg.StaticWorkItems()}}
	if base := strings.TrimSpace(cfg.WorkItems.BaseURL); base != "" {
		remote := &collab.HTTPWorkItems{BaseURL: base}
		if name := strings.TrimSpace(cfg.WorkItems.TokenEnv); name != "" {
			token, ok := os.LookupEnv(name)
			if !ok {
				return nil, fmt.Errorf("work_items.token_env: %s is not set", name)
			}
			remote.Token = token
		}
		chain = append(chain, remote)
	}
	if cfg.WorkItems.AllowUnregistered {
		chain = append(chain, &collab.StaticWorkItems{AllowUnregistered: true})
	}
	return chain, nil
}

func buildResultSink(cfg runtimeconfig.Config, logger *log.Logger) collab.ResultSink {
	var sinks collab.MultiSink
	if cfg.ResultSink.Log {
		sinks = append(sinks, &collab.LogSink{Logger: logger.With("subsystem", "results")})
	}
	if url := strings.TrimSpace(cfg.ResultSink.WebhookURL); url != "" {
		sinks = append(sinks, &collab.WebhookSink{URL: url, Timeout: cfg.ResultSink.Timeout})
	}
	if len(sinks) == 0 {
		return nil
	}
	return sinks
}

func supervisorOptions(cfg runtimeconfig.Config) supervisor.Options {
	opts := supervisor.Options{
		StopGrace:     cfg.Sandbox.StopGrace,
		KillTimeout:   cfg.Sandbox.KillTimeout,
		CommitRetries: cfg.Sessions.CommitRetries,
		CommitBackoff: cfg.Sessions.CommitBackoff,
		RelayQueue:    cfg.Sessions.RelayQueue,
		FlushInterval: cfg.Sessions.FlushInterval,
		OutputCap:     int64(cfg.Sessions.OutputCap),
		TailWindow:    int(cfg.Sessions.TailWindow),
		ResultTimeout: cfg.ResultSink.Timeout,
	}
	if cfg.Sandbox.ProvisionRetries != nil {
		opts.ProvisionRetries = *cfg.Sandbox.ProvisionRetries
		opts.NoProvisionRetry = opts.ProvisionRetries == 0
	}
	return opts
}
