package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/imageref"
	"github.com/buildkite/agentrelay/internal/runtimeconfig"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/store"
	"github.com/charmbracelet/log"
)

type DoctorCommand struct {
	Database      string `help:"Path to the session database" type:"path"`
	JSON          bool   `help:"Print the report as JSON"`
	ResolveImages bool   `help:"Look up the digest of unpinned profile images in their registry"`
}

type doctorOutput struct {
	Driver       string                `json:"driver"`
	Capabilities map[string]bool       `json:"capabilities"`
	Checks       []sandbox.DoctorCheck `json:"checks"`
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	report := runDoctor(context.Background(), ctx.Config, ctx.ConfigPath, d.Database, d.ResolveImages)
	if d.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		color := false
		if f, ok := ctx.Stdout.(*os.File); ok {
			color = shouldUseANSI(f)
		}
		if _, err := io.WriteString(ctx.Stdout, renderDoctorReport(report.Driver, report.Checks, color)); err != nil {
			return err
		}
	}
	for _, check := range report.Checks {
		if normalizeDoctorStatus(check.Status) == "fail" {
			return exitCodeError{code: 1}
		}
	}
	return nil
}

func runDoctor(ctx context.Context, cfg runtimeconfig.Config, cfgPath, dbOverride string, resolveImages bool) doctorOutput {
	out := doctorOutput{Driver: cfg.Sandbox.Driver}
	add := func(name, status, message string) {
		out.Checks = append(out.Checks, sandbox.DoctorCheck{Name: name, Status: status, Message: message})
	}

	if _, err := os.Stat(cfgPath); err == nil {
		add("runtime_config", "pass", "using "+cfgPath)
	} else {
		add("runtime_config", "warn", fmt.Sprintf("no config at %s, using defaults", cfgPath))
	}

	if len(cfg.Profiles) == 0 {
		add("profiles", "warn", "no execution profiles configured")
	} else if registry, err := collab.NewStaticProfiles(cfg.SessionProfiles()); err != nil {
		add("profiles", "fail", err.Error())
	} else {
		add("profiles", "pass", strings.Join(registry.Names(), ", "))
	}
	for _, p := range cfg.Profiles {
		name := "profile_" + strings.TrimSpace(p.Name)
		switch {
		case p.Disabled:
			add(name, "warn", "disabled")
		case strings.TrimSpace(p.Image) == "":
			switch {
			case cfg.Sandbox.Driver == runtimeconfig.DriverDocker:
				add(name, "fail", "docker profiles need an image")
			case len(p.Command) == 0:
				add(name, "fail", "profiles without an image need a command")
			default:
				add(name, "pass", strings.Join(p.Command, " "))
			}
		default:
			ref, err := imageref.Parse(p.Image)
			switch {
			case err != nil:
				add(name, "fail", err.Error())
			case !ref.Pinned && resolveImages:
				rctx, cancel := context.WithTimeout(ctx, 30*time.Second)
				pinned, err := imageref.Resolve(rctx, ref.Original)
				cancel()
				if err != nil {
					add(name, "fail", err.Error())
				} else {
					add(name, "warn", fmt.Sprintf("%s is not digest-pinned; currently %s", ref.Name, pinned.Name))
				}
			case !ref.Pinned:
				add(name, "warn", ref.Name+" is not digest-pinned")
			default:
				add(name, "pass", ref.Name)
			}
		}
		var missing []string
		for _, envName := range slices.Sorted(maps.Keys(p.Credentials)) {
			if _, ok := cfg.Tokens[p.Credentials[envName]]; !ok {
				missing = append(missing, fmt.Sprintf("%s (%s)", p.Credentials[envName], envName))
			}
		}
		if len(missing) > 0 {
			add(name+"_token", "fail", "token providers not configured: "+strings.Join(missing, ", "))
		}
	}

	for provider, envName := range cfg.Tokens {
		if v, ok := os.LookupEnv(envName); !ok || strings.TrimSpace(v) == "" {
			add("token_"+provider, "warn", envName+" is not set")
		}
	}

	if _, err := cfg.AccessTokens(nil); err != nil {
		add("access_tokens", "fail", err.Error())
	} else if len(cfg.Access) == 0 {
		add("access_tokens", "warn", "no access tokens configured; every caller is anonymous with access to all scopes")
	} else {
		add("access_tokens", "pass", fmt.Sprintf("%d token(s)", len(cfg.Access)))
	}

	dbPath, err := databasePath(cfg, dbOverride)
	if err != nil {
		add("database", "fail", err.Error())
	} else if sqlite, err := store.OpenSQLite(dbPath); err != nil {
		add("database", "fail", err.Error())
	} else {
		n, err := sqlite.ListNonTerminal(ctx)
		_ = sqlite.Close()
		if err != nil {
			add("database", "fail", err.Error())
		} else {
			add("database", "pass", fmt.Sprintf("%s (%d unfinished sessions)", dbPath, len(n)))
		}
	}

	driver, err := buildDriver(cfg, log.New(io.Discard))
	if err != nil {
		add("sandbox_driver", "fail", err.Error())
		return out
	}
	out.Capabilities = sandbox.CapabilitiesForDriver(driver)
	add("sandbox_driver", "pass", driver.Name())
	if doc, ok := driver.(sandbox.Doctor); ok {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		report, err := doc.Doctor(dctx)
		if err != nil {
			add("sandbox_doctor", "fail", err.Error())
		} else if report != nil {
			out.Checks = append(out.Checks, report.Checks...)
		}
	}
	for _, key := range sandbox.SortedCapabilityKeys(out.Capabilities) {
		status := "pass"
		if !out.Capabilities[key] {
			status = "warn"
		}
		add("capability_"+key, status, fmt.Sprintf("%t", out.Capabilities[key]))
	}
	return out
}
