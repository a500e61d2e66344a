package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/buildkite/agentrelay/internal/runtimeconfig"
)

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write a starter runtime config"`
	Path ConfigPathCommand `cmd:"" help:"Print the runtime config path"`
}

type ConfigInitCommand struct {
	Path  string `arg:"" optional:"" help:"Where to write the config (defaults to the runtime config path)" type:"path"`
	Force bool   `help:"Overwrite an existing config"`
}

type ConfigPathCommand struct{}

func (c *ConfigInitCommand) Run(ctx *runtimeContext) error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = ctx.ConfigPath
	}
	if path == "" {
		p, err := runtimeconfig.Path()
		if err != nil {
			return err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(runtimeconfig.Template), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote %s\n", path)
	return err
}

func (c *ConfigPathCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(ctx.Stdout, ctx.ConfigPath)
	return err
}
