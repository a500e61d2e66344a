package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/paths"
	"github.com/buildkite/agentrelay/internal/tlsbootstrap"
)

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Create a private CA and server certificate for https serving"`
}

type TLSInitCommand struct {
	Dir      string        `help:"Directory for the TLS material (defaults to the agentrelay TLS directory)" type:"path"`
	Host     []string      `help:"DNS name or IP for the server certificate (repeatable)"`
	Validity time.Duration `default:"8760h" help:"Certificate lifetime"`
	Force    bool          `help:"Overwrite existing material"`
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := strings.TrimSpace(c.Dir)
	if dir == "" {
		d, err := paths.TLSDir()
		if err != nil {
			return err
		}
		dir = d
	}
	if err := tlsbootstrap.Init(tlsbootstrap.Options{
		Dir:      dir,
		Hosts:    c.Host,
		Validity: c.Validity,
		Force:    c.Force,
	}); err != nil {
		return err
	}
	_, err := fmt.Fprintf(ctx.Stdout, "wrote %s to %s\n", strings.Join(tlsbootstrap.Files, ", "), dir)
	return err
}
