package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/buildkite/agentrelay/internal/imageref"
)

type ImageCommand struct {
	Resolve ImageResolveCommand `cmd:"" help:"Resolve an image tag to a digest-pinned reference"`
}

type ImageResolveCommand struct {
	Ref     string        `arg:"" help:"Image reference"`
	Timeout time.Duration `default:"30s" help:"Registry timeout"`
}

func (c *ImageResolveCommand) Run(ctx *runtimeContext) error {
	rctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	ref, err := imageref.Resolve(rctx, c.Ref)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ctx.Stdout, ref.Name)
	return err
}
