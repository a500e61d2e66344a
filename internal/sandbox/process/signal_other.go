//go:build !unix

package process

import (
	"errors"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalProcess(int, bool, bool) error {
	return errors.New("process sandboxes require a unix host")
}

func exitSignal(*exec.ExitError) string {
	return ""
}
