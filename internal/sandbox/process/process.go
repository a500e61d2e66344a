// Package process runs sandboxes as local process groups. It offers no
// isolation beyond a private working directory and is meant for development
// hosts and tests.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/buildkite/agentrelay/internal/paths"
	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

const handlePrefix = "process:"

var defaultInheritEnv = []string{"PATH", "HOME", "TMPDIR", "LANG", "TERM"}

// Driver starts spec.Command (or Command when the spec has none) in a new
// process group under BaseDir/<session id>.
type Driver struct {
	Command     []string
	BaseDir     string
	InheritEnv  []string
	KeepWorkDir bool
	Logger      *log.Logger
}

var _ sandbox.Driver = (*Driver)(nil)
var _ sandbox.Remover = (*Driver)(nil)

func (d *Driver) Name() string {
	return "process"
}

func (d *Driver) Capabilities() map[string]bool {
	return map[string]bool{}
}

func (d *Driver) baseDir() (string, error) {
	if strings.TrimSpace(d.BaseDir) != "" {
		return d.BaseDir, nil
	}
	return paths.RunBaseDir()
}

func (d *Driver) Provision(ctx context.Context, spec sandbox.Spec, stream sandbox.OutputStream) (sandbox.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	argv := spec.Command
	if len(argv) == 0 {
		argv = d.Command
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("process sandbox requires a command")
	}

	base, err := d.baseDir()
	if err != nil {
		return nil, fmt.Errorf("resolve run directory: %w", err)
	}
	workDir := filepath.Join(base, spec.SessionID)
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildCommandEnv(d.inheritEnv(), spec.Env)
	setProcessGroup(cmd)

	inst, err := Start(cmd, stream)
	if err != nil {
		if !d.KeepWorkDir {
			_ = os.RemoveAll(workDir)
		}
		return nil, err
	}
	inst.group = true
	if pgid, start, err := procIdentity(cmd.Process.Pid); err == nil && pgid == cmd.Process.Pid {
		inst.startTime = start
	}
	inst.workDir = workDir
	inst.keepWorkDir = d.KeepWorkDir
	if d.Logger != nil {
		d.Logger.Debug("process sandbox started", "session_id", spec.SessionID, "pid", cmd.Process.Pid, "env_keys", len(spec.Env))
	}
	return inst, nil
}

// Remove kills the process group recorded in handle if its leader is still
// the process that was started, matched by start time. Handles without a
// start time are refused.
func (d *Driver) Remove(_ context.Context, handle string) error {
	pid, start, err := parseHandle(handle)
	if err != nil {
		return err
	}
	if start == 0 {
		return fmt.Errorf("process sandbox %q has no recorded start time; refusing to signal an unverified process group", handle)
	}
	pgid, current, err := procIdentity(pid)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("verify process sandbox %q: %w", handle, err)
	}
	if pgid != pid || current != start {
		if d.Logger != nil {
			d.Logger.Debug("process sandbox already gone, pid reused", "sandbox", handle, "pgid", pgid, "start", current)
		}
		return nil
	}
	return signalProcess(pid, true, true)
}

func (d *Driver) Doctor(_ context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Driver: d.Name()}
	if len(d.Command) == 0 {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name:    "process_command",
			Status:  "warn",
			Message: "no default command configured; every profile must set one",
		})
	} else if path, err := exec.LookPath(d.Command[0]); err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name:    "process_command",
			Status:  "fail",
			Message: fmt.Sprintf("command %q not found: %v", d.Command[0], err),
		})
	} else {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name:    "process_command",
			Status:  "pass",
			Message: fmt.Sprintf("using %s", path),
		})
	}

	base, err := d.baseDir()
	if err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{Name: "run_directory", Status: "fail", Message: err.Error()})
	} else {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{Name: "run_directory", Status: "pass", Message: base})
	}
	return report, nil
}

func (d *Driver) inheritEnv() []string {
	if d.InheritEnv != nil {
		return d.InheritEnv
	}
	return defaultInheritEnv
}

// Instance is a started command whose stdout and stderr are pumped into an
// OutputStream.
type Instance struct {
	cmd         *exec.Cmd
	done        chan struct{}
	status      sandbox.ExitStatus
	err         error
	group       bool
	startTime   uint64
	workDir     string
	keepWorkDir bool
	disposeOnce sync.Once
}

// Start starts cmd and streams its output. Wait reports the exit only after
// both pipes reached EOF.
func Start(cmd *exec.Cmd, stream sandbox.OutputStream) (*Instance, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(cmd.Path), err)
	}

	inst := &Instance{cmd: cmd, done: make(chan struct{})}
	var g errgroup.Group
	g.Go(func() error { return pump(stdout, stream.OnStdout) })
	g.Go(func() error { return pump(stderr, stream.OnStderr) })
	go func() {
		pumpErr := g.Wait()
		waitErr := cmd.Wait()
		inst.status, inst.err = exitStatus(waitErr)
		if inst.err == nil && pumpErr != nil {
			inst.err = fmt.Errorf("read sandbox output: %w", pumpErr)
		}
		close(inst.done)
	}()
	return inst, nil
}

func pump(r io.Reader, onChunk func([]byte)) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 && onChunk != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func exitStatus(err error) (sandbox.ExitStatus, error) {
	if err == nil {
		return sandbox.ExitStatus{}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status := sandbox.ExitStatus{Code: exitErr.ExitCode()}
		if sig := exitSignal(exitErr); sig != "" {
			status.Signal = sig
			status.Code = -1
		}
		return status, nil
	}
	return sandbox.ExitStatus{Code: -1}, err
}

// Handle is process:<pid>:<start time>, or process:<pid> when the start
// time could not be read.
func (i *Instance) Handle() string {
	handle := handlePrefix + strconv.Itoa(i.cmd.Process.Pid)
	if i.startTime != 0 {
		handle += ":" + strconv.FormatUint(i.startTime, 10)
	}
	return handle
}

func (i *Instance) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	case <-i.done:
		return i.status, i.err
	}
}

func (i *Instance) Stop(_ context.Context) error {
	if i.finished() {
		return nil
	}
	return signalProcess(i.cmd.Process.Pid, i.group, false)
}

func (i *Instance) Kill(_ context.Context) error {
	if i.finished() {
		return nil
	}
	return signalProcess(i.cmd.Process.Pid, i.group, true)
}

func (i *Instance) Dispose(_ context.Context) error {
	var err error
	i.disposeOnce.Do(func() {
		if !i.finished() {
			_ = signalProcess(i.cmd.Process.Pid, i.group, true)
		}
		if i.workDir != "" && !i.keepWorkDir {
			err = os.RemoveAll(i.workDir)
		}
	})
	return err
}

func (i *Instance) finished() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

func parseHandle(handle string) (pid int, start uint64, err error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(handle), handlePrefix)
	if !ok {
		return 0, 0, fmt.Errorf("invalid process sandbox handle %q", handle)
	}
	rawPid, rawStart, hasStart := strings.Cut(raw, ":")
	pid, err = strconv.Atoi(rawPid)
	if err != nil || pid <= 1 {
		return 0, 0, fmt.Errorf("invalid process sandbox handle %q", handle)
	}
	if hasStart {
		start, err = strconv.ParseUint(rawStart, 10, 64)
		if err != nil || start == 0 {
			return 0, 0, fmt.Errorf("invalid process sandbox handle %q", handle)
		}
	}
	return pid, start, nil
}

func buildCommandEnv(inherit []string, env map[string]string) []string {
	merged := map[string]string{}
	for _, key := range inherit {
		if value, ok := os.LookupEnv(key); ok {
			merged[key] = value
		}
	}
	for key, value := range env {
		merged[key] = value
	}
	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+merged[key])
	}
	return out
}
