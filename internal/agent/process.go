package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	rerrors "github.com/patchforge/patchforge/internal/errors"
)

// LaunchSpec describes one agent subprocess invocation.
type LaunchSpec struct {
	Dir    string
	Prompt string // written by the Runner after launch, not passed as an arg
}

// Process is a live agent subprocess.
type Process interface {
	// Stdin is the protocol input stream; writes go through the Session.
	Stdin() io.WriteCloser
	// Stdout is the protocol output stream.
	Stdout() io.Reader
	// Interrupt delivers the soft turn-interruption signal.
	Interrupt() error
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill ends the process group unconditionally.
	Kill() error
	// Wait blocks until exit. Safe to call once.
	Wait() error
}

// Launcher starts agent subprocesses. The exec-backed implementation is the
// only one used in production; tests supply scripted fakes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// envAllowList names the only parent environment variables forwarded to the
// subprocess. Everything else, in particular service credentials, stays out
// of the sandboxed process.
var envAllowList = []string{
	"PATH",
	"HOME",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"USER",
	"TMPDIR",
}

func minimalEnv(extra map[string]string) []string {
	env := make([]string, 0, len(envAllowList)+len(extra))
	for _, key := range envAllowList {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for key, val := range extra {
		env = append(env, key+"="+val)
	}
	return env
}

// ExecLauncherOption configures an ExecLauncher.
type ExecLauncherOption struct {
	Binary string
	Args   []string
	// Env is appended to the allow-listed parent variables, e.g. the agent's
	// own API credential.
	Env map[string]string
}

// ExecLauncher launches the agent binary via os/exec.
type ExecLauncher struct {
	binary string
	args   []string
	env    map[string]string
}

// NewExecLauncher creates an ExecLauncher.
func NewExecLauncher(opt ExecLauncherOption) (*ExecLauncher, error) {
	if strings.TrimSpace(opt.Binary) == "" {
		return nil, fmt.Errorf("agent binary is required")
	}
	return &ExecLauncher{binary: opt.Binary, args: opt.Args, env: opt.Env}, nil
}

// Launch starts the subprocess in its own process group so Kill can reap any
// children the agent spawned.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	cmd := exec.CommandContext(ctx, l.binary, l.args...)
	cmd.Dir = spec.Dir
	cmd.Env = minimalEnv(l.env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// CommandContext's default kill on ctx cancel is too abrupt; the Runner
	// handles termination itself.
	cmd.Cancel = func() error { return nil }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, rerrors.Transient(rerrors.TransientSpawn, "open agent stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, rerrors.Transient(rerrors.TransientSpawn, "open agent stdout", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, rerrors.Transient(rerrors.TransientSpawn, "start agent process", err)
	}

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Interrupt() error {
	return p.signal(syscall.SIGINT)
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

func (p *execProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// killGracePeriod is how long Terminate gets before Kill follows it.
const killGracePeriod = 5 * time.Second
