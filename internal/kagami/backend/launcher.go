package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/bdobrica/Kagami/common/redact"
)

// Process is a launched backend transport: a writable request pipe, readable
// output/error pipes, and lifecycle control. How the process actually runs
// (child process, container) is the Launcher's concern.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader

	// Terminate asks the process to exit cleanly.
	Terminate() error
	// Kill forces it down.
	Kill() error
	// Wait blocks until the process has exited and is reaped.
	Wait() error

	// ID is a loggable process identifier (pid or container id).
	ID() string
}

// Launcher starts backend processes from descriptors.
type Launcher interface {
	Launch(ctx context.Context, d Descriptor) (Process, error)
}

// ExecLauncher launches backends as child processes over stdin/stdout pipes.
type ExecLauncher struct {
	Logger *slog.Logger
}

// Launch starts the descriptor's command with the merged environment.
func (l *ExecLauncher) Launch(_ context.Context, d Descriptor) (Process, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("backend %q: no command to launch", d.Name)
	}
	argv := append(append([]string(nil), d.Command[1:]...), d.Args...)
	cmd := exec.Command(d.Command[0], argv...)
	cmd.Env = mergeEnv(d.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start backend process: %w", err)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("backend process started",
		"name", d.Name,
		"command", d.Command[0],
		"pid", cmd.Process.Pid,
		"env_overrides", redact.Map(envAny(d.Env)),
	)

	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Terminate() error {
	// Closing stdin is the polite MCP shutdown; SIGTERM covers servers that
	// only watch signals.
	p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

func (p *execProcess) ID() string {
	if p.cmd.Process == nil {
		return "?"
	}
	return strconv.Itoa(p.cmd.Process.Pid)
}

// mergeEnv layers the descriptor's overrides on top of the inherited
// environment, matching how the supervisor treats child processes.
func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	extra := make([]string, 0, len(overrides))
	for k, v := range overrides {
		extra = append(extra, k+"="+v)
	}
	return append(base, extra...)
}

func envAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
