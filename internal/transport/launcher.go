package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/HyphaGroup/agentwire/internal/container"
)

// Launcher starts an agent process. The returned process outlives ctx; ctx
// only bounds the start itself.
type Launcher interface {
	Launch(ctx context.Context, cmd container.Command) (*container.Process, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, cmd container.Command) (*container.Process, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, cmd container.Command) (*container.Process, error) {
	return f(ctx, cmd)
}

// ExecLauncher runs the agent as a local child process in its own process
// group.
type ExecLauncher struct{}

// Launch starts cmd with os/exec.
func (ExecLauncher) Launch(ctx context.Context, cmd container.Command) (*container.Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(cmd.Path)
	if err != nil {
		return nil, fmt.Errorf("agent executable %q not found: %w", cmd.Path, err)
	}

	// Not CommandContext: the process lifetime belongs to Stop, not to the
	// context that started it.
	c := exec.Command(path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	setProcAttr(c)

	stdin, err := c.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Plain os pipes so Wait does not close stdout under a reader that has
	// not drained it yet.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	c.Stdout = stdoutW
	c.Stderr = stderrW

	if err := c.Start(); err != nil {
		_ = stdin.Close()
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			_ = f.Close()
		}
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}
	_ = stdoutW.Close()
	_ = stderrW.Close()

	wait := func() (int, error) {
		err := c.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		if err != nil {
			return -1, err
		}
		return c.ProcessState.ExitCode(), nil
	}

	return container.NewProcess(stdin, stdoutR, stderrR, wait,
		container.WithPid(c.Process.Pid),
		container.WithInterrupt(func() error { return signalGroup(c.Process, syscall.SIGINT) }),
		container.WithKill(func() error { return killGroup(c.Process) }),
	), nil
}
