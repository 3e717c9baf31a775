package container

import (
	"errors"
	"io"
	"sync"
)

// ErrUnsupported is returned by Interrupt or Kill when the launcher gave the
// process no way to be signalled.
var ErrUnsupported = errors.New("operation not supported by this process")

// Command describes how to start the agent.
type Command struct {
	Path string
	Args []string
	Env  []string // extra KEY=VALUE pairs on top of the inherited environment
	Dir  string
}

// Process represents a running agent with I/O pipes
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Pid    int

	done      chan struct{}
	waitOnce  sync.Once
	wait      func() (int, error)
	code      int
	err       error
	interrupt func() error
	kill      func() error
	cleanup   func() error
	closeOnce sync.Once
}

// ProcessOption configures optional process controls
type ProcessOption func(*Process)

// WithInterrupt sets how the process is asked to stop
func WithInterrupt(fn func() error) ProcessOption {
	return func(p *Process) { p.interrupt = fn }
}

// WithKill sets how the process is forced to stop
func WithKill(fn func() error) ProcessOption {
	return func(p *Process) { p.kill = fn }
}

// WithCleanup runs once from Close, after the streams are closed
func WithCleanup(fn func() error) ProcessOption {
	return func(p *Process) { p.cleanup = fn }
}

// WithPid records the process id for logging
func WithPid(pid int) ProcessOption {
	return func(p *Process) { p.Pid = pid }
}

// NewProcess creates a new Process. wait blocks until the process exits and
// returns its exit code.
func NewProcess(stdin io.WriteCloser, stdout, stderr io.ReadCloser, wait func() (int, error), opts ...ProcessOption) *Process {
	p := &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,
		done:   make(chan struct{}),
		wait:   wait,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Done returns a channel that is closed when the process exits
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait waits for the process to exit and returns the exit code. It may be
// called from several goroutines; the underlying wait runs once.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.code, p.err = p.wait()
		close(p.done)
	})
	return p.code, p.err
}

// Interrupt asks the process to stop
func (p *Process) Interrupt() error {
	if p.interrupt == nil {
		return ErrUnsupported
	}
	return p.interrupt()
}

// Kill forces the process to stop
func (p *Process) Kill() error {
	if p.kill == nil {
		return ErrUnsupported
	}
	return p.kill()
}

// CloseStdin closes the agent's input, the first step of a graceful stop
func (p *Process) CloseStdin() error {
	if p.Stdin == nil {
		return nil
	}
	return p.Stdin.Close()
}

// Close closes all I/O streams and runs the cleanup hook
func (p *Process) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.Stdin != nil {
			_ = p.Stdin.Close()
		}
		if p.Stdout != nil {
			_ = p.Stdout.Close()
		}
		if p.Stderr != nil {
			_ = p.Stderr.Close()
		}
		if p.cleanup != nil {
			err = p.cleanup()
		}
	})
	return err
}
