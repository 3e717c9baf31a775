// Package transport starts the agent process, negotiates versions with it
// and stops it.
//
// transport.go - agent process lifecycle
//
// This file contains:
// - Config and the Transport that owns one agent process
// - Start: info query, version gate, launch, initialize handshake
// - Stop: close stdin, interrupt the group, then kill it
// - ExitError, published when the agent exits on its own
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/container"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/rpc"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultExecutable       = "kimi"
	DefaultGracePeriod      = 500 * time.Millisecond
	DefaultInfoTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
)

const stderrTailSize = 4096

// Config describes how to start and negotiate with the agent.
type Config struct {
	Executable string
	// BaseArgs precede every invocation, the info query included.
	BaseArgs []string
	// Args are passed to the wire-mode launch only, before --wire.
	Args    []string
	Env     []string
	WorkDir string

	SessionID string
	Client    wire.ClientInfo

	// MinVersion gates the agent version reported by the info query.
	MinVersion string
	// MinProtocol gates the protocol version the agent reports.
	MinProtocol string
	// SkipInfo skips the info query. MinVersion is then checked against
	// the agent version from the handshake.
	SkipInfo bool

	GracePeriod      time.Duration
	InfoTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// Negotiated is what the agent reported during bootstrap.
type Negotiated struct {
	AgentVersion    string            `json:"agent_version"`
	ProtocolVersion string            `json:"protocol_version"`
	Agent           wire.AgentInfo    `json:"agent"`
	Capabilities    wire.Capabilities `json:"capabilities"`
}

// Handle is a started agent.
type Handle struct {
	Conn       *rpc.Conn
	Process    *container.Process
	Negotiated Negotiated
}

// ExitError reports an agent exit that Stop did not ask for.
type ExitError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.Code)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, agenterr.ErrProcessExited) hold.
func (e *ExitError) Is(target error) bool {
	return target == agenterr.ErrProcessExited
}

// Transport owns one agent process for its whole life. It is started once.
type Transport struct {
	cfg      Config
	launcher Launcher
	handler  rpc.Handler
	connOpts []rpc.Option
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopping bool
	proc     *container.Process
	conn     *rpc.Conn
	exitErr  error
	done     chan struct{}
	stderr   tailBuffer

	// stderrDone is closed once stderr reached EOF.
	stderrDone chan struct{}
}

// New creates a transport. h receives the agent's inbound calls once the
// connection is up; opts configure that connection.
func New(cfg Config, l Launcher, h rpc.Handler, opts ...rpc.Option) *Transport {
	if cfg.Executable == "" {
		cfg.Executable = DefaultExecutable
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.InfoTimeout <= 0 {
		cfg.InfoTimeout = DefaultInfoTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if l == nil {
		l = ExecLauncher{}
	}
	return &Transport{
		cfg:      cfg,
		launcher: l,
		handler:  h,
		connOpts: opts,
		logger:   logger.Slog().With("component", "transport"),
		done:     make(chan struct{}),
		stderr:   tailBuffer{max: stderrTailSize},
	}
}

// Start bootstraps the agent: info query, version gate, launch in wire mode,
// then the initialize handshake. On any failure after launch the process is
// stopped before Start returns.
func (t *Transport) Start(ctx context.Context) (*Handle, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, agenterr.Errorf(agenterr.KindState, "start", "transport already started")
	}
	t.started = true
	t.mu.Unlock()

	var info *wire.InfoResult
	if !t.cfg.SkipInfo {
		infoCtx, cancel := context.WithTimeout(ctx, t.cfg.InfoTimeout)
		var err error
		info, err = QueryInfo(infoCtx, t.launcher, t.command(append(slices.Clone(t.cfg.BaseArgs), "info", "--json")))
		cancel()
		if err != nil {
			return nil, err
		}
		if err := CheckVersion("agent", info.Version, t.cfg.MinVersion); err != nil {
			return nil, err
		}
		if info.ProtocolVersion != "" {
			if err := CheckVersion("protocol", info.ProtocolVersion, t.cfg.MinProtocol); err != nil {
				return nil, err
			}
		}
		t.logger.Debug("agent info", "version", info.Version, "protocol_version", info.ProtocolVersion)
	}

	args := append(slices.Clone(t.cfg.BaseArgs), t.cfg.Args...)
	args = append(args, "--wire")
	proc, err := t.launcher.Launch(ctx, t.command(args))
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindTransport, "launch", err)
	}

	conn := rpc.NewConn(proc.Stdout, proc.Stdin, t.handler, t.connOpts...)
	t.mu.Lock()
	t.proc = proc
	t.conn = conn
	t.mu.Unlock()

	t.stderrDone = make(chan struct{})
	if proc.Stderr != nil {
		go t.drainStderr(proc.Stderr)
	} else {
		close(t.stderrDone)
	}
	go t.watch(proc, conn)
	conn.Start()

	t.logger.Info("agent started", "pid", proc.Pid, "executable", t.cfg.Executable, "session_id", t.cfg.SessionID)

	neg, err := t.handshake(ctx, conn, info)
	if err != nil {
		_ = t.Stop(context.Background())
		return nil, err
	}
	return &Handle{Conn: conn, Process: proc, Negotiated: neg}, nil
}

func (t *Transport) handshake(ctx context.Context, conn *rpc.Conn, info *wire.InfoResult) (Negotiated, error) {
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	params := wire.InitializeParams{
		ProtocolVersion: wire.ProtocolVersion,
		SessionID:       t.cfg.SessionID,
		WorkDir:         t.cfg.WorkDir,
		Client:          t.cfg.Client,
	}
	var res wire.InitializeResult
	if err := conn.Call(hctx, wire.MethodInitialize, params, &res); err != nil {
		return Negotiated{}, agenterr.Wrap(agenterr.KindProtocol, "initialize", err)
	}

	if err := CheckVersion("protocol", res.ProtocolVersion, t.cfg.MinProtocol); err != nil {
		return Negotiated{}, err
	}
	if err := CheckVersion("client protocol", wire.ProtocolVersion, res.Capabilities.MinProtocol); err != nil {
		return Negotiated{}, err
	}
	if t.cfg.SkipInfo {
		if err := CheckVersion("agent", res.Agent.Version, t.cfg.MinVersion); err != nil {
			return Negotiated{}, err
		}
	}

	neg := Negotiated{
		AgentVersion:    res.Agent.Version,
		ProtocolVersion: res.ProtocolVersion,
		Agent:           res.Agent,
		Capabilities:    res.Capabilities,
	}
	if info != nil {
		neg.AgentVersion = info.Version
	}
	return neg, nil
}

// Done is closed when the agent process has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Err returns the unexpected exit, or nil while the process runs or when it
// exited because Stop asked it to.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitErr
}

// Stop shuts the agent down: close its input and wait, interrupt the
// process group and wait, then kill the group. It is safe to call more than
// once and from several goroutines.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	proc, conn := t.proc, t.conn
	already := t.stopping
	t.stopping = true
	t.mu.Unlock()

	if proc == nil {
		return nil
	}
	if already {
		select {
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	defer func() {
		conn.Close()
		_ = proc.Close()
	}()

	select {
	case <-t.done:
		return nil
	default:
	}

	_ = proc.CloseStdin()
	if t.waitExit(ctx, t.cfg.GracePeriod) {
		return nil
	}

	t.logger.Debug("agent still running after stdin close, interrupting", "pid", proc.Pid)
	if err := proc.Interrupt(); err != nil && !errors.Is(err, container.ErrUnsupported) {
		t.logger.Warn("failed to interrupt agent", "pid", proc.Pid, "error", err)
	}
	if t.waitExit(ctx, t.cfg.GracePeriod) {
		return nil
	}

	t.logger.Warn("agent ignored interrupt, killing", "pid", proc.Pid)
	if err := proc.Kill(); err != nil && !errors.Is(err, container.ErrUnsupported) {
		t.logger.Warn("failed to kill agent", "pid", proc.Pid, "error", err)
	}
	if t.waitExit(context.Background(), t.cfg.GracePeriod) {
		return nil
	}
	return agenterr.Errorf(agenterr.KindTransport, "stop", "agent pid %d did not exit after kill", proc.Pid)
}

func (t *Transport) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) watch(proc *container.Process, conn *rpc.Conn) {
	code, werr := proc.Wait()

	select {
	case <-t.stderrDone:
	case <-time.After(t.cfg.GracePeriod):
	}

	t.mu.Lock()
	stopping := t.stopping
	var exitErr error
	if !stopping {
		exitErr = agenterr.New(agenterr.KindTransport, "agent", &ExitError{
			Code:   code,
			Stderr: t.stderr.String(),
			Err:    werr,
		})
		t.exitErr = exitErr
	}
	t.mu.Unlock()

	if stopping {
		metrics.RecordProcessExit("shutdown")
		t.logger.Info("agent stopped", "pid", proc.Pid, "exit_code", code)
	} else {
		metrics.RecordProcessExit("unexpected")
		t.logger.Warn("agent exited unexpectedly", "pid", proc.Pid, "exit_code", code, "error", werr)

		// Let the read loop drain what the agent wrote before it exited.
		select {
		case <-conn.Done():
		case <-time.After(t.cfg.GracePeriod):
		}
		conn.CloseWithError(exitErr)
		_ = proc.Close()
	}
	close(t.done)
}

func (t *Transport) drainStderr(r io.Reader) {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.stderr.WriteLine(line)
		t.logger.Debug("agent stderr", "line", line)
	}
}

func (t *Transport) command(args []string) container.Command {
	return container.Command{
		Path: t.cfg.Executable,
		Args: args,
		Env:  t.cfg.Env,
		Dir:  t.cfg.WorkDir,
	}
}

// tailBuffer keeps the last max bytes of stderr for exit reports.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) > 0 {
		b.buf = append(b.buf, '\n')
	}
	b.buf = append(b.buf, line...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
