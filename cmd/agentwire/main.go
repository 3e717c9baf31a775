package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/HyphaGroup/agentwire/internal/config"
	"github.com/HyphaGroup/agentwire/internal/container/docker"
	"github.com/HyphaGroup/agentwire/internal/history"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/session"
	"github.com/HyphaGroup/agentwire/internal/trace"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	session.ClientVersion = Version

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "prompt":
		err = cmdPrompt(args)
	case "chat":
		err = cmdChat(args)
	case "info":
		err = cmdInfo(args)
	case "mcp":
		err = cmdMCP(args)
	case "history":
		err = cmdHistory(args)
	case "skills":
		err = cmdSkills(args)
	case "trace":
		err = cmdTrace(args)
	case "--version", "-v", "version":
		fmt.Printf("agentwire %s\n", Version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func printUsage() {
	fmt.Printf(`agentwire %s - drive a coding agent over its wire protocol

Usage: agentwire <command> [options]

Commands:
  prompt <text>          Run one turn and stream the reply to stdout
  chat                   Interactive session (Ctrl-C cancels the running turn)
  info                   Show agent and protocol versions and the compat gate
  mcp                    Serve the session as MCP tools over stdio
  history [session-id]   List recorded sessions, or the turns of one session
  skills validate <dir>  Validate one or more skill directories
  skills watch <dir>     Report skill changes as they happen
  trace <file>           Print a wire trace file

Common Options:
  --config-dir <path>    Directory holding agentwire.jsonc

Config Precedence:
  1. --config-dir flag
  2. ./config/agentwire.jsonc
  3. ~/.agentwire/config/agentwire.jsonc

Examples:
  agentwire prompt --yes "summarize README.md"
  agentwire chat --model k2 --work-dir .
  agentwire info --json
  agentwire skills validate ./skills/code-review
`, Version)
}

// usageError marks bad command-line input.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return 2
	}
	return 1
}

// commonFlags are shared by the commands that run a session.
type commonFlags struct {
	configDir string
	model     string
	workDir   string
	exec      string
	agentFile string
	tracePath string
	verbose   bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configDir, "config-dir", "", "Directory holding agentwire.jsonc")
	fs.StringVar(&c.model, "model", "", "Model name (overrides config)")
	fs.StringVar(&c.workDir, "work-dir", "", "Agent working directory (overrides config)")
	fs.StringVar(&c.exec, "exec", "", "Agent executable (overrides config)")
	fs.StringVar(&c.agentFile, "agent-file", "", "Agent specification file (overrides config)")
	fs.StringVar(&c.tracePath, "trace", "", "Write a wire trace to this file (.zst or .gz to compress)")
	fs.BoolVar(&c.verbose, "verbose", false, "Debug logging")
}

// loadConfig loads agentwire.jsonc and applies flag overrides.
func (c *commonFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configDir)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if c.model != "" {
		cfg.Agent.Model = c.model
	}
	if c.workDir != "" {
		cfg.Agent.WorkDir = c.workDir
	}
	if c.exec != "" {
		cfg.Agent.Executable = c.exec
	}
	if c.agentFile != "" {
		cfg.Agent.AgentFile = c.agentFile
	}
	if c.tracePath != "" {
		cfg.Trace.Path = c.tracePath
	}
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// app holds what a session command opened besides the session.
type app struct {
	cfg     *config.Config
	opts    []session.Option
	closers []func() error
}

func (r *app) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			slog.Warn("cleanup failed", "error", err)
		}
	}
	_ = logger.CloseSlog()
}

// setup initializes logging, metrics and the optional history store, trace
// and container launcher, and returns the session options they imply.
func setup(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := logger.InitSlog(cfg.LoggerOptions()); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	if cfg.Path != "" {
		slog.Debug("configuration loaded", "path", cfg.Path)
	}

	r := &app{cfg: cfg, opts: cfg.SessionOptions()}
	r.opts = append(r.opts, session.WithLogger(logger.Slog()))

	if addr := cfg.Metrics.Address; addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "addr", addr, "error", err)
			}
		}()
		r.closers = append(r.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		slog.Info("metrics listening", "addr", addr)
	}

	if cfg.History.Enabled {
		store, err := history.NewStore(cfg.History.Path)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("opening history: %w", err)
		}
		r.closers = append(r.closers, store.Close)
		r.opts = append(r.opts, session.WithRecorder(store))
	}

	if cfg.Trace.Path != "" {
		rec, err := trace.Create(cfg.Trace.Path)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, rec.Close)
		r.opts = append(r.opts, session.WithTap(rec))
	}

	if cfg.Transport.Container.Enabled {
		l, err := docker.NewLauncher(cfg.DockerConfig())
		if err != nil {
			r.Close()
			return nil, err
		}
		r.closers = append(r.closers, l.Close)
		if err := l.Ping(ctx); err != nil {
			r.Close()
			return nil, fmt.Errorf("docker is not reachable: %w", err)
		}
		r.opts = append(r.opts, session.WithLauncher(l))
	}

	return r, nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
