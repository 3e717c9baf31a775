package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/config"
	"github.com/HyphaGroup/agentwire/internal/container"
	"github.com/HyphaGroup/agentwire/internal/container/docker"
	"github.com/HyphaGroup/agentwire/internal/history"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/mcp"
	"github.com/HyphaGroup/agentwire/internal/session"
	"github.com/HyphaGroup/agentwire/internal/skills"
	"github.com/HyphaGroup/agentwire/internal/trace"
	"github.com/HyphaGroup/agentwire/internal/transport"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// infoReport is what `agentwire info --json` prints.
type infoReport struct {
	Executable      string               `json:"executable"`
	Version         string               `json:"version"`
	ProtocolVersion string               `json:"protocol_version"`
	ClientProtocol  string               `json:"client_protocol"`
	VersionGate     transport.GateResult `json:"version_gate"`
	ProtocolGate    transport.GateResult `json:"protocol_gate"`
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configDir := fs.String("config-dir", "", "Directory holding agentwire.jsonc")
	execPath := fs.String("exec", "", "Agent executable (overrides config)")
	jsonOut := fs.Bool("json", false, "Print the report as JSON")
	timeout := fs.Duration("timeout", 30*time.Second, "Give up after this long")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if *execPath != "" {
		cfg.Agent.Executable = *execPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var l transport.Launcher = transport.ExecLauncher{}
	if cfg.Transport.Container.Enabled {
		dl, err := docker.NewLauncher(cfg.DockerConfig())
		if err != nil {
			return err
		}
		defer func() { _ = dl.Close() }()
		l = dl
	}

	info, err := transport.QueryInfo(ctx, l, container.Command{
		Path: cfg.Agent.Executable,
		Args: []string{"info", "--json"},
		Dir:  cfg.Agent.WorkDir,
	})
	if err != nil {
		return err
	}

	report := infoReport{
		Executable:      cfg.Agent.Executable,
		Version:         info.Version,
		ProtocolVersion: info.ProtocolVersion,
		ClientProtocol:  wire.ProtocolVersion,
		VersionGate:     transport.Gate(info.Version, cfg.Compat.MinVersion),
		ProtocolGate:    transport.Gate(info.ProtocolVersion, cfg.Compat.MinProtocol),
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Executable:\t%s\n", report.Executable)
		fmt.Fprintf(w, "Agent version:\t%s\t%s\n", report.Version, gateText(report.VersionGate))
		fmt.Fprintf(w, "Protocol version:\t%s\t%s\n", report.ProtocolVersion, gateText(report.ProtocolGate))
		fmt.Fprintf(w, "Client protocol:\t%s\n", report.ClientProtocol)
		_ = w.Flush()
	}

	if !report.VersionGate.OK {
		return transport.CheckVersion("agent", info.Version, cfg.Compat.MinVersion)
	}
	if !report.ProtocolGate.OK {
		return transport.CheckVersion("protocol", info.ProtocolVersion, cfg.Compat.MinProtocol)
	}
	return nil
}

func gateText(g transport.GateResult) string {
	switch {
	case g.Min == "":
		return ""
	case g.OK:
		return fmt.Sprintf("(ok, min %s)", g.Min)
	case g.Kind == agenterr.KindProtocol.String():
		return fmt.Sprintf("(UNREADABLE, min %s)", g.Min)
	default:
		return fmt.Sprintf("(BELOW min %s)", g.Min)
	}
}

func cmdMCP(args []string) error {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	yes := fs.Bool("yes", false, "Approve every action without asking")
	_ = fs.Parse(args)

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := a.opts
	switch {
	case *yes && !cfg.Approval.AutoApprove:
		opts = append(opts, session.WithAutoApprove())
	case !*yes && !cfg.Approval.AutoApprove:
		opts = append(opts, session.WithApprovalResolver(mcp.ManualResolver))
	}

	s, err := session.NewSession(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	}()

	srv, err := mcp.NewServer(s,
		mcp.WithVersion(Version),
		mcp.WithLogger(logger.Slog()),
		mcp.WithRateLimit(cfg.MCP.RateLimit, cfg.MCP.Burst),
	)
	if err != nil {
		return err
	}
	logger.Slog().Info("serving MCP on stdio", "session_id", s.ID())
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func cmdHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configDir := fs.String("config-dir", "", "Directory holding agentwire.jsonc")
	dbPath := fs.String("db", "", "History database (overrides config)")
	limit := fs.Int("limit", 20, "Maximum sessions to list")
	prune := fs.Duration("prune", 0, "Delete sessions that ended longer ago than this")
	jsonOut := fs.Bool("json", false, "Print as JSON")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	path := cfg.History.Path
	if *dbPath != "" {
		path = *dbPath
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no history at %s (enable history.enabled in %s)", path, config.FileName)
	}

	store, err := history.NewStore(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if *prune > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d session(s)\n", n)
		return nil
	}

	if fs.NArg() > 0 {
		return showSession(ctx, store, fs.Arg(0), *jsonOut)
	}

	sessions, err := store.ListSessions(ctx, *limit)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(sessions)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tAGENT\tSTARTED\tWORK DIR")
	for _, rec := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.State, rec.AgentVersion, rec.StartedAt.Local().Format(time.DateTime), rec.WorkDir)
	}
	return w.Flush()
}

func showSession(ctx context.Context, store *history.Store, id string, jsonOut bool) error {
	rec, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	turns, err := store.ListTurns(ctx, id)
	if err != nil {
		return err
	}
	approvals, err := store.ListApprovals(ctx, id)
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]any{
			"session":   rec,
			"turns":     turns,
			"approvals": approvals,
		})
	}

	fmt.Printf("Session %s (%s)\n", rec.ID, rec.State)
	if rec.Error != "" {
		fmt.Printf("Error: %s\n", rec.Error)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nTURN\tSTATE\tSTEPS\tDURATION\tPROMPT")
	for _, t := range turns {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.State, t.Steps, t.EndedAt.Sub(t.StartedAt).Round(time.Millisecond), oneLine(t.Prompt, 60))
	}
	if len(approvals) > 0 {
		fmt.Fprintln(w, "\nREQUEST\tACTION\tDECISION\tSOURCE")
		for _, ap := range approvals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ap.RequestID, ap.Action, ap.Decision, ap.Source)
		}
	}
	return w.Flush()
}

func cmdSkills(args []string) error {
	if len(args) == 0 {
		return usagef("usage: agentwire skills <validate|watch> <dir>...")
	}
	switch args[0] {
	case "validate":
		return skillsValidate(args[1:])
	case "watch":
		return skillsWatch(args[1:])
	default:
		return usagef("unknown skills command %q", args[0])
	}
}

func skillsValidate(args []string) error {
	fs := flag.NewFlagSet("skills validate", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "Print results as JSON")
	strict := fs.Bool("strict", false, "Treat warnings as errors")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return usagef("skills validate needs at least one skill directory")
	}

	results := make(map[string]*skills.Result, fs.NArg())
	failed := 0
	for _, dir := range fs.Args() {
		res := skills.Validate(dir)
		results[dir] = res
		if !res.Valid || (*strict && len(res.Warnings) > 0) {
			failed++
		}
		if *jsonOut {
			continue
		}
		status := "OK"
		if !res.Valid {
			status = "INVALID"
		}
		fmt.Printf("%s: %s\n", dir, status)
		for _, e := range res.Errors {
			fmt.Printf("  error: %s\n", e)
		}
		for _, w := range res.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}
	}
	if *jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d skill(s) failed validation", failed, fs.NArg())
	}
	return nil
}

func skillsWatch(args []string) error {
	fs := flag.NewFlagSet("skills watch", flag.ExitOnError)
	configDir := fs.String("config-dir", "", "Directory holding agentwire.jsonc")
	interval := fs.Duration("interval", 0, "Poll interval (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configDir)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	dir := cfg.Skills.Dir
	if fs.NArg() > 0 {
		dir = fs.Arg(0)
	}
	if dir == "" {
		return usagef("skills watch needs a directory")
	}
	every, err := cfg.SkillsPollInterval()
	if err != nil {
		return err
	}
	if *interval > 0 {
		every = *interval
	}

	if err := logger.InitSlog(cfg.LoggerOptions()); err != nil {
		return err
	}
	defer func() { _ = logger.CloseSlog() }()

	w := skills.NewWatcher(dir, every, func(c skills.Change) {
		fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), c.Type, c.Name)
		if c.Type == skills.Deleted {
			return
		}
		if res := skills.Validate(c.Dir); !res.Valid {
			fmt.Printf("  invalid: %s\n", strings.Join(res.Errors, "; "))
		}
	}, skills.WithLogger(logger.Slog()))

	if err := w.Start(); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Watching %s every %s (%d skill(s))\n", filepath.Clean(dir), every, len(w.KnownSkills()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

func cmdTrace(args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	raw := fs.Bool("raw", false, "Print the traced lines only")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return usagef("usage: agentwire trace [--raw] <file>")
	}

	return trace.Each(fs.Arg(0), func(e trace.Entry) error {
		if *raw {
			_, err := fmt.Println(e.Line)
			return err
		}
		arrow := ">>"
		if e.Direction == trace.Received {
			arrow = "<<"
		}
		_, err := fmt.Printf("%s %s %s\n", e.Time.Local().Format("15:04:05.000"), arrow, e.Line)
		return err
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
