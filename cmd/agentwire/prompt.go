package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/session"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

func cmdPrompt(args []string) error {
	fs := flag.NewFlagSet("prompt", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	yes := fs.Bool("yes", false, "Approve every action without asking")
	jsonOut := fs.Bool("json", false, "Print events as JSON lines instead of text")
	resume := fs.String("session", "", "Resume this agent session id")
	timeout := fs.Duration("timeout", 0, "Cancel the turn after this long (0 = no limit)")
	_ = fs.Parse(args)

	text := joinArgs(fs.Args())
	if text == "" {
		return usagef("prompt needs a message, e.g. agentwire prompt \"explain main.go\"")
	}

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
	if *resume != "" {
		opts = append(opts, session.WithSession(*resume))
	}
	switch {
	case *yes && !cfg.Approval.AutoApprove:
		opts = append(opts, session.WithAutoApprove())
	case !*yes && !cfg.Approval.AutoApprove:
		opts = append(opts, session.WithApprovalResolver(newTerminalResolver(os.Stdin, os.Stderr).Resolve))
	}

	turn, err := session.Prompt(ctx, wire.Text(text), opts...)
	if err != nil {
		return err
	}
	defer func() { _ = turn.Close() }()

	streamCtx := ctx
	if *timeout > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	if err := printTurn(streamCtx, turn, os.Stdout, *jsonOut); err != nil {
		if streamCtx.Err() != nil {
			_ = turn.Cancel(context.Background())
			return fmt.Errorf("turn %s cancelled: %w", turn.ID, context.Cause(streamCtx))
		}
		return err
	}
	return nil
}

func cmdChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	yes := fs.Bool("yes", false, "Approve every action without asking")
	resume := fs.String("session", "", "Resume this agent session id")
	_ = fs.Parse(args)

	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	a, err := setup(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	in := bufio.NewReader(os.Stdin)
	opts := a.opts
	if *resume != "" {
		opts = append(opts, session.WithSession(*resume))
	}
	if *yes {
		opts = append(opts, session.WithAutoApprove())
	} else if !cfg.Approval.AutoApprove {
		opts = append(opts, session.WithApprovalResolver((&terminalResolver{in: in, out: os.Stderr}).Resolve))
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

	neg := s.Negotiated()
	fmt.Fprintf(os.Stderr, "session %s (agent %s, protocol %s). Ctrl-C cancels a turn, /exit quits.\n",
		s.ID(), neg.AgentVersion, neg.ProtocolVersion)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	for {
		fmt.Fprint(os.Stderr, "> ")
		line, err := in.ReadString('\n')
		line = strings.TrimSpace(line)
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				fmt.Fprintln(os.Stderr)
				return nil
			}
			return err
		}
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		turn, err := s.Prompt(ctx, wire.Text(line))
		if err != nil {
			if agenterr.IsSessionFatal(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}

		turnDone := make(chan struct{})
		go func() {
			select {
			case <-sigs:
				_ = turn.Cancel(context.Background())
			case <-turnDone:
			}
		}()

		err = printTurn(ctx, turn, os.Stdout, false)
		close(turnDone)
		switch {
		case errors.Is(err, agenterr.ErrCancelled):
			fmt.Fprintln(os.Stderr, "\n[cancelled]")
		case err != nil:
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
			if s.State() == session.StateClosed {
				return err
			}
		}
	}
}

// printTurn streams a turn's text to w, or every event as a JSON line.
// It returns the turn's error, nil when it completed.
func printTurn(ctx context.Context, turn *session.Turn, w io.Writer, jsonOut bool) error {
	bw := bufio.NewWriter(w)
	defer func() { _ = bw.Flush() }()
	enc := json.NewEncoder(bw)

	endsWithNewline := true
	for ev, err := range turn.All(ctx) {
		if err != nil {
			return err
		}
		if jsonOut {
			if err := enc.Encode(ev); err != nil {
				return err
			}
			_ = bw.Flush()
			continue
		}

		switch ev.Type {
		case wire.EventContent:
			var part wire.ContentPart
			if json.Unmarshal(ev.Payload, &part) != nil || part.Type != wire.PartText {
				continue
			}
			_, _ = bw.WriteString(part.Text)
			if part.Text != "" {
				endsWithNewline = strings.HasSuffix(part.Text, "\n")
			}
			_ = bw.Flush()
		case wire.EventStepInterrupted:
			fmt.Fprintln(os.Stderr, "[step interrupted]")
		}
	}
	if !jsonOut && !endsWithNewline {
		_, _ = bw.WriteString("\n")
	}
	return nil
}

// terminalResolver asks on the terminal. One question is asked at a time.
type terminalResolver struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalResolver(in io.Reader, out io.Writer) *terminalResolver {
	return &terminalResolver{in: bufio.NewReader(in), out: out}
}

// Resolve implements approval.Resolver.
func (r *terminalResolver) Resolve(ctx context.Context, req approval.Request) (approval.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return approval.Reject, err
	}

	fmt.Fprintf(r.out, "\n[approval] %s wants to: %s\n", req.Sender, req.Action)
	if req.Description != "" {
		fmt.Fprintf(r.out, "  %s\n", req.Description)
	}
	fmt.Fprint(r.out, "Approve? [y]es / [s]ession / [N]o: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := r.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(r.out, "\n[approval withdrawn]")
		return approval.Reject, ctx.Err()
	case a := <-ch:
		if a.err != nil && strings.TrimSpace(a.line) == "" {
			return approval.Reject, a.err
		}
		return parseAnswer(a.line), nil
	}
}

func parseAnswer(line string) approval.Decision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return approval.Approve
	case "s", "session", "always":
		return approval.ApproveForSession
	default:
		return approval.Reject
	}
}
