// Package approval decides whether the agent may perform an action.
//
// gate.go - approval gate
//
// This file contains:
// - Decision and Source values
// - Gate, which resolves each request exactly once: auto-approve, standing
//   session rules, allow patterns, then an awaited resolver
// - RejectTurn, releasing the waiters of a cancelled turn
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Decision is the answer to an approval request.
type Decision string

const (
	Approve           Decision = "approve"
	ApproveForSession Decision = "approve_for_session"
	Reject            Decision = "reject"
)

// Valid reports whether d is one of the three decisions.
func (d Decision) Valid() bool {
	switch d {
	case Approve, ApproveForSession, Reject:
		return true
	}
	return false
}

// Source records which rule produced a decision.
type Source string

const (
	SourceAuto      Source = "auto"
	SourceRule      Source = "session_rule"
	SourcePattern   Source = "pattern"
	SourceResolver  Source = "resolver"
	SourceManual    Source = "manual"
	SourceDefault   Source = "default"
	SourceCancelled Source = "cancelled"
)

// Request is an approval request from the agent.
type Request = wire.ApprovalRequest

// Resolver decides a request. It may block as long as it needs; an error
// rejects the request.
type Resolver func(ctx context.Context, req Request) (Decision, error)

// Resolution is reported to the OnResolved hook.
type Resolution struct {
	Request  Request
	TurnID   string
	Decision Decision
	Source   Source
}

// Gate resolves approval requests for one session.
type Gate struct {
	autoApprove bool
	resolver    Resolver
	patterns    []string
	onResolved  func(Resolution)
	logger      *slog.Logger

	mu       sync.Mutex
	rules    map[string]bool
	pending  map[string]*waiter
	resolved map[string]Decision
}

type waiter struct {
	req    Request
	turnID string
	ch     chan Resolution
}

// Option configures a Gate.
type Option func(*Gate)

// WithAutoApprove approves every request without asking.
func WithAutoApprove(yes bool) Option {
	return func(g *Gate) { g.autoApprove = yes }
}

// WithResolver sets the function asked when no rule applies.
func WithResolver(r Resolver) Option {
	return func(g *Gate) { g.resolver = r }
}

// WithAllowPatterns approves actions matching any of the doublestar
// patterns. Invalid patterns are skipped with a warning.
func WithAllowPatterns(patterns ...string) Option {
	return func(g *Gate) { g.patterns = append(g.patterns, patterns...) }
}

// WithOnResolved observes every resolution.
func WithOnResolved(fn func(Resolution)) Option {
	return func(g *Gate) { g.onResolved = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// New creates a gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		rules:    make(map[string]bool),
		pending:  make(map[string]*waiter),
		resolved: make(map[string]Decision),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = logger.Slog()
	}

	valid := g.patterns[:0]
	for _, p := range g.patterns {
		if !doublestar.ValidatePattern(p) {
			g.logger.Warn("ignoring invalid approval pattern", "pattern", p)
			continue
		}
		valid = append(valid, p)
	}
	g.patterns = valid
	return g
}

// Submit resolves req and returns the decision. It blocks until a decision
// exists or ctx ends, which rejects the request.
func (g *Gate) Submit(ctx context.Context, turnID string, req Request) (Decision, error) {
	if req.ID == "" {
		return Reject, fmt.Errorf("approval request has no id")
	}

	if d, src, ok := g.immediate(req); ok {
		res := Resolution{Request: req, TurnID: turnID, Decision: d, Source: src}
		g.mu.Lock()
		if _, dup := g.resolved[req.ID]; dup {
			g.mu.Unlock()
			return Reject, agenterr.Wrap(agenterr.KindState, "approval", agenterr.ErrAlreadyResolved)
		}
		g.resolved[req.ID] = d
		g.mu.Unlock()
		g.report(res)
		return d, nil
	}

	w := &waiter{req: req, turnID: turnID, ch: make(chan Resolution, 1)}
	g.mu.Lock()
	if _, dup := g.resolved[req.ID]; dup {
		g.mu.Unlock()
		return Reject, agenterr.Wrap(agenterr.KindState, "approval", agenterr.ErrAlreadyResolved)
	}
	if _, dup := g.pending[req.ID]; dup {
		g.mu.Unlock()
		return Reject, agenterr.Errorf(agenterr.KindState, "approval", "approval request %q is already pending", req.ID)
	}
	g.pending[req.ID] = w
	g.mu.Unlock()

	if g.resolver == nil {
		_ = g.resolve(req.ID, Reject, SourceDefault)
	} else {
		go g.ask(ctx, req)
	}

	select {
	case res := <-w.ch:
		return res.Decision, nil
	case <-ctx.Done():
		_ = g.resolve(req.ID, Reject, SourceCancelled)
		res := <-w.ch
		return res.Decision, nil
	}
}

func (g *Gate) immediate(req Request) (Decision, Source, bool) {
	if g.autoApprove {
		return Approve, SourceAuto, true
	}

	g.mu.Lock()
	rule := g.rules[req.Action]
	g.mu.Unlock()
	if rule {
		return Approve, SourceRule, true
	}

	for _, p := range g.patterns {
		if ok, _ := doublestar.Match(p, req.Action); ok {
			return Approve, SourcePattern, true
		}
	}
	return "", "", false
}

func (g *Gate) ask(ctx context.Context, req Request) {
	d, err := g.resolver(ctx, req)
	if err != nil {
		g.logger.Warn("approval resolver failed, rejecting", "request_id", req.ID, "action", req.Action, "error", err)
		d = Reject
	}
	if !d.Valid() {
		g.logger.Warn("approval resolver returned unknown decision, rejecting", "request_id", req.ID, "decision", string(d))
		d = Reject
	}
	// Losing to Resolve or RejectTurn is expected.
	_ = g.resolve(req.ID, d, SourceResolver)
}

// Resolve answers a pending request. Each request is resolved exactly once:
// a second call returns ErrAlreadyResolved.
func (g *Gate) Resolve(id string, d Decision) error {
	if !d.Valid() {
		return agenterr.Errorf(agenterr.KindState, "approval", "unknown decision %q", d)
	}
	return g.resolve(id, d, SourceManual)
}

func (g *Gate) resolve(id string, d Decision, src Source) error {
	g.mu.Lock()
	if _, done := g.resolved[id]; done {
		g.mu.Unlock()
		return agenterr.Wrap(agenterr.KindState, "approval", agenterr.ErrAlreadyResolved)
	}
	w, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return agenterr.Wrap(agenterr.KindState, "approval", agenterr.ErrUnknownApproval)
	}
	delete(g.pending, id)
	g.resolved[id] = d
	if d == ApproveForSession && w.req.Action != "" {
		g.rules[w.req.Action] = true
	}
	g.mu.Unlock()

	res := Resolution{Request: w.req, TurnID: w.turnID, Decision: d, Source: src}
	g.report(res)
	w.ch <- res
	return nil
}

// RejectTurn rejects every pending request raised during turnID and returns
// how many there were.
func (g *Gate) RejectTurn(turnID string) int {
	g.mu.Lock()
	var ids []string
	for id, w := range g.pending {
		if w.turnID == turnID {
			ids = append(ids, id)
		}
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.resolve(id, Reject, SourceCancelled) == nil {
			n++
		}
	}
	return n
}

// RejectAll rejects every pending request.
func (g *Gate) RejectAll() int {
	g.mu.Lock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	n := 0
	for _, id := range ids {
		if g.resolve(id, Reject, SourceCancelled) == nil {
			n++
		}
	}
	return n
}

// Pending returns the unresolved requests.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.pending))
	for _, w := range g.pending {
		out = append(out, w.req)
	}
	return out
}

// HasRule reports whether action was approved for the session.
func (g *Gate) HasRule(action string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rules[action]
}

func (g *Gate) report(res Resolution) {
	metrics.RecordApproval(string(res.Decision), string(res.Source))
	g.logger.Debug("approval resolved",
		"request_id", res.Request.ID,
		"action", res.Request.Action,
		"decision", string(res.Decision),
		"source", string(res.Source),
	)
	if g.onResolved != nil {
		g.onResolved(res)
	}
}
