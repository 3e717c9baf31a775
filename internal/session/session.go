// Package session runs conversations with the agent: one session per agent
// process, at most one active turn per session.
//
// session.go - session lifecycle
//
// This file contains:
// - State and the Session state machine (Uninitialized, Ready, Closed)
// - Open, Prompt, Cancel and Close
// - the inbound handler that routes events and approval requests to the
//   active turn
// - exit and anomaly handling: a dead process closes the session, a protocol
//   violation only fails the active turn
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/agentwire/internal/agenterr"
	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/logger"
	"github.com/HyphaGroup/agentwire/internal/metrics"
	"github.com/HyphaGroup/agentwire/internal/rpc"
	"github.com/HyphaGroup/agentwire/internal/stream"
	"github.com/HyphaGroup/agentwire/internal/transport"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// ClientName and ClientVersion identify this client in the handshake.
var (
	ClientName    = "agentwire"
	ClientVersion = "dev"
)

const recordTimeout = 5 * time.Second

// State is the lifecycle state of a session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateClosed        State = "closed"
)

// Session is one conversation with one agent process.
type Session struct {
	id        string
	opts      option
	gate      *approval.Gate
	transport *transport.Transport
	logger    *slog.Logger
	records   *recordQueue // nil without a recorder

	mu        sync.Mutex
	state     State
	opened    bool
	conn      *rpc.Conn
	neg       transport.Negotiated
	turn      *Turn
	lastCall  *rpc.Call
	err       error
	startedAt time.Time

	closeOnce sync.Once
	closeErr  error
}

// New creates a session. Open starts the agent.
func New(opts ...Option) *Session {
	o := option{
		exec:   transport.DefaultExecutable,
		settle: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.settle <= 0 {
		o.settle = DefaultSettleTimeout
	}
	if o.logger == nil {
		o.logger = logger.Slog()
	}

	id := o.resume
	if id == "" {
		id = uuid.New().String()
	}

	s := &Session{
		id:     id,
		opts:   o,
		logger: o.logger.With("session_id", id),
		state:  StateUninitialized,
	}

	gateOpts := []approval.Option{
		approval.WithAutoApprove(o.autoApprove),
		approval.WithAllowPatterns(o.patterns...),
		approval.WithLogger(s.logger),
		approval.WithOnResolved(s.onApproval),
	}
	if o.resolver != nil {
		gateOpts = append(gateOpts, approval.WithResolver(o.resolver))
	}
	s.gate = approval.New(gateOpts...)
	if o.recorder != nil {
		s.records = newRecordQueue(o.recorder, s.logger, recordTimeout)
	}

	cfg := transport.Config{
		Executable:  o.exec,
		BaseArgs:    o.baseArgs,
		Args:        o.args,
		Env:         o.envs,
		WorkDir:     o.workDir,
		SessionID:   id,
		Client:      wire.ClientInfo{Name: ClientName, Version: ClientVersion},
		MinVersion:  o.minVersion,
		MinProtocol: o.minProtocol,
		SkipInfo:    o.skipInfo,
		GracePeriod: o.grace,
	}
	s.transport = transport.New(cfg, o.launcher, handler{s: s},
		rpc.WithLogger(s.logger),
		rpc.WithAnomalyHandler(s.onAnomaly),
		rpc.WithTap(o.tap),
		rpc.WithMaxPendingFrames(o.maxPending),
	)
	return s
}

// NewSession creates a session and opens it.
func NewSession(ctx context.Context, opts ...Option) (*Session, error) {
	s := New(opts...)
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session closed on its own, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Negotiated returns the versions and capabilities from the handshake.
func (s *Session) Negotiated() transport.Negotiated {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.neg
}

// Turn returns the active turn, or nil.
func (s *Session) Turn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// PendingApprovals returns the approval requests awaiting a decision.
func (s *Session) PendingApprovals() []approval.Request {
	return s.gate.Pending()
}

// Resolve answers a pending approval request.
func (s *Session) Resolve(requestID string, d approval.Decision) error {
	return s.gate.Resolve(requestID, d)
}

// Open starts the agent and performs the handshake. Any failure closes the
// session.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return agenterr.Errorf(agenterr.KindState, "open", "session already open")
	case StateClosed:
		s.mu.Unlock()
		return agenterr.ErrSessionClosed
	}
	s.mu.Unlock()

	h, err := s.transport.Start(ctx)
	if err != nil {
		s.markClosed(err)
		s.logger.Warn("session failed to open", "error", err)
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// Closed while starting.
		s.mu.Unlock()
		_ = s.transport.Stop(context.Background())
		return agenterr.ErrSessionClosed
	}
	s.state = StateReady
	s.opened = true
	s.conn = h.Conn
	s.neg = h.Negotiated
	s.startedAt = time.Now()
	s.mu.Unlock()

	metrics.RecordSessionStart()
	s.record(func(ctx context.Context, r Recorder) error {
		return r.RecordSession(ctx, s.sessionRecord())
	})
	go s.watchTransport()

	s.logger.Info("session ready",
		"agent_version", h.Negotiated.AgentVersion,
		"protocol_version", h.Negotiated.ProtocolVersion,
	)
	return nil
}

// PromptOption configures a single prompt.
type PromptOption func(*promptOptions)

type promptOptions struct {
	attachment *stream.Outbound
}

// WithAttachment streams out to the agent under the prompt id. The content
// should carry an attachment part announcing it.
func WithAttachment(out *stream.Outbound) PromptOption {
	return func(o *promptOptions) { o.attachment = out }
}

// Prompt sends content and returns the new turn without waiting for it. It
// fails with a state error while another turn is active or when the session
// is not ready.
func (s *Session) Prompt(ctx context.Context, content wire.Content, opts ...PromptOption) (*Turn, error) {
	var po promptOptions
	for _, opt := range opts {
		opt(&po)
	}

	if err := s.checkPrompt(); err != nil {
		return nil, err
	}

	// A cancelled prompt may still be running remotely; its late events must
	// not land in the new turn.
	s.mu.Lock()
	last := s.lastCall
	s.mu.Unlock()
	if last != nil {
		timer := time.NewTimer(s.opts.settle)
		select {
		case <-last.Done():
		case <-timer.C:
			s.logger.Warn("previous prompt did not settle, continuing", "call_id", last.ID)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}

	t := newTurn(s, content)
	s.mu.Lock()
	if err := s.checkPromptLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.turn = t
	conn := s.conn
	s.mu.Unlock()

	call, err := conn.Go(wire.MethodPrompt, promptParams{
		PromptParams: wire.PromptParams{UserInput: content},
		in:           t.inbound,
		out:          po.attachment,
	})
	if err != nil {
		err = agenterr.Wrap(agenterr.KindTransport, "prompt", err)
		s.finishTurn(t, TurnFailed, "", err)
		return nil, err
	}

	s.mu.Lock()
	s.lastCall = call
	s.mu.Unlock()

	go t.pump()
	if !t.setCall(call) {
		// Cancelled before the call existed.
		conn.Mux().Release(call.ID)
	}
	go s.runTurn(t, call)

	s.logger.Debug("prompt sent", "turn_id", t.ID, "call_id", call.ID)
	return t, nil
}

func (s *Session) checkPrompt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkPromptLocked()
}

func (s *Session) checkPromptLocked() error {
	switch s.state {
	case StateUninitialized:
		return agenterr.ErrNotReady
	case StateClosed:
		return agenterr.ErrSessionClosed
	}
	if s.turn != nil {
		return agenterr.ErrTurnActive
	}
	return nil
}

// runTurn finalizes t once the prompt call returns.
func (s *Session) runTurn(t *Turn, call *rpc.Call) {
	<-call.Done()
	mux := s.conn.Mux()

	var res wire.PromptResult
	err := call.Result(&res)
	if err == nil {
		// Drain frames that arrived before the response, then end the stream.
		mux.Finish(call.ID)
		select {
		case <-t.pumpDone:
		case <-time.After(s.opts.settle):
			s.logger.Warn("turn stream did not drain", "turn_id", t.ID)
		}
		mux.Release(call.ID)
		s.finishTurn(t, TurnCompleted, res.Status, nil)
		return
	}

	mux.Release(call.ID)
	if agenterr.IsSessionFatal(err) {
		// The read loop may notice the dead pipe before the exit is known.
		select {
		case <-s.transport.Done():
			if terr := s.transport.Err(); terr != nil {
				err = terr
			}
		case <-time.After(s.opts.settle):
		}
	} else {
		err = agenterr.Wrap(agenterr.KindProtocol, "prompt", err)
	}
	s.finishTurn(t, TurnFailed, "", err)
}

// Cancel cancels the active turn: it is Cancelled locally at once, its
// pending approvals are rejected and cancel is sent without waiting for the
// agent. Without an active turn Cancel does nothing.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()
	if t == nil {
		return nil
	}
	return s.cancelTurn(ctx, t)
}

func (s *Session) cancelTurn(ctx context.Context, t *Turn) error {
	if !s.finishTurn(t, TurnCancelled, wire.PromptCancelled, agenterr.ErrCancelled) {
		return nil
	}
	n := s.gate.RejectTurn(t.ID)
	s.abandon(t)
	s.logger.DebugContext(ctx, "turn cancelled", "turn_id", t.ID, "rejected_approvals", n)
	return nil
}

// abandon stops routing the turn's stream and asks the agent to stop it.
func (s *Session) abandon(t *Turn) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if call := t.getCall(); call != nil {
		conn.Mux().Release(call.ID)
	}
	// The read loop may be the caller; never block it on a write.
	go func() {
		if _, err := conn.Go(wire.MethodCancel, struct{}{}); err != nil {
			s.logger.Debug("failed to send cancel", "turn_id", t.ID, "error", err)
		}
	}()
}

// finishTurn applies a terminal transition and detaches the turn under one
// lock, so a Prompt issued right after Next returns never sees it active.
func (s *Session) finishTurn(t *Turn, state TurnState, status string, err error) bool {
	s.mu.Lock()
	ok := t.transition(state, status, err)
	if ok && s.turn == t {
		s.turn = nil
	}
	s.mu.Unlock()
	if ok {
		s.endTurn(t)
	}
	return ok
}

// endTurn runs once per turn, after its terminal transition.
func (s *Session) endTurn(t *Turn) {
	rec := t.record(s.id)
	metrics.RecordTurn(string(rec.State), rec.EndedAt.Sub(rec.StartedAt).Seconds())
	s.logger.Debug("turn ended", "turn_id", t.ID, "state", string(rec.State), "status", rec.Status, "steps", rec.Steps)
	s.record(func(ctx context.Context, r Recorder) error {
		return r.RecordTurn(ctx, rec)
	})
}

// Close cancels any active turn, waits for in-flight calls to settle, stops
// the agent and marks the session Closed, then waits for queued history
// writes. It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closeErr = s.close(ctx)
	})
	if s.records != nil {
		if err := s.records.flush(ctx); err != nil {
			s.logger.Warn("history writes still pending at close", "error", err)
		}
	}
	return s.closeErr
}

func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	t := s.turn
	conn := s.conn
	opened := s.opened
	s.mu.Unlock()

	if !opened {
		s.markClosed(nil)
		return nil
	}

	if t != nil {
		_ = s.cancelTurn(ctx, t)
	}
	s.gate.RejectAll()

	s.mu.Lock()
	last := s.lastCall
	s.mu.Unlock()

	settleCtx, cancel := context.WithTimeout(ctx, s.opts.settle)
	if last != nil {
		select {
		case <-last.Done():
		case <-settleCtx.Done():
		}
	}
	if conn != nil {
		_ = conn.Settle(settleCtx)
	}
	cancel()

	err := s.transport.Stop(ctx)
	s.markClosed(nil)
	if err != nil {
		s.logger.Warn("agent did not stop cleanly", "error", err)
	}
	return err
}

// markClosed moves the session to Closed once. err is the cause when the
// session died on its own.
func (s *Session) markClosed(err error) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	if err != nil && s.err == nil {
		s.err = err
	}
	opened := s.opened
	s.mu.Unlock()

	if opened {
		metrics.RecordSessionEnd()
		s.record(func(ctx context.Context, r Recorder) error {
			return r.UpdateSession(ctx, s.sessionRecord())
		})
		s.logger.Info("session closed", "error", err)
	}
	return true
}

// watchTransport closes the session when the agent exits on its own.
func (s *Session) watchTransport() {
	<-s.transport.Done()
	err := s.transport.Err()
	if err == nil {
		return
	}

	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()

	s.markClosed(err)
	if t != nil {
		s.finishTurn(t, TurnFailed, "", err)
	}
	s.gate.RejectAll()
}

func (s *Session) onAnomaly(a wire.Anomaly) {
	switch a.Kind {
	case wire.AnomalyMalformed, wire.AnomalyCollision:
	default:
		return
	}

	s.mu.Lock()
	t := s.turn
	s.mu.Unlock()
	if t == nil {
		return
	}

	err := a.Err
	if err == nil {
		err = fmt.Errorf("%s: %s", a.Kind, a.Line)
	}
	err = agenterr.Wrap(agenterr.KindProtocol, "turn", err)
	if s.finishTurn(t, TurnFailed, "", err) {
		s.gate.RejectTurn(t.ID)
		s.abandon(t)
	}
}

func (s *Session) onApproval(res approval.Resolution) {
	rec := ApprovalRecord{
		RequestID:  res.Request.ID,
		SessionID:  s.id,
		TurnID:     res.TurnID,
		Sender:     res.Request.Sender,
		Action:     res.Request.Action,
		Decision:   string(res.Decision),
		Source:     string(res.Source),
		ResolvedAt: time.Now(),
	}
	s.record(func(ctx context.Context, r Recorder) error {
		return r.RecordApproval(ctx, rec)
	})
}

func (s *Session) sessionRecord() SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := SessionRecord{
		ID:              s.id,
		WorkDir:         s.opts.workDir,
		AgentVersion:    s.neg.AgentVersion,
		ProtocolVersion: s.neg.ProtocolVersion,
		State:           s.state,
		StartedAt:       s.startedAt,
	}
	if s.err != nil {
		rec.Error = s.err.Error()
	}
	if s.state == StateClosed {
		now := time.Now()
		rec.EndedAt = &now
	}
	return rec
}

// record queues a history write. It never blocks on the recorder.
func (s *Session) record(fn recordFunc) {
	if s.records == nil {
		return
	}
	s.records.push(fn)
}

func (s *Session) currentTurn() *Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// handler routes the agent's inbound calls to the session.
type handler struct {
	s *Session
}

func (h handler) HandleEvent(_ context.Context, ev wire.Event) {
	t := h.s.currentTurn()
	if t == nil || !t.push(ev) {
		h.s.logger.Debug("dropping event outside a turn", "type", string(ev.Type))
	}
}

func (h handler) HandleRequest(ctx context.Context, id wire.ID, req wire.RequestParams) (any, error) {
	if req.Type != wire.RequestApproval {
		return nil, fmt.Errorf("unsupported request type %q", req.Type)
	}
	var ar wire.ApprovalRequest
	if err := json.Unmarshal(req.Payload, &ar); err != nil {
		return nil, agenterr.Wrap(agenterr.KindProtocol, "approval", err)
	}
	if ar.ID == "" {
		ar.ID = string(id)
	}

	t := h.s.currentTurn()
	if t == nil {
		h.s.logger.Debug("rejecting approval outside a turn", "request_id", ar.ID, "action", ar.Action)
		metrics.RecordApproval(string(approval.Reject), string(approval.SourceCancelled))
		return wire.ApprovalResponse{RequestID: ar.ID, Response: string(approval.Reject)}, nil
	}
	if ev, err := wire.NewEvent(wire.EventApprovalRequest, ar); err == nil {
		t.push(ev)
	}

	// A request still waiting when its turn ends is rejected.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	d, err := h.s.gate.Submit(ctx, t.ID, ar)
	if err != nil {
		return nil, err
	}
	return wire.ApprovalResponse{RequestID: ar.ID, Response: string(d)}, nil
}
