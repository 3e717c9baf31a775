package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/skills"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// PromptParams are the prompt tool arguments.
type PromptParams struct {
	Content        string `json:"content" jsonschema:"the user message to send to the agent"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"cancel the turn after this many seconds, 0 waits indefinitely"`
}

// PromptResult is what the prompt tool returns.
type PromptResult struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	State     string `json:"state"`
	Status    string `json:"status,omitempty"`
	Steps     int    `json:"steps"`
	Text      string `json:"text"`
	Error     string `json:"error,omitempty"`
}

// CancelParams are the cancel tool arguments.
type CancelParams struct{}

// StatusParams are the status tool arguments.
type StatusParams struct{}

// StatusResult describes the session.
type StatusResult struct {
	SessionID        string             `json:"session_id"`
	State            string             `json:"state"`
	ActiveTurn       string             `json:"active_turn,omitempty"`
	PendingApprovals []approval.Request `json:"pending_approvals"`
}

// ResolveParams are the resolve_approval tool arguments.
type ResolveParams struct {
	RequestID string `json:"request_id" jsonschema:"id of the pending approval request"`
	Decision  string `json:"decision" jsonschema:"approve, approve_for_session or reject"`
}

// ValidateSkillParams are the validate_skill tool arguments.
type ValidateSkillParams struct {
	Path string `json:"path" jsonschema:"path of the skill directory containing SKILL.md"`
}

func (s *Server) registerAllTools(r *Registry) error {
	return errors.Join(
		Register(r, ToolDef{
			Name:        "prompt",
			Description: "Send a message to the agent and wait for the turn to finish. Returns the assistant text, final status and step count.",
		}, s.handlePrompt),
		Register(r, ToolDef{
			Name:        "cancel",
			Description: "Cancel the active turn, if any.",
		}, s.handleCancel),
		Register(r, ToolDef{
			Name:        "status",
			Description: "Show the session state, the active turn and pending approval requests.",
		}, s.handleStatus),
		Register(r, ToolDef{
			Name:        "resolve_approval",
			Description: "Answer a pending approval request raised by the agent.",
		}, s.handleResolve),
		Register(r, ToolDef{
			Name:        "validate_skill",
			Description: "Validate a skill directory and report errors and warnings.",
		}, s.handleValidateSkill),
	)
}

func (s *Server) handlePrompt(ctx context.Context, params PromptParams) (any, error) {
	if strings.TrimSpace(params.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}
	if params.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("timeout_seconds must not be negative")
	}

	turn, err := s.backend.Prompt(ctx, wire.Text(params.Content))
	if err != nil {
		return nil, err
	}

	waitCtx := ctx
	if params.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(params.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	if err := turn.Wait(waitCtx); err != nil && waitCtx.Err() != nil {
		// The caller gave up; the turn must not outlive the call.
		_ = turn.Cancel(context.Background())
	}

	res := &PromptResult{
		SessionID: s.backend.ID(),
		TurnID:    turn.ID,
		State:     string(turn.State()),
		Status:    turn.Status(),
		Steps:     len(turn.Steps()),
		Text:      turn.Text(),
	}
	if err := turn.Err(); err != nil {
		res.Error = err.Error()
	}
	s.logger.InfoContext(ctx, "prompt tool finished", "turn_id", turn.ID, "state", res.State, "status", res.Status)
	return res, nil
}

func (s *Server) handleCancel(ctx context.Context, _ CancelParams) (any, error) {
	t := s.backend.Turn()
	if t == nil {
		return "No active turn", nil
	}
	if err := s.backend.Cancel(ctx); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Turn %s cancelled", t.ID), nil
}

func (s *Server) handleStatus(_ context.Context, _ StatusParams) (any, error) {
	res := &StatusResult{
		SessionID:        s.backend.ID(),
		State:            string(s.backend.State()),
		PendingApprovals: s.backend.PendingApprovals(),
	}
	if res.PendingApprovals == nil {
		res.PendingApprovals = []approval.Request{}
	}
	if t := s.backend.Turn(); t != nil {
		res.ActiveTurn = t.ID
	}
	return res, nil
}

func (s *Server) handleResolve(_ context.Context, params ResolveParams) (any, error) {
	d := approval.Decision(params.Decision)
	if !d.Valid() {
		return nil, fmt.Errorf("decision must be one of %s, %s, %s", approval.Approve, approval.ApproveForSession, approval.Reject)
	}
	if err := s.backend.Resolve(params.RequestID, d); err != nil {
		return nil, err
	}
	return fmt.Sprintf("Approval %s resolved: %s", params.RequestID, d), nil
}

func (s *Server) handleValidateSkill(_ context.Context, params ValidateSkillParams) (any, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return skills.Validate(params.Path), nil
}
