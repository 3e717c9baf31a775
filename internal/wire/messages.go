package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the wire protocol version this client speaks.
const ProtocolVersion = "1.1"

// Methods sent by the client.
const (
	MethodInitialize = "initialize"
	MethodPrompt     = "prompt"
	MethodCancel     = "cancel"
)

// Methods sent by the agent.
const (
	MethodEvent   = "event"
	MethodRequest = "request"
)

// ClientInfo identifies this client during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is sent with the initialize request.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocol_version"`
	SessionID       string     `json:"session_id"`
	WorkDir         string     `json:"work_dir,omitempty"`
	Client          ClientInfo `json:"client"`
}

// AgentInfo identifies the agent.
type AgentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the negotiated capability metadata.
type Capabilities struct {
	Extensions  []string `json:"extensions,omitempty"`
	MinProtocol string   `json:"min_protocol,omitempty"`
	MaxProtocol string   `json:"max_protocol,omitempty"`
}

// InitializeResult is the handshake response.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocol_version"`
	Agent           AgentInfo    `json:"agent"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InfoResult is printed by `<agent> info --json`.
type InfoResult struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocol_version"`
}

// Content part types.
const (
	PartText       = "text"
	PartThink      = "think"
	PartImageURL   = "image_url"
	PartAttachment = "attachment"
)

// ContentPart is one piece of user or assistant content.
type ContentPart struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Think     string `json:"think,omitempty"`
	URL       string `json:"url,omitempty"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Content is an ordered list of parts.
type Content []ContentPart

// Text builds text-only content.
func Text(s string) Content {
	return Content{{Type: PartText, Text: s}}
}

// String concatenates the text parts.
func (c Content) String() string {
	var b strings.Builder
	for _, p := range c {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// HasAttachment reports whether a part announces a streamed attachment.
func (c Content) HasAttachment() bool {
	for _, p := range c {
		if p.Type == PartAttachment {
			return true
		}
	}
	return false
}

// PromptParams is sent with the prompt request.
type PromptParams struct {
	UserInput Content `json:"user_input"`
}

// Prompt completion statuses.
const (
	PromptFinished  = "finished"
	PromptCancelled = "cancelled"
	PromptMaxSteps  = "max_steps_reached"
)

// PromptResult is the final response to a prompt.
type PromptResult struct {
	Status string `json:"status"`
}

// EventType tags an event notification.
type EventType string

const (
	EventTurnBegin       EventType = "turn_begin"
	EventStepBegin       EventType = "step_begin"
	EventStepInterrupted EventType = "step_interrupted"
	EventContent         EventType = "content"
	EventToolCall        EventType = "tool_call"
	EventToolResult      EventType = "tool_result"
	EventStatus          EventType = "status"
	EventApprovalRequest EventType = "approval_request"
	EventTurnEnd         EventType = "turn_end"

	// EventStreamData is synthesized locally from stream frames routed to a turn.
	EventStreamData EventType = "stream_data"
)

// Event is the params of an event notification.
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an event.
func NewEvent(t EventType, payload any) (Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// StepBegin opens step N of a turn.
type StepBegin struct {
	N int `json:"n"`
}

// ToolCall is a tool invocation by the agent.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// StatusUpdate reports agent-side progress.
type StatusUpdate struct {
	ContextUsage float64 `json:"context_usage,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// Request types carried by the agent's request method.
const (
	RequestApproval = "approval"
)

// RequestParams is the params of an agent request.
type RequestParams struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ApprovalRequest asks the client to authorize an action.
type ApprovalRequest struct {
	ID          string            `json:"id"`
	ToolCallID  string            `json:"tool_call_id"`
	Sender      string            `json:"sender"`
	Action      string            `json:"action"`
	Description string            `json:"description"`
	Display     []json.RawMessage `json:"display,omitempty"`
}

// ApprovalResponse answers an ApprovalRequest.
type ApprovalResponse struct {
	RequestID string `json:"request_id"`
	Response  string `json:"response"`
}
