package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentwire/internal/metrics"
)

// ToolHandler is a function that handles a tool call
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

// ToolDef defines a tool with all metadata
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

type tool struct {
	def      ToolDef
	resolved *jsonschema.Resolved
	handler  ToolHandler
}

// Registry stores tool definitions and handlers
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*tool
	order   []string // preserve registration order
	limiter *RateLimiter
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*tool),
	}
}

// Register adds a tool with its handler to the registry. The input schema
// is inferred from P when def has none.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, params P) (any, error)) error {
	if def.InputSchema == nil {
		schema, err := jsonschema.For[P](nil)
		if err != nil {
			return fmt.Errorf("tool %s: inferring schema: %w", def.Name, err)
		}
		def.InputSchema = schema
	}
	resolved, err := def.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolving schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = &tool{def: def, resolved: resolved, handler: wrapHandler(handler)}
	r.order = append(r.order, def.Name)
	return nil
}

// SetRateLimiter limits calls made through the MCP server. nil removes
// the limit.
func (r *Registry) SetRateLimiter(l *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = l
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return &t.def, true
}

// GetAllTools returns all tool definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, &r.tools[name].def)
	}
	return tools
}

// CallTool validates the JSON arguments against the tool's schema and runs
// its handler.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}

	if err := validateArgs(t.resolved, args); err != nil {
		return nil, err
	}
	return t.handler(ctx, args)
}

func validateArgs(resolved *jsonschema.Resolved, args json.RawMessage) error {
	instance := map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &instance); err != nil {
			return fmt.Errorf("invalid parameters: %w", err)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// RegisterWithMCPServer registers all tools with an MCP SDK server
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		t := r.tools[name]

		sdkTool := &mcp_sdk.Tool{
			Name:        name,
			Description: t.def.Description,
			InputSchema: t.def.InputSchema,
		}

		toolName := name
		sdkHandler := func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			if r.limiter != nil && !r.limiter.Allow(toolName) {
				metrics.RecordToolCall(toolName, false)
				return NewErrorResult(fmt.Sprintf("rate limit exceeded for %s", toolName)), nil
			}
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := r.CallTool(ctx, toolName, args)
			if err != nil {
				metrics.RecordToolCall(toolName, false)
				return NewErrorResult(err.Error()), nil
			}
			metrics.RecordToolCall(toolName, true)
			return NewJSONResult(result)
		}

		server.AddTool(sdkTool, sdkHandler)
	}
}

// wrapHandler wraps a typed handler into a ToolHandler
func wrapHandler[P any](handler func(ctx context.Context, params P) (any, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		var params P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		return handler(ctx, params)
	}
}
