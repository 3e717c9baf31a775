package mcp

import (
	"encoding/json"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// NewTextResult creates a CallToolResult with text content
func NewTextResult(text string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: text},
		},
	}
}

// NewErrorResult creates a CallToolResult indicating an error
func NewErrorResult(msg string) *mcp_sdk.CallToolResult {
	return &mcp_sdk.CallToolResult{
		IsError: true,
		Content: []mcp_sdk.Content{
			&mcp_sdk.TextContent{Text: msg},
		},
	}
}

// NewJSONResult returns v as indented JSON text. Results that already are a
// CallToolResult pass through.
func NewJSONResult(v any) (*mcp_sdk.CallToolResult, error) {
	if ctr, ok := v.(*mcp_sdk.CallToolResult); ok {
		return ctr, nil
	}
	if s, ok := v.(string); ok {
		return NewTextResult(s), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}
	return NewTextResult(string(data)), nil
}
