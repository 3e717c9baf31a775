// Package mcp exposes a session as an MCP server.
//
// server.go - MCP server setup
//
// This file contains:
// - Backend, the session surface the tools drive
// - Server, which registers the tools and serves them over stdio
// - ManualResolver for approvals answered through resolve_approval
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentwire/internal/approval"
	"github.com/HyphaGroup/agentwire/internal/session"
	"github.com/HyphaGroup/agentwire/internal/wire"
)

// Backend is the session the tools act on. *session.Session implements it.
type Backend interface {
	ID() string
	State() session.State
	Turn() *session.Turn
	Prompt(ctx context.Context, content wire.Content, opts ...session.PromptOption) (*session.Turn, error)
	Cancel(ctx context.Context) error
	PendingApprovals() []approval.Request
	Resolve(requestID string, d approval.Decision) error
}

var _ Backend = (*session.Session)(nil)

// Server wraps the MCP server with the session backend
type Server struct {
	backend   Backend
	registry  *Registry
	mcpServer *mcp_sdk.Server
	logger    *slog.Logger
	version   string
	limiter   *RateLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithRateLimit limits calls to each tool to callsPerSecond with the
// given burst. A non-positive rate leaves calls unlimited.
func WithRateLimit(callsPerSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if callsPerSecond > 0 {
			s.limiter = NewRateLimiter(callsPerSecond, burst)
		}
	}
}

// NewServer creates a new MCP server instance
func NewServer(backend Backend, opts ...ServerOption) (*Server, error) {
	s := &Server{
		backend:  backend,
		registry: NewRegistry(),
		logger:   slog.Default(),
		version:  session.ClientVersion,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.registerAllTools(s.registry); err != nil {
		return nil, err
	}

	s.mcpServer = mcp_sdk.NewServer(&mcp_sdk.Implementation{
		Name:    session.ClientName,
		Version: s.version,
	}, nil)
	s.registry.SetRateLimiter(s.limiter)
	s.registry.RegisterWithMCPServer(s.mcpServer)
	return s, nil
}

// Registry returns the tool registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run serves MCP over stdin/stdout until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &mcp_sdk.StdioTransport{})
}

// Serve serves MCP over t.
func (s *Server) Serve(ctx context.Context, t mcp_sdk.Transport) error {
	s.logger.Info("mcp server starting", "session_id", s.backend.ID(), "tools", len(s.registry.GetAllTools()))
	if err := s.mcpServer.Run(ctx, t); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	s.logger.Info("mcp server stopped")
	return nil
}

// Connect starts a single MCP session over t without blocking.
func (s *Server) Connect(ctx context.Context, t mcp_sdk.Transport) (*mcp_sdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// ManualResolver leaves approvals pending until a resolve_approval call or
// the end of the turn.
func ManualResolver(ctx context.Context, _ approval.Request) (approval.Decision, error) {
	<-ctx.Done()
	return approval.Reject, ctx.Err()
}
