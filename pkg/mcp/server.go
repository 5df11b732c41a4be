package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rmax-ai/streamguard/pkg/client"
	"github.com/rmax-ai/streamguard/pkg/provider"
)

// Server adapts streamguard-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance backed by the daemon at apiURL.
func NewServer(apiURL string, opts ...client.Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"streamguard",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL, opts...),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		"streamguard://stats",
		"Request Queue Stats",
		mcp.WithResourceDescription("Counts of pending, active, completed, failed and cancelled requests"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadStats)

	s.mcpServer.AddResource(mcp.NewResource(
		"streamguard://providers",
		"Provider Rate Limits",
		mcp.WithResourceDescription("Last known rate-limit state and wait time per provider"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadProviders)
}

// --- Tools ---

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool(
		"get_wait_time",
		mcp.WithDescription("How long to wait before calling a provider. Returns wait_ms and a reason."),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Provider ID (e.g., 'openai')")),
	), s.handleGetWaitTime)

	s.mcpServer.AddTool(mcp.NewTool(
		"request_status",
		mcp.WithDescription("Status and buffered output of a queued request"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request ID returned on enqueue")),
	), s.handleRequestStatus)

	s.mcpServer.AddTool(mcp.NewTool(
		"cancel_request",
		mcp.WithDescription("Cancel a pending or active request"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request ID returned on enqueue")),
	), s.handleCancelRequest)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"streamguard-aware",
		mcp.WithPromptDescription("Explains streamguard concepts (providers, wait times, queued requests)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadStats(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	stats, err := s.apiClient.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}
	return jsonResource(request.Params.URI, stats)
}

func (s *Server) handleReadProviders(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	providers, err := s.apiClient.Providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch providers: %w", err)
	}
	return jsonResource(request.Params.URI, providers)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetWaitTime(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pid := mcp.ParseString(request, "provider", "")
	if pid == "" {
		return mcp.NewToolResultError("provider is required"), nil
	}

	wt, err := s.apiClient.WaitTime(ctx, provider.ProviderID(pid))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if wt.Ready {
		return mcp.NewToolResultText(fmt.Sprintf("Provider %s is ready.", pid)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wait %dms before calling %s (reason: %s).", wt.WaitMs, pid, wt.Reason)), nil
}

func (s *Server) handleRequestStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	resp, err := s.apiClient.Request(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	msg := fmt.Sprintf("Request %s: %s (attempts: %d)", resp.ID, resp.Status, resp.Attempts)
	if resp.Error != "" {
		msg += "\nError: " + resp.Error
	}
	if resp.Output != "" {
		msg += "\nOutput: " + resp.Output
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleCancelRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "id", "")
	if id == "" {
		return mcp.NewToolResultError("id is required"), nil
	}

	resp, err := s.apiClient.Cancel(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Request %s: %s", resp.ID, resp.Status)), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "streamguard-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are working behind streamguard, a resiliency layer for AI provider calls.

Concepts:
- Provider: an upstream AI API (e.g., 'openai') with its own rate limits.
- Wait time: how long until the provider accepts another call; 0 means ready.
- Request: a queued call with a priority (low, normal, high). It is retried
  with backoff on rate limits and recovered if its stream breaks.

Before calling a provider directly, use the 'get_wait_time' tool and honor the wait.
Use 'request_status' to follow a queued request and 'cancel_request' to abandon it.
`

	return mcp.NewGetPromptResult(
		"streamguard-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
