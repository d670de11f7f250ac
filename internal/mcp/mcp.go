// Package mcp exposes registration and tool execution over the Model
// Context Protocol, so MCP-compatible agents can join the mesh and invoke
// tools without speaking the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/developer-mesh/meshcore/internal/gateway"
	"github.com/developer-mesh/meshcore/internal/model"
	"github.com/developer-mesh/meshcore/internal/registry"
	"github.com/developer-mesh/meshcore/internal/session"
)

// Server wraps the MCP server around the registry and gateway.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *registry.Coordinator
	router    *session.Router
	gateway   *gateway.Gateway
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools and resources.
func New(reg *registry.Coordinator, router *session.Router, gw *gateway.Gateway, version string, logger *slog.Logger) *Server {
	s := &Server{
		registry: reg,
		router:   router,
		gateway:  gw,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"meshcore",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// HTTPHandler returns the StreamableHTTP transport for mounting on the mux.
func (s *Server) HTTPHandler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerResources() {
	// mesh://sessions — live connection bindings, for operator inspection.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"mesh://sessions",
			"Live Sessions",
			mcplib.WithResourceDescription("Currently bound connection handles and their agent identities"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessionsResource,
	)
}

func (s *Server) registerTools() {
	// mesh_register — join the mesh as an agent instance.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_register",
			mcplib.WithDescription(`Register an agent instance with the mesh and obtain a session handle.

Registration is idempotent: calling again with the same tenant, agent, and
instance identifiers refreshes the existing registration instead of failing.
The returned session_id is the handle for mesh_execute calls.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID this agent belongs to"),
				mcplib.Required(),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Logical agent identifier (alphanumeric, dots, hyphens, underscores, @)"),
				mcplib.Required(),
			),
			mcplib.WithString("instance_id",
				mcplib.Description("Identifier for this physical connection of the agent"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("Human-readable agent name"),
			),
			mcplib.WithObject("connection",
				mcplib.Description("Transport metadata for this connection; stored verbatim, never interpreted"),
			),
			mcplib.WithObject("config",
				mcplib.Description("Agent runtime configuration; omit to leave the existing configuration untouched"),
			),
		),
		s.handleRegister,
	)

	// mesh_execute — invoke a tool action through the response cache.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_execute",
			mcplib.WithDescription(`Execute a tool action through the mesh gateway.

Responses are cached per tenant: repeating an identical invocation (same
tool, action, and parameters) is served from cache without contacting the
tool provider. Use cache_ttl_seconds to bound freshness for this entry.`),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("session_id",
				mcplib.Description("Session handle returned by mesh_register"),
				mcplib.Required(),
			),
			mcplib.WithString("tool_id",
				mcplib.Description("Tool to invoke"),
				mcplib.Required(),
			),
			mcplib.WithString("action",
				mcplib.Description("Action to perform on the tool"),
				mcplib.Required(),
			),
			mcplib.WithObject("params",
				mcplib.Description("Action parameters, passed to the provider verbatim"),
			),
			mcplib.WithNumber("cache_ttl_seconds",
				mcplib.Description("Cache lifetime for this response; omit for the server default"),
				mcplib.Min(0),
			),
		),
		s.handleExecute,
	)

	// mesh_invalidate_cache — drop cached responses for a tool.
	s.mcpServer.AddTool(
		mcplib.NewTool("mesh_invalidate_cache",
			mcplib.WithDescription(`Invalidate all cached responses for a tool within a tenant.

Use after rotating the tool's credentials or changing its configuration, so
subsequent executions go back to the provider.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID"),
				mcplib.Required(),
			),
			mcplib.WithString("tool_id",
				mcplib.Description("Tool whose cache entries should be dropped"),
				mcplib.Required(),
			),
		),
		s.handleInvalidate,
	)
}

func (s *Server) handleSessionsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.router.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "mesh://sessions",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRegister(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := uuid.Parse(request.GetString("tenant_id", ""))
	if err != nil {
		return errorResult("tenant_id must be a valid UUID"), nil
	}

	args := request.GetArguments()
	connection, _ := args["connection"].(map[string]any)
	config, _ := args["config"].(map[string]any)

	res, err := s.registry.Register(ctx, model.Registration{
		TenantID:   tenantID,
		AgentID:    request.GetString("agent_id", ""),
		InstanceID: request.GetString("instance_id", ""),
		Name:       request.GetString("name", ""),
		Connection: connection,
		Config:     config,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("registration failed: %v", err)), nil
	}

	handle := uuid.NewString()
	s.router.Bind(handle, session.Identity{
		TenantID:   tenantID,
		AgentID:    res.Instance.AgentID,
		InstanceID: res.Instance.InstanceID,
	})

	data, _ := json.Marshal(map[string]any{
		"session_id":     handle,
		"created":        res.Created,
		"config_version": res.ConfigVersion,
		"instance":       res.Instance,
	})
	return textResult(string(data)), nil
}

func (s *Server) handleExecute(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	handle := request.GetString("session_id", "")
	toolID := request.GetString("tool_id", "")
	action := request.GetString("action", "")
	if handle == "" || toolID == "" || action == "" {
		return errorResult("session_id, tool_id, and action are required"), nil
	}

	params := request.GetArguments()["params"]
	paramsMap, _ := params.(map[string]any)
	ttl := time.Duration(request.GetFloat("cache_ttl_seconds", 0)) * time.Second

	res, err := s.gateway.Execute(ctx, handle, toolID, action, paramsMap, ttl)
	if err != nil {
		return errorResult(fmt.Sprintf("execute failed: %v", err)), nil
	}

	data, _ := json.Marshal(res)
	return textResult(string(data)), nil
}

func (s *Server) handleInvalidate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tenantID, err := uuid.Parse(request.GetString("tenant_id", ""))
	if err != nil {
		return errorResult("tenant_id must be a valid UUID"), nil
	}
	toolID := request.GetString("tool_id", "")
	if toolID == "" {
		return errorResult("tool_id is required"), nil
	}

	n, err := s.gateway.InvalidateCache(ctx, tenantID, toolID)
	if err != nil {
		return errorResult(fmt.Sprintf("invalidation failed: %v", err)), nil
	}

	data, _ := json.Marshal(map[string]int64{"invalidated": n})
	return textResult(string(data)), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
