package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Ringlock operator
// tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("ringlock", "1.0.0")
	client := NewRinglockClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListSessions, h.HandleListSessions)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolListStuckPayments, h.HandleListStuckPayments)
	s.AddTool(ToolResolvePayment, h.HandleResolvePayment)
	s.AddTool(ToolListCallees, h.HandleListCallees)

	return s
}
