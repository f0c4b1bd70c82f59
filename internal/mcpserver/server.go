package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("defiagents", "1.0.0")
	h := NewHandlers(NewClient(cfg), cfg.WalletAddress)

	s.AddTool(ToolGetCreditScore, h.HandleGetCreditScore)
	s.AddTool(ToolGetRiskHistory, h.HandleGetRiskHistory)
	s.AddTool(ToolGetAgentSettings, h.HandleGetAgentSettings)
	s.AddTool(ToolUpdateAgentSettings, h.HandleUpdateAgentSettings)
	s.AddTool(ToolToggleAgent, h.HandleToggleAgent)
	s.AddTool(ToolRunAgentAction, h.HandleRunAgentAction)
	s.AddTool(ToolListAgentActions, h.HandleListAgentActions)
	s.AddTool(ToolGetAgentAnalytics, h.HandleGetAgentAnalytics)
	s.AddTool(ToolGetPositions, h.HandleGetPositions)

	return s
}
