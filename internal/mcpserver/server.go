package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Clearhold tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("clearhold", "0.1.0")
	client := NewClearholdClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolGetEscrowEvents, h.HandleGetEscrowEvents)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolAcceptEscrow, h.HandleAcceptEscrow)
	s.AddTool(ToolDeclineEscrow, h.HandleDeclineEscrow)
	s.AddTool(ToolApproveRelease, h.HandleApproveRelease)
	s.AddTool(ToolRequestCancel, h.HandleRequestCancel)
	s.AddTool(ToolCheckDeploy, h.HandleCheckDeploy)
	s.AddTool(ToolSyncEscrow, h.HandleSyncEscrow)
	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)

	return s
}
