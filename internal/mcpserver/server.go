package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Insightgate tools
// registered. Returns an error when the payment key in cfg is unusable.
func NewMCPServer(cfg Config) (*server.MCPServer, error) {
	client, err := NewInsightClient(cfg)
	if err != nil {
		return nil, err
	}
	h := NewHandlers(client)

	s := server.NewMCPServer("insightgate", "1.0.0")
	s.AddTool(ToolQueryInsight, h.HandleQueryInsight)
	s.AddTool(ToolGetQuote, h.HandleGetQuote)
	s.AddTool(ToolGetPricing, h.HandleGetPricing)
	s.AddTool(ToolCheckGateway, h.HandleCheckGateway)

	return s, nil
}
