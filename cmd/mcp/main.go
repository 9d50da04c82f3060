// Insightgate MCP Server - Lets LLMs buy market insights as MCP tools
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/marketbrief/insightgate/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:     envOrDefault("INSIGHTGATE_API_URL", "http://localhost:8080"),
		PrivateKey: os.Getenv("INSIGHTGATE_PRIVATE_KEY"),
		MaxPayment: os.Getenv("INSIGHTGATE_MAX_PAYMENT"),
	}

	if cfg.PrivateKey == "" {
		fmt.Fprintln(os.Stderr, "INSIGHTGATE_PRIVATE_KEY is required")
		os.Exit(1)
	}

	s, err := mcpserver.NewMCPServer(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MCP server setup error: %v\n", err)
		os.Exit(1)
	}
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
