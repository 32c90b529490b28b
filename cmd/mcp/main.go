// Clearhold MCP Server - Exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/clearhold/clearhold/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: envOrDefault("CLEARHOLD_API_URL", "http://localhost:8080"),
		APIKey: os.Getenv("CLEARHOLD_API_KEY"),
		Party:  os.Getenv("CLEARHOLD_PARTY"),
	}

	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "CLEARHOLD_API_KEY is required")
		os.Exit(1)
	}
	if cfg.Party == "" {
		fmt.Fprintln(os.Stderr, "CLEARHOLD_PARTY is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
