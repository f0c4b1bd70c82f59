// MCP server exposing wallet credit scores and DeFi agents as tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/defiagents/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:        envOrDefault("DEFIAGENTS_API_URL", "http://localhost:8080"),
		APIKey:        os.Getenv("DEFIAGENTS_API_KEY"),
		WalletAddress: os.Getenv("DEFIAGENTS_WALLET_ADDRESS"),
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
