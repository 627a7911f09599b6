// Package main is the entry point for the Profitelligence MCP server.
package main

import (
	"os"

	"github.com/profitelligence/mcp-server/cmd/prof-mcp/app"
	"github.com/profitelligence/mcp-server/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
