// Package app provides the entry point for the prof-mcp command-line application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/profitelligence/mcp-server/pkg/logger"
	"github.com/profitelligence/mcp-server/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "prof-mcp",
	DisableAutoGenTag: true,
	Short:             "Profitelligence MCP Server - Market data over the Model Context Protocol",
	Long: `Profitelligence MCP Server (prof-mcp) exposes the Profitelligence market data API
to MCP (Model Context Protocol) clients. It provides:

- API key, OAuth 2.1, and Firebase JWT authentication for incoming clients
- A built-in OAuth authorization server with PKCE and dynamic client registration
- Google sign-in brokered through Firebase token exchange
- Per-request upstream API clients that never share credentials between users

The server is stateless apart from short-lived authorization state, so it can be
run behind any HTTP load balancer.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the prof-mcp CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Display version information for prof-mcp",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			logger.Infof("prof-mcp version: %s (commit %s, built %s, %s, %s)",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}
