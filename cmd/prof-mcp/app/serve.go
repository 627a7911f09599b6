package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/profitelligence/mcp-server/pkg/config"
	"github.com/profitelligence/mcp-server/pkg/logger"
	"github.com/profitelligence/mcp-server/pkg/server"
)

// newServeCmd creates the serve command for starting the MCP server
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Profitelligence MCP server",
		Long: `Start the Profitelligence MCP server over HTTP.

The server reads its configuration from PROF_MCP_* environment variables and
listens for MCP client connections. Authentication is enforced according to the
configured auth method before any request reaches the upstream API.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "Host to listen on (overrides MCP_HOST)")
	cmd.Flags().Int("port", 0, "Port to listen on (overrides MCP_PORT)")
	if err := viper.BindPFlag("mcp_host", cmd.Flags().Lookup("host")); err != nil {
		logger.Errorf("Error binding host flag: %v", err)
	}
	if err := viper.BindPFlag("mcp_port", cmd.Flags().Lookup("port")); err != nil {
		logger.Errorf("Error binding port flag: %v", err)
	}

	return cmd
}

// runServe implements the serve command logic
func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("server initialization failed: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return srv.ListenAndServe()
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Infof("Shutting down server...")

		// Shutdown applies its own drain timeout.
		return srv.Shutdown(context.Background())
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	logger.Infof("Server stopped")
	return nil
}
