package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/reedfamily/mcctl/internal/config"
	"github.com/reedfamily/mcctl/internal/logging"
	"github.com/reedfamily/mcctl/internal/mcptools"
	"github.com/reedfamily/mcctl/internal/server"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the server controls as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			// Production config writes to stderr, stdout carries the protocol.
			log, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			database, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, database, log)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			srv.StartBackground()
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+15*time.Second)
				defer cancel()
				srv.Stop(stopCtx)
			}()

			mcpServer := mcptools.NewServer(version)
			mcptools.Register(mcpServer, srv.Controller())
			if err := mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("mcp server: %w", err)
			}
			return nil
		},
	}
}
