package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/config"
	"github.com/reedfamily/mcctl/internal/logging"
	"github.com/reedfamily/mcctl/internal/server"
)

func newServeCmd() *cobra.Command {
	var autostart bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, status monitor and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
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
			if autostart {
				if _, err := srv.Controller().Start(ctx); err != nil {
					log.Error("autostart failed", zap.Error(err))
				}
			}

			httpServer := &http.Server{
				Addr:        cfg.ListenAddr,
				Handler:     srv.Router(),
				ReadTimeout: 15 * time.Second,
				// Console and live stats are long-lived websockets.
				WriteTimeout: 0,
				IdleTimeout:  60 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("mcctl listening", zap.String("addr", cfg.ListenAddr), zap.String("version", version))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				log.Error("http server", zap.Error(err))
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout+15*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Warn("http shutdown", zap.Error(err))
			}
			srv.Stop(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&autostart, "autostart", false, "start the Minecraft server immediately")
	return cmd
}
