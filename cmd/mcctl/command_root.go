package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reedfamily/mcctl/internal/config"
	"github.com/reedfamily/mcctl/internal/control"
	"github.com/reedfamily/mcctl/internal/db"
	"github.com/reedfamily/mcctl/internal/game/minecraft"
	"github.com/reedfamily/mcctl/internal/logging"
	"github.com/reedfamily/mcctl/internal/query"
	"github.com/reedfamily/mcctl/internal/rcon"
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "mcctl",
		Short:         "Minecraft server supervisor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newPlayersCmd())
	root.AddCommand(newExecCmd())
	root.AddCommand(newJoinCmd())

	return root
}

// openStore opens and migrates the database named by the configuration.
func openStore(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return database, nil
}

// oneShot builds a controller with no supervisor for commands that only talk
// to an already running server over the network.
func oneShot(cmd *cobra.Command) (*control.Controller, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logging.NewDevelopment(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	adapter := minecraft.Adapter{}
	console := rcon.NewClient(cfg.RCONAddr(), cfg.RCONPassword,
		rcon.WithTimeout(cfg.RCONTimeout),
		rcon.WithFormatter(adapter.StripFormatting),
		rcon.WithLogger(log.Named("rcon")),
	)
	status := query.New(cmd.Context(), cfg.ServerHost, cfg.GamePort, cfg.QueryPort, cfg.QueryTimeout, log.Named("query"))
	return control.New(nil, status, console, nil, nil, cfg.JoinAddr(), log), log, nil
}
