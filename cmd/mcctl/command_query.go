package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const oneShotTimeout = 15 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the server answers, with version, ping and player count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, log, err := oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
			defer cancel()
			fmt.Println(ctl.Info(ctx).Message)
			return nil
		},
	}
}

func newPlayersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "players",
		Short: "List online players (needs enable-query=true)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, log, err := oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
			defer cancel()
			reply, err := ctl.Players(ctx)
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, reply.Message)
				return err
			}
			fmt.Println(reply.Message)
			return nil
		},
	}
}

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a console command over RCON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, log, err := oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), oneShotTimeout)
			defer cancel()
			reply, err := ctl.Exec(ctx, strings.Join(args, " "))
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, reply.Message)
				return err
			}
			if reply.Message != "" {
				fmt.Println(reply.Message)
			}
			return nil
		},
	}
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Print the address players use to join",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, log, err := oneShot(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			fmt.Println(ctl.Join().Message)
			return nil
		},
	}
}
