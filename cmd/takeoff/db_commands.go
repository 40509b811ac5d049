package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDBCommand(ctx *commandContext) *cobra.Command {
	dbCmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}

	dbCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.store(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", db.Dialect())
			return nil
		},
	})

	var timeout time.Duration
	ping := &cobra.Command{
		Use:   "ping",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.store(cmd.Context())
			if err != nil {
				return err
			}
			start := time.Now()
			if err := db.HealthCheck(cmd.Context(), timeout); err != nil {
				return fmt.Errorf("DB health: FAIL (%w)", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DB health: OK (%dms)\n", time.Since(start).Milliseconds())
			return nil
		},
	}
	ping.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Ping timeout")
	dbCmd.AddCommand(ping)

	return dbCmd
}
