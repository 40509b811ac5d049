package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write the quantity workbook for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id: %w", err)
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			data, err := svc.export.ExportRunXLSX(cmd.Context(), id)
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) == "" {
				out = fmt.Sprintf("takeoff-%s.xlsx", id)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", out, humanize.Bytes(uint64(len(data))))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default takeoff-<run-id>.xlsx)")
	return cmd
}
