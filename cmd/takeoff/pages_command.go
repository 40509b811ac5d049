package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newPagesCommand(ctx *commandContext) *cobra.Command {
	var page int

	cmd := &cobra.Command{
		Use:   "pages <pdf>",
		Short: "Print the text of a PDF page by page, using OCR for image-only pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pages, _ := ctx.pages()
			path := args[0]
			n, err := pages.PageCount(cmd.Context(), path)
			if err != nil {
				return err
			}
			first, last := 1, n
			if page > 0 {
				if page > n {
					return fmt.Errorf("page %d out of range (document has %d pages)", page, n)
				}
				first, last = page, page
			}
			out := cmd.OutOrStdout()
			for p := first; p <= last; p++ {
				start := time.Now()
				pt, err := pages.PageText(cmd.Context(), path, p)
				if err != nil {
					ctx.log().Warn("pages.page_failed", "path", path, "page", p, "error", err)
					continue
				}
				fmt.Fprintf(out, "=== page %d/%d (%s, %d chars, %dms) ===\n%s\n",
					p, n, pt.Method, len(pt.Text), time.Since(start).Milliseconds(), pt.Text)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 0, "Only print this 1-based page")
	return cmd
}
