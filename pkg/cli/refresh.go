package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"deckhand/pkg/cli/style"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Query every node and resync the ledger's observed state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			report, err := a.rec.Refresh(cmd.Context())
			if report != nil {
				printRefresh(report)
			}
			if err != nil {
				return err
			}
			if report.HasFailures() {
				return errReported
			}
			return nil
		})
	},
}

var auditLimit int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the ledger's audit log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			entries, err := a.rec.Audit(cmd.Context(), auditLimit)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			if len(entries) == 0 {
				fmt.Println(style.DimText.Render("Audit log is empty."))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tACTOR\tACTION\tTARGET\tDETAIL")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Actor, e.Action, e.Target, e.Detail)
			}
			return w.Flush()
		})
	},
}

func init() {
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "number of entries")
	rootCmd.AddCommand(refreshCmd, auditCmd)
}
