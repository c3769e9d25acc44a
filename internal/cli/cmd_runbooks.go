package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newRunbooksCmd creates the runbooks command
func newRunbooksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runbooks",
		Short: "List active runbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runbooks, err := store.ActiveRunbooks(cmd.Context())
			if err != nil {
				return err
			}
			if len(runbooks) == 0 {
				fmt.Println("No active runbooks.")
				fmt.Println("\nPublish one with: runbookd publish <runbook.yaml>")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tOVERDUE\tDATA TABLE\tLAST ERROR")
			for _, rec := range runbooks {
				lastError := "-"
				if rec.LastError != nil {
					lastError = *rec.LastError
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					rec.Name, rec.Version, rec.OverdueBehavior, rec.DataTableName, lastError)
			}
			return w.Flush()
		},
	}
}
