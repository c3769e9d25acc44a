package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shiftctl/runbookd/internal/db"
	"github.com/shiftctl/runbookd/internal/runbook"
)

// newPublishCmd creates the publish command
func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <runbook.yaml>",
		Short: "Publish a new runbook version",
		Long: `Validate a runbook file and store it as the new active version.

Publishing never mutates a stored version: each publish creates version N+1
and deactivates the prior one. Batches already in flight keep executing the
version they were detected under.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rb, err := runbook.Parse(body)
			if err != nil {
				return err
			}

			overdue, _ := cmd.Flags().GetString("overdue-behavior")
			rerunInit, _ := cmd.Flags().GetBool("rerun-init")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			rec, err := store.PublishRunbook(cmd.Context(), rb, string(body), db.PublishOptions{
				OverdueBehavior: overdue,
				RerunInit:       rerunInit,
			})
			if err != nil {
				return err
			}

			fmt.Printf("Published %s version %d (data table %s)\n", rec.Name, rec.Version, rec.DataTableName)
			return nil
		},
	}

	cmd.Flags().String("overdue-behavior", runbook.OverdueRerun, "overdue phase behavior: rerun or ignore")
	cmd.Flags().Bool("rerun-init", false, "re-run init steps for batches detected under a prior version")
	return cmd
}

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <runbook.yaml>",
		Short: "Validate a runbook file offline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rb, err := runbook.Parse(body)
			if err != nil {
				return err
			}

			steps := len(rb.Init)
			for i := range rb.Phases {
				steps += len(rb.Phases[i].Steps)
			}
			fmt.Printf("%s is valid: %d phase(s), %d step(s)\n", rb.Name, len(rb.Phases), steps)
			return nil
		},
	}
}
