package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shiftctl/runbookd/internal/db"
)

// newBatchCmd creates the batch command group
func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Inspect and create batches",
	}
	cmd.AddCommand(newBatchCreateCmd())
	cmd.AddCommand(newBatchListCmd())
	cmd.AddCommand(newBatchStatusCmd())
	return cmd
}

// newBatchCreateCmd creates the batch create command
func newBatchCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a manual batch",
		Long: `Create a batch by hand instead of waiting for the data source.

Members are given as --member key or --member key='{"col":"value"}'. A bare
key binds only the runbook's primary key column. The running scheduler picks
the batch up on its next tick: init steps are announced, phases dispatch at
their due times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("runbook")
			at, _ := cmd.Flags().GetString("at")
			memberArgs, _ := cmd.Flags().GetStringArray("member")
			if name == "" {
				return fmt.Errorf("--runbook is required")
			}
			if len(memberArgs) == 0 {
				return fmt.Errorf("at least one --member is required")
			}

			anchor := time.Now().UTC()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				anchor = parsed.UTC()
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			ctx := cmd.Context()

			rec, err := store.ActiveRunbook(ctx, name)
			if err != nil {
				return err
			}
			def, err := rec.Definition()
			if err != nil {
				return err
			}
			phaseSpecs, err := db.PhaseSpecs(def)
			if err != nil {
				return err
			}

			batch, err := store.CreateBatch(ctx, rec.ID, anchor, true, os.Getenv("USER"))
			if err != nil {
				return err
			}
			for _, arg := range memberArgs {
				key, data, ok := strings.Cut(arg, "=")
				if !ok {
					data = fmt.Sprintf(`{%q:%q}`, def.DataSource.PrimaryKey, key)
				}
				if _, err := store.AddMember(ctx, batch.ID, key, data); err != nil {
					return err
				}
			}
			if err := store.CreatePhaseExecutions(ctx, batch.ID, anchor, rec.Version, phaseSpecs); err != nil {
				return err
			}

			// The scheduler converges the rest: init announcement or phase
			// dispatch happen on its next tick.
			if len(def.Init) > 0 {
				if _, err := store.MarkInitDispatched(ctx, batch.ID); err != nil {
					return err
				}
			} else {
				if _, err := store.TransitionBatch(ctx, batch.ID, db.BatchDetected, db.BatchActive); err != nil {
					return err
				}
			}

			fmt.Printf("Created batch %d for %s v%d (%d member(s), anchor %s)\n",
				batch.ID, rec.Name, rec.Version, len(memberArgs), anchor.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().String("runbook", "", "runbook name (required)")
	cmd.Flags().String("at", "", "batch anchor time, RFC3339 (default now)")
	cmd.Flags().StringArray("member", nil, "member key, optionally key='{json}'")
	return cmd
}

// newBatchListCmd creates the batch list command
func newBatchListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List non-terminal batches of a runbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("runbook")
			if name == "" {
				return fmt.Errorf("--runbook is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			ctx := cmd.Context()

			rec, err := store.ActiveRunbook(ctx, name)
			if err != nil {
				return err
			}
			batches, err := store.NonTerminalBatches(ctx, rec.ID)
			if err != nil {
				return err
			}
			if len(batches) == 0 {
				fmt.Println("No batches in flight.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tANCHOR\tPHASE\tMANUAL")
			for _, b := range batches {
				phase := "-"
				if b.CurrentPhase != nil {
					phase = *b.CurrentPhase
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n",
					b.ID, b.Status, b.BatchStartTime.Format(time.RFC3339), phase, b.IsManual)
			}
			return w.Flush()
		},
	}

	cmd.Flags().String("runbook", "", "runbook name (required)")
	return cmd
}

// newBatchStatusCmd creates the batch status command
func newBatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <batch-id>",
		Short: "Show a batch's phases and members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse batch id: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			ctx := cmd.Context()

			batch, err := store.GetBatch(ctx, id)
			if err != nil {
				return err
			}
			rec, err := store.GetRunbook(ctx, batch.RunbookID)
			if err != nil {
				return err
			}
			phases, err := store.PhaseExecutions(ctx, batch.ID)
			if err != nil {
				return err
			}
			members, err := store.BatchMembers(ctx, batch.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Batch %d  %s v%d  %s  anchor %s\n\n",
				batch.ID, rec.Name, rec.Version, batch.Status,
				batch.BatchStartTime.Format(time.RFC3339))

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PHASE\tSTATUS\tDUE")
			for _, ph := range phases {
				fmt.Fprintf(w, "%s\t%s\t%s\n", ph.PhaseName, ph.Status, ph.DueAt.Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			counts := map[string]int{}
			for _, m := range members {
				counts[m.Status]++
			}
			fmt.Printf("\nMembers: %d total", len(members))
			for _, status := range []string{db.MemberActive, db.MemberRemoved, db.MemberFailed} {
				if counts[status] > 0 {
					fmt.Printf(", %d %s", counts[status], status)
				}
			}
			fmt.Println()
			return nil
		},
	}
}
