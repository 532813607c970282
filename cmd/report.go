package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/perimeterlabs/vantage/internal/store"
)

func newReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize a previous run's database",
		Long: `Reads the result database from a finished or interrupted run and
prints how many targets completed, plus the ones still pending. Pending
targets can be rescanned with 'vantage scan --resume'.`,
		RunE: runReport,
	}
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	// Read-only open: a report must never contend for the write handle,
	// even when a scan is running against the same database.
	db, err := store.OpenReader(ctx, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-only handle

	complete, err := db.CountComplete(ctx)
	if err != nil {
		return err
	}
	incomplete, err := db.IncompleteTargets(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("database: %s\n", cfg.Store.Path)
	fmt.Printf("complete: %d\n", complete)
	fmt.Printf("pending:  %d\n", len(incomplete))
	for _, target := range incomplete {
		fmt.Printf("  %s\n", target)
	}
	if len(incomplete) > 0 {
		fmt.Println("\nrun 'vantage scan --resume' to rescan pending targets")
	}
	return nil
}
