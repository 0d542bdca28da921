package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/identity"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair or purge vectors without an identity record",
	Long: `Compare the face index with the identity records.

A registration that crashed after indexing its vector but before writing its
identity record leaves an orphan vector. By default the missing record is
written from the vector's metadata; with --purge the vector is deleted instead.
Identity records without a vector are reported only.

Examples:
  # Show what would change
  face-tagger reconcile --dry-run

  # Delete orphan vectors
  face-tagger reconcile --purge`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().Bool("purge", false, "Delete orphan vectors instead of writing their records")
	reconcileCmd.Flags().Bool("dry-run", false, "Report without changing anything")
	reconcileCmd.Flags().Bool("json", false, "Output the report as JSON")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")
	opts := identity.ReconcileOptions{
		Purge:  mustGetBool(cmd, "purge"),
		DryRun: mustGetBool(cmd, "dry-run"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, config.Load())
	if err != nil {
		return err
	}
	defer a.Close()

	rc := a.service.Reconciler()
	if rc == nil {
		return errors.New("the configured face index cannot be listed")
	}

	var bar *progressbar.ProgressBar
	if !jsonOutput {
		opts.Progress = func(done, total int) {
			if bar == nil {
				bar = newProgressBar(total, "Reconciling", "vectors", false)
			}
			_ = bar.Set(done)
		}
	}

	startTime := time.Now()
	report, err := rc.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	if bar != nil {
		fmt.Println()
	}

	if jsonOutput {
		return outputJSON(report)
	}

	fmt.Println("\nReconcile complete!")
	fmt.Printf("  Vectors:          %d\n", report.Vectors)
	fmt.Printf("  Identity records: %d\n", report.Records)
	fmt.Printf("  Orphan vectors:   %d\n", len(report.OrphanVectors))
	if opts.DryRun {
		for _, name := range report.OrphanVectors {
			fmt.Printf("    %s\n", name)
		}
	}
	if len(report.Repaired) > 0 {
		fmt.Printf("  Repaired:         %d\n", len(report.Repaired))
	}
	if len(report.Purged) > 0 {
		fmt.Printf("  Purged:           %d\n", len(report.Purged))
	}
	if len(report.MissingVectors) > 0 {
		fmt.Printf("  Missing vectors:  %v\n", report.MissingVectors)
	}
	for _, e := range report.Errors {
		fmt.Printf("  ! %s\n", e)
	}
	fmt.Printf("  Duration:         %s\n", formatDuration(time.Since(startTime)))
	return nil
}
