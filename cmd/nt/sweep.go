package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nesttask/nesttask/internal/engine/reaper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the stale-data eviction sweep if the daily gate allows",
	Long: `Delete cached records and response snapshots older than the retention
window. Auth-exempt records and the offline entry assets are never
evicted. The sweep is rate-limited to once per rolling 24 hours; use
--force to ignore the gate.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		cfg := &reaper.Config{Retention: eng.cfg.Retention}
		if force {
			// A one-nanosecond gate always passes.
			cfg.GateInterval = 1
		}
		r := reaper.New(eng.db, eng.snapshots, eng.meta, cfg)

		result, err := r.Sweep(context.Background())
		if err != nil {
			return err
		}
		if result.Skipped {
			fmt.Println("Sweep skipped: last run is within the 24h gate")
			return nil
		}

		fmt.Printf("Swept %d collection(s): evicted %d record(s), %d snapshot(s)\n",
			result.CollectionsSwept, result.RecordsEvicted, result.SnapshotsEvicted)
		if len(result.Errors) > 0 {
			fmt.Printf("%d collection(s) failed and were skipped:\n", len(result.Errors))
			for _, e := range result.Errors {
				fmt.Printf("  %v\n", e)
			}
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("force", false, "Ignore the 24h gate")
	rootCmd.AddCommand(sweepCmd)
}
