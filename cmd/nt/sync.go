package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass against the dashboard API",
	Long: `Drain every pending operation queue in order, refresh the local cache
from the remote truth, and stamp the last-sync timestamp.

Operations the remote rejects stay queued; the next sync retries them.

Example usage:
  nt sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		result, err := eng.coord.Reconcile(context.Background())
		if err != nil {
			return err
		}
		if !result.Ran {
			fmt.Println("Another reconciliation is already in flight")
			return nil
		}

		fmt.Printf("Applied %d pending operation(s), refreshed %d record(s)\n",
			result.Applied, result.Refreshed)
		for _, et := range result.Blocked {
			fmt.Printf("Queue for %s is blocked; remaining operations will retry next sync\n", et)
		}
		for _, et := range result.RefreshFailed {
			fmt.Printf("Refresh for %s failed; serving previous cached state\n", et)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
