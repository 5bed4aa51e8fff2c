package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nesttask/nesttask/internal/engine/record"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine state: schema version, cache sizes, queues, sync times",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := context.Background()

		fmt.Printf("Database:       %s\n", eng.db.Path())
		fmt.Printf("Schema version: %d\n", eng.db.SchemaVersion())

		fmt.Println("\nCached records:")
		for _, et := range record.EntityTypes() {
			n, err := eng.coord.Store(et).Count(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("  %-10s %d\n", et.Collection(), n)
		}

		fmt.Println("\nPending operations:")
		for _, et := range record.MutableEntityTypes() {
			n, err := eng.coord.Queue(et).Len(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("  %-10s %d\n", et, n)
		}

		lastSync, ok, err := eng.meta.LastSync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("\nLast sync:    %s\n", formatWhen(lastSync, ok))

		lastSweep, ok, err := eng.meta.LastCleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Last sweep:   %s\n", formatWhen(lastSweep, ok))

		return nil
	},
}

func formatWhen(t time.Time, ok bool) string {
	if !ok {
		return "never"
	}
	return fmt.Sprintf("%s (%s ago)", t.Format(time.RFC3339), time.Since(t).Round(time.Second))
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
