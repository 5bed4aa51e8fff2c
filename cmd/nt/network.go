package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nesttask/nesttask/internal/engine/netmon"
)

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Force the engine offline until 'nt online'",
	Long: `Create the network override file. While it exists the engine treats the
connection as down regardless of actual connectivity: mutations queue
locally and no sync runs. A running daemon picks the change up
immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := netmon.ForceOffline(cfg.OverridePath()); err != nil {
			return err
		}
		fmt.Println("Engine forced offline")
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Clear the offline override",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := netmon.ClearOverride(cfg.OverridePath()); err != nil {
			return err
		}
		fmt.Println("Offline override cleared; status follows the probe again")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(onlineCmd)
}
