package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nesttask/nesttask/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the engine configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default nesttask.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
