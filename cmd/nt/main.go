// Command nt is the NestTask offline engine CLI.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/nesttask/nesttask/internal/config"
	"github.com/nesttask/nesttask/internal/engine/coordinator"
	"github.com/nesttask/nesttask/internal/engine/db"
	"github.com/nesttask/nesttask/internal/engine/meta"
	"github.com/nesttask/nesttask/internal/engine/remote"
	"github.com/nesttask/nesttask/internal/engine/snapshot"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "nt",
	Short: "NestTask offline persistence and sync engine",
	Long: `nt manages the NestTask dashboard's offline engine: a local cache of
tasks, routines, courses, materials, and teachers, plus per-entity
queues of mutations made while disconnected.

The engine replays queued mutations against the dashboard API when
connectivity returns and bounds its cache with a daily eviction sweep.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
}

// loadConfig reads the config file named by --config.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// engine bundles the pieces most commands need.
type engine struct {
	cfg       config.Config
	db        *db.DB
	meta      *meta.Metadata
	snapshots *snapshot.Cache
	coord     *coordinator.Coordinator
}

// openEngine opens the database and wires the sync coordinator against
// the configured remote.
func openEngine() (*engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	database, err := db.Open(cfg.DBPath, db.TargetSchemaVersion)
	if err != nil {
		return nil, err
	}

	metadata := meta.New(database)
	snapshots := snapshot.New(database)
	api := remote.NewClient(cfg.RemoteBaseURL, &http.Client{}, snapshots, nil)

	coord, err := coordinator.New(database, api, metadata, nil)
	if err != nil {
		database.Close()
		return nil, err
	}

	return &engine{
		cfg:       cfg,
		db:        database,
		meta:      metadata,
		snapshots: snapshots,
		coord:     coord,
	}, nil
}

func (e *engine) close() {
	if err := e.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: close database: %v\n", err)
	}
}
