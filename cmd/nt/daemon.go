package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nesttask/nesttask/internal/engine/netmon"
	"github.com/nesttask/nesttask/internal/engine/notify"
	"github.com/nesttask/nesttask/internal/engine/reaper"
	"github.com/nesttask/nesttask/internal/engine/worker"
)

// sweepCheckInterval is how often the daemon offers the reaper a run.
// The reaper's own gate keeps actual sweeps to one per day.
const sweepCheckInterval = time.Hour

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the engine in the background: monitor, sync, sweep, worker hub",
	Long: `Run the engine continuously. The daemon probes connectivity, replays
pending operations whenever the connection comes back, asks registered
background workers to refresh their caches, and runs the daily eviction
sweep.

Example usage:
  nt daemon
  nt daemon --log /var/log/nesttask/daemon.log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		logFile, _ := cmd.Flags().GetString("log")
		if logFile == "" {
			logFile = eng.cfg.LogFile
		}
		logger := daemonLogger(logFile)

		hub := worker.NewHub(&worker.Config{
			Addr:   eng.cfg.WorkerListenAddr,
			Logger: logger,
		})
		if err := hub.Start(); err != nil {
			return err
		}

		notifications := notify.NewCenter(nil)
		connectivity := notify.NewConnectivity(notifications)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		monitor, err := netmon.New(netmon.Config{
			ProbeURL:     eng.cfg.ProbeEndpoint,
			OverridePath: eng.cfg.OverridePath(),
			Interval:     eng.cfg.ProbeInterval,
			Logger:       logger,
			OnOnline: func() {
				hub.Broadcast(worker.Message{Type: worker.MessageTypeOnline})
				connectivity.Online()
				if _, err := eng.coord.Reconcile(ctx); err != nil {
					logger.Printf("WARNING: reconciliation failed: %v", err)
					return
				}
				hub.RefreshCache()
			},
			OnOffline: func() {
				hub.Broadcast(worker.Message{Type: worker.MessageTypeOffline})
				connectivity.Offline()
			},
		})
		if err != nil {
			return err
		}
		if err := monitor.Start(ctx); err != nil {
			return err
		}

		r := reaper.New(eng.db, eng.snapshots, eng.meta, &reaper.Config{
			Retention: eng.cfg.Retention,
			Logger:    logger,
		})

		logger.Printf("Daemon started, db=%s, worker hub=%s", eng.db.Path(), hub.GetAddr())
		fmt.Printf("Daemon running (worker hub on %s). Press Ctrl+C to stop...\n", hub.GetAddr())

		ticker := time.NewTicker(sweepCheckInterval)
		defer ticker.Stop()

		// Give the gate a chance right away; a daemon restarted after
		// days offline should not wait an hour to evict.
		if _, err := r.Sweep(ctx); err != nil {
			logger.Printf("WARNING: sweep failed: %v", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Printf("Daemon stopping")
				if err := monitor.Stop(); err != nil {
					logger.Printf("WARNING: stop monitor: %v", err)
				}
				if err := hub.Stop(); err != nil {
					logger.Printf("WARNING: stop hub: %v", err)
				}
				return nil

			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil {
					logger.Printf("WARNING: sweep failed: %v", err)
				}
			}
		}
	},
}

// daemonLogger writes through lumberjack so long-running daemons don't
// grow an unbounded log.
func daemonLogger(path string) *log.Logger {
	if path == "" {
		return log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	return log.New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().String("log", "", "Log file (default from config; empty config value means stderr)")
	rootCmd.AddCommand(daemonCmd)
}
