// Package netmon derives the engine's online/offline signal.
//
// Two inputs feed the signal: a periodic HTTP probe against the remote
// API's health endpoint, and a manual override file toggled by the CLI.
// While the override file exists the engine is forced offline whatever
// the probe says. The monitor holds no durable state; it only reports
// the current status and fires edge callbacks on transitions.
package netmon

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// OverrideFileName is the file the CLI creates to force offline mode.
// It lives next to the engine database.
const OverrideFileName = "offline.override"

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 15 * time.Second

	// DefaultProbeTimeout bounds one probe request.
	DefaultProbeTimeout = 5 * time.Second
)

// Config tunes the monitor.
type Config struct {
	// ProbeURL is the endpoint a 2xx response from means "online".
	ProbeURL string

	// OverridePath is the override file path. Its presence forces
	// offline.
	OverridePath string

	// Interval between probes. Zero means DefaultInterval.
	Interval time.Duration

	// HTTPClient for probes. Nil means a client with
	// DefaultProbeTimeout.
	HTTPClient *http.Client

	// OnOnline fires on the offline-to-online edge.
	OnOnline func()

	// OnOffline fires on the online-to-offline edge.
	OnOffline func()

	// Logger for monitor activity. Nil means a stderr logger.
	Logger *log.Logger
}

// Monitor watches connectivity and fires transition callbacks.
type Monitor struct {
	config  Config
	watcher *fsnotify.Watcher
	logger  *log.Logger

	mu      sync.Mutex
	online  bool
	started bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a monitor. Start must be called before it reports
// anything.
func New(config Config) (*Monitor, error) {
	if config.ProbeURL == "" {
		return nil, fmt.Errorf("probe URL required")
	}
	if config.OverridePath == "" {
		return nil, fmt.Errorf("override path required")
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: DefaultProbeTimeout}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Monitor{
		config:  config,
		watcher: watcher,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start probes once to establish the initial status, then begins the
// probe loop and the override-file watch. The initial status fires no
// callbacks; only transitions after Start do.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.started = true
	m.mu.Unlock()

	// Watch the override file's directory; the file itself may not
	// exist yet.
	dir := filepath.Dir(m.config.OverridePath)
	if err := m.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	m.mu.Lock()
	m.online = m.evaluate(ctx)
	initial := m.online
	m.mu.Unlock()
	m.logger.Printf("Initial status: %s", statusString(initial))

	m.wg.Add(1)
	go m.loop(ctx)

	return nil
}

// Stop ends the probe loop and the file watch.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	m.mu.Unlock()

	close(m.done)
	if err := m.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	m.wg.Wait()
	return nil
}

// Online reports the current status.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ForceOffline creates the override file, forcing offline mode until
// ClearOverride.
func ForceOffline(overridePath string) error {
	if err := os.MkdirAll(filepath.Dir(overridePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(overridePath, []byte("offline\n"), 0644)
}

// ClearOverride removes the override file. Removing a file that does
// not exist is a no-op.
func ClearOverride(overridePath string) error {
	err := os.Remove(overridePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Overridden reports whether the override file currently forces
// offline.
func (m *Monitor) Overridden() bool {
	_, err := os.Stat(m.config.OverridePath)
	return err == nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.update(ctx)

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.config.OverridePath) {
				continue
			}
			// Create, remove, rename of the override file all
			// re-evaluate immediately.
			m.update(ctx)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

// update re-evaluates the status and fires the edge callback on a
// transition. Callbacks run outside the lock.
func (m *Monitor) update(ctx context.Context) {
	next := m.evaluate(ctx)

	m.mu.Lock()
	prev := m.online
	m.online = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	m.logger.Printf("Status changed: %s -> %s", statusString(prev), statusString(next))
	if next {
		if m.config.OnOnline != nil {
			m.config.OnOnline()
		}
	} else {
		if m.config.OnOffline != nil {
			m.config.OnOffline()
		}
	}
}

// evaluate computes the status from the override file and one probe.
func (m *Monitor) evaluate(ctx context.Context) bool {
	if m.Overridden() {
		return false
	}
	return m.probe(ctx)
}

// probe hits the health endpoint; any 2xx means online.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.config.HTTPClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func statusString(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
