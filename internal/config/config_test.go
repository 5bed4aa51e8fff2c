package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nesttask/nesttask/internal/engine/netmon"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	def := Default()
	if cfg.RemoteBaseURL != def.RemoteBaseURL {
		t.Errorf("expected default remote URL %s, got %s", def.RemoteBaseURL, cfg.RemoteBaseURL)
	}
	if cfg.Retention != def.Retention {
		t.Errorf("expected default retention %v, got %v", def.Retention, cfg.Retention)
	}
}

func TestWriteDefaultThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", FileName)

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file written: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.WorkerListenAddr != Default().WorkerListenAddr {
		t.Errorf("expected round-tripped worker addr, got %s", cfg.WorkerListenAddr)
	}

	// Refuses to clobber.
	if err := WriteDefault(path); err == nil {
		t.Error("expected WriteDefault to refuse overwriting")
	}
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := []byte("remote_base_url: https://api.example.edu\nprobe_interval: 30s\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RemoteBaseURL != "https://api.example.edu" {
		t.Errorf("expected overridden remote URL, got %s", cfg.RemoteBaseURL)
	}
	if cfg.ProbeInterval != 30*time.Second {
		t.Errorf("expected 30s probe interval, got %v", cfg.ProbeInterval)
	}
	// Unset keys keep their defaults.
	if cfg.WorkerListenAddr != Default().WorkerListenAddr {
		t.Errorf("expected default worker addr, got %s", cfg.WorkerListenAddr)
	}
}

func TestOverridePathUsesMonitorFileName(t *testing.T) {
	cfg := Config{DBPath: filepath.Join("/data", "engine.db")}

	want := filepath.Join("/data", netmon.OverrideFileName)
	if got := cfg.OverridePath(); got != want {
		t.Errorf("expected override path %s, got %s", want, got)
	}
}
