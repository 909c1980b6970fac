package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse([]byte(""))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Platforms.Steam.BulkEndpoint != "https://store.steampowered.com/api/appdetails" {
		t.Errorf("unexpected default endpoint: %s", cfg.Platforms.Steam.BulkEndpoint)
	}
	if !cfg.Platforms.Itch.Enabled || !cfg.Platforms.CrazyGames.Enabled {
		t.Error("free platforms must default to enabled")
	}
	if cfg.Batch.Size != 500 || cfg.Batch.Floor != 50 || cfg.Batch.ShrinkFactor != 0.8 {
		t.Errorf("unexpected batch defaults: %+v", cfg.Batch)
	}
	if cfg.Batch.MaxRetries != 3 || cfg.Batch.BaseDelayMS != 1000 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Batch)
	}
	if cfg.Unify.MinReviewCount != 10 {
		t.Errorf("unexpected min review count: %d", cfg.Unify.MinReviewCount)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("unexpected server port: %d", cfg.Server.Port)
	}
	if cfg.Logging.Level != "INFO" {
		t.Errorf("unexpected log level: %s", cfg.Logging.Level)
	}
}

func TestParseOverrides(t *testing.T) {
	yamlData := `
output:
  data_dir: /tmp/gamedex-data
platforms:
  crazygames:
    enabled: false
refresh:
  max_updates_per_run: 200
  backfill_cutoff: "2024-01-01"
batch:
  size: 100
  floor: 10
logging:
  level: DEBUG
`
	cfg, err := parse([]byte(yamlData))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if cfg.Output.DataDir != "/tmp/gamedex-data" {
		t.Errorf("data_dir override lost: %s", cfg.Output.DataDir)
	}
	if cfg.Platforms.CrazyGames.Enabled {
		t.Error("crazygames should be disabled")
	}
	if !cfg.Platforms.Itch.Enabled {
		t.Error("itch default must survive partial platform override")
	}
	if cfg.Refresh.MaxUpdatesPerRun != 200 {
		t.Errorf("unexpected max_updates_per_run: %d", cfg.Refresh.MaxUpdatesPerRun)
	}
	if cfg.Batch.Size != 100 || cfg.Batch.Floor != 10 {
		t.Errorf("batch overrides lost: %+v", cfg.Batch)
	}
	if cfg.Batch.ShrinkFactor != 0.8 {
		t.Errorf("untouched batch field must keep its default: %v", cfg.Batch.ShrinkFactor)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("unexpected log level: %s", cfg.Logging.Level)
	}
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	cfg, err := parse(DefaultConfigYAML)
	if err != nil {
		t.Fatalf("embedded default config must parse: %v", err)
	}
	if cfg.Platforms.Steam.BulkEndpoint == "" {
		t.Error("embedded default config missing bulk endpoint")
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := parse([]byte("batch: [not a mapping")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("unexpected port: %d", cfg.Server.Port)
	}

	if _, err := Load(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestResolveConfigPathExplicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveConfigPath(path)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got != path {
		t.Errorf("got %s, want %s", got, path)
	}

	if _, err := ResolveConfigPath(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("explicit missing path must be an error, not a fallback")
	}
}

func TestGetDataDir(t *testing.T) {
	cfg := &Config{}
	if got := cfg.GetDataDir(); !strings.HasSuffix(got, filepath.Join(".local", "share", "gamedex")) {
		t.Errorf("expected XDG data dir fallback, got %s", got)
	}

	cfg.Output.DataDir = "/srv/gamedex"
	if got := cfg.GetDataDir(); got != "/srv/gamedex" {
		t.Errorf("configured dir must win, got %s", got)
	}
}

func TestBaseDelay(t *testing.T) {
	cfg := &Config{Batch: Batch{BaseDelayMS: 250}}
	if got := cfg.BaseDelay(); got != 250*time.Millisecond {
		t.Errorf("got %v, want 250ms", got)
	}
}

func TestBackfillCutoff(t *testing.T) {
	cfg := &Config{}
	if _, ok := cfg.BackfillCutoff(); ok {
		t.Error("unset cutoff must report not ok")
	}

	cfg.Refresh.BackfillCutoff = "2024-06-01"
	cutoff, ok := cfg.BackfillCutoff()
	if !ok || !cutoff.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("got %v, ok=%v", cutoff, ok)
	}

	cfg.Refresh.BackfillCutoff = "not-a-date"
	if _, ok := cfg.BackfillCutoff(); ok {
		t.Error("unparseable cutoff must report not ok")
	}
}
