package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Output    Output    `yaml:"output"`
	Platforms Platforms `yaml:"platforms"`
	Refresh   Refresh   `yaml:"refresh"`
	Batch     Batch     `yaml:"batch"`
	Unify     Unify     `yaml:"unify"`
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Platforms struct {
	Steam      SteamConfig `yaml:"steam"`
	Itch       FreeConfig  `yaml:"itch"`
	CrazyGames FreeConfig  `yaml:"crazygames"`
}

type SteamConfig struct {
	BulkEndpoint   string `yaml:"bulk_endpoint"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type FreeConfig struct {
	Enabled        bool `yaml:"enabled"`
	TimeoutSeconds int  `yaml:"timeout_seconds"`
}

type Refresh struct {
	// MaxUpdatesPerRun caps how many entities one update cycle fetches;
	// 0 means unlimited.
	MaxUpdatesPerRun int `yaml:"max_updates_per_run"`
	// BackfillCutoff skips videos published before this date
	// (YYYY-MM-DD) when building reference signals.
	BackfillCutoff string `yaml:"backfill_cutoff"`
}

type Batch struct {
	Size         int     `yaml:"size"`
	Floor        int     `yaml:"floor"`
	ShrinkFactor float64 `yaml:"shrink_factor"`
	MaxRetries   int     `yaml:"max_retries"`
	BaseDelayMS  int     `yaml:"base_delay_ms"`
}

type Unify struct {
	// MinReviewCount is the smallest absorbed review sample published
	// onto a parent entry.
	MinReviewCount int `yaml:"min_review_count"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Logging struct {
	Level string `yaml:"level"`
}

// ConfigDir returns the XDG config directory for gamedex.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "gamedex")
}

// DataDir returns the XDG data directory for gamedex.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "gamedex")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/gamedex/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'gamedex init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := &Config{
		Platforms: Platforms{
			Steam: SteamConfig{
				BulkEndpoint:   "https://store.steampowered.com/api/appdetails",
				TimeoutSeconds: 30,
			},
			Itch:       FreeConfig{Enabled: true, TimeoutSeconds: 15},
			CrazyGames: FreeConfig{Enabled: true, TimeoutSeconds: 15},
		},
		Batch: Batch{
			Size:         500,
			Floor:        50,
			ShrinkFactor: 0.8,
			MaxRetries:   3,
			BaseDelayMS:  1000,
		},
		Unify:   Unify{MinReviewCount: 10},
		Server:  Server{Port: 8000},
		Logging: Logging{Level: "INFO"},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// BaseDelay returns the retry base delay as a duration.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.Batch.BaseDelayMS) * time.Millisecond
}

// BackfillCutoff parses the configured cutoff date; ok is false when
// unset or unparseable.
func (c *Config) BackfillCutoff() (time.Time, bool) {
	if c.Refresh.BackfillCutoff == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", c.Refresh.BackfillCutoff)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
