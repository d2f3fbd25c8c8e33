// Package config loads and saves schedulerd's TOML configuration,
// following the same search-path and atomic-write conventions as
// PrintMaster's common/config package.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is schedulerd's top-level configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Spool    SpoolConfig    `toml:"spool"`
	Policy   PolicyConfig   `toml:"policy"`
	Database DatabaseConfig `toml:"database"`
	Logging  LoggingConfig  `toml:"logging"`
	Admin    AdminConfig    `toml:"admin"`
	Discovery DiscoveryConfig `toml:"discovery"`
}

// ServerConfig holds daemon-wide tunables from spec §4.C/§4.H.
type ServerConfig struct {
	StateDir              string `toml:"state_dir"`
	MaxJobs               int    `toml:"max_jobs"`
	MaxActiveJobs         int    `toml:"max_active_jobs"`
	MaxJobsPerPrinter     int    `toml:"max_jobs_per_printer"`
	MaxJobsPerUser        int    `toml:"max_jobs_per_user"`
	DirtyCleanInterval    int    `toml:"dirty_clean_interval_secs"`
	FaxRetryLimit         int    `toml:"fax_retry_limit"`
	FaxRetryIntervalSecs  int    `toml:"fax_retry_interval_secs"`
	TimeoutSecs           int    `toml:"timeout_secs"`
	ShutdownGraceSecs     int    `toml:"shutdown_grace_secs"`
}

// SpoolConfig locates the on-disk spool and control-file area (spec §6).
type SpoolConfig struct {
	Dir string `toml:"dir"`
}

// PolicyConfig names the default operation/error policies, per spec §4.F.
type PolicyConfig struct {
	DefaultPolicy string `toml:"default_policy"`
	SystemGroup   string `toml:"system_group"`
}

// DatabaseConfig configures the optional history store (component I).
type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" (default) or "postgres"
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

// EffectiveDriver defaults to sqlite when unset.
func (c DatabaseConfig) EffectiveDriver() string {
	if c.Driver == "" {
		return "sqlite"
	}
	return c.Driver
}

// LoggingConfig controls the scheduler's logger.
type LoggingConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// AdminConfig controls the optional admin live-event-tail surface.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// DiscoveryConfig tunes implicit-class mDNS discovery (spec §9 Open Question).
type DiscoveryConfig struct {
	Enabled        bool `toml:"enabled"`
	DebounceSecs   int  `toml:"debounce_secs"`
}

// Default returns a Config with the defaults named throughout spec.md.
func Default() Config {
	return Config{
		Server: ServerConfig{
			StateDir:             "/var/spool/schedulerd",
			MaxJobs:              500,
			MaxActiveJobs:        0,
			MaxJobsPerPrinter:    0,
			MaxJobsPerUser:       0,
			DirtyCleanInterval:   60,
			FaxRetryLimit:        5,
			FaxRetryIntervalSecs: 300,
			TimeoutSecs:          300,
			ShutdownGraceSecs:    5,
		},
		Spool: SpoolConfig{Dir: "/var/spool/schedulerd/spool"},
		Policy: PolicyConfig{
			DefaultPolicy: "default",
			SystemGroup:   "lpadmin",
		},
		Database: DatabaseConfig{Driver: "sqlite", Path: "schedulerd-history.db"},
		Logging:  LoggingConfig{Level: "INFO", Dir: "/var/log/schedulerd"},
		Admin:    AdminConfig{Enabled: false, Listen: "127.0.0.1:9631"},
		Discovery: DiscoveryConfig{Enabled: false, DebounceSecs: 5},
	}
}

// Load reads a TOML config at path, merging over Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename), matching the
// crash-safe write pattern spec §4.G requires for the daemon's own
// on-disk state.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := path + ".O"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// ResolveConfigPath checks SCHEDULERD_CONFIG before falling back to flagValue.
func ResolveConfigPath(flagValue string) string {
	if v := os.Getenv("SCHEDULERD_CONFIG"); v != "" {
		return v
	}
	return flagValue
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SCHEDULERD_STATE_DIR"); v != "" {
		cfg.Server.StateDir = v
	}
	if v := os.Getenv("SCHEDULERD_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SCHEDULERD_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SCHEDULERD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("SCHEDULERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SCHEDULERD_MAX_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxJobs = n
		}
	}
}
