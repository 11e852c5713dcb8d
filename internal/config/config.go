// Package config loads Keeply's layered configuration: built-in defaults,
// overlaid by a global user config, overlaid by a project config (or, when
// given, an explicit --config file in its place), overlaid by CLI flag
// values.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/keeply/keeply/internal/keeplyerr"
)

// Config holds every tunable knob the backup driver and CLI need.
type Config struct {
	VaultDir            string `json:"vault_dir"`
	Editor              string `json:"editor,omitempty"`
	BatchSize           int    `json:"batch_size"`
	BatchIntervalMillis int    `json:"batch_interval_millis"`
	QueueCapacity       int    `json:"queue_capacity"`
	WorkerCount         int    `json:"worker_count"`
	Encrypt             *bool  `json:"encrypt,omitempty"`
	DBURL               string `json:"db_url,omitempty"` //nolint:tagliatelle // matches spec's DB_URL env name
}

// EncryptOrDefault reports whether encryption is enabled, treating an unset
// Encrypt as true (spec.md's default).
func (c Config) EncryptOrDefault() bool {
	if c.Encrypt == nil {
		return true
	}

	return *c.Encrypt
}

// BatchInterval is BatchIntervalMillis as a time.Duration.
func (c Config) BatchInterval() time.Duration {
	return time.Duration(c.BatchIntervalMillis) * time.Millisecond
}

// ConfigSources tracks which config files were loaded, for diagnostics.
type ConfigSources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".keeply.json"

// DefaultConfig returns Keeply's built-in defaults, matching spec.md §4.4's
// batching window and §5's worker/queue tuning floors.
func DefaultConfig() Config {
	enc := true

	return Config{
		VaultDir:            ".keeply",
		BatchSize:           4000,
		BatchIntervalMillis: 400,
		QueueCapacity:       50000,
		WorkerCount:         4,
		Encrypt:             &enc,
		DBURL:               "",
	}
}

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
	errConfigInvalid      = errors.New("invalid config file")
	errVaultDirEmpty      = errors.New("vault_dir cannot be empty")
)

// getGlobalConfigPath returns ~/.config/keeply/config.json, honoring
// $XDG_CONFIG_HOME from env (falling back to os.Getenv), matching the
// teacher's own precedence for locating its global config file.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "keeply", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "keeply", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "keeply", "config.json")
	}

	return ""
}

// DefaultDataDir returns ~/.local/share/keeply (or $XDG_DATA_HOME/keeply),
// the default DBURL: the destination directory the commands use when no
// --dest is given.
func DefaultDataDir(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_DATA_HOME="); ok {
			return filepath.Join(after, "keeply")
		}
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "keeply")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".local", "share", "keeply")
	}

	return ""
}

// dbURLFromEnv reads DB_URL out of env (os.Environ-style KEY=VALUE
// entries). The value is used as a destination directory, not a file path:
// the metadata file it leads to is <DB_URL>/.keeply/db.enc.
func dbURLFromEnv(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "DB_URL="); ok {
			return after
		}
	}

	return os.Getenv("DB_URL")
}

// LoadConfig loads configuration with the following precedence (lowest
// first, highest wins): defaults, with DB_URL from the environment replacing
// the default DBURL alone; global user config; project config (or an
// explicit --config file); CLI overrides.
func LoadConfig(
	workDir, configPath string, cliOverrides Config, overridden map[string]bool, env []string,
) (Config, ConfigSources, error) {
	cfg := DefaultConfig()
	cfg.DBURL = DefaultDataDir(env)

	if fromEnv := dbURLFromEnv(env); fromEnv != "" {
		cfg.DBURL = fromEnv
	}

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	cfg = applyCLIOverrides(cfg, cliOverrides, overridden)

	if err := validateConfig(cfg); err != nil {
		return Config{}, ConfigSources{}, keeplyerr.New(keeplyerr.KindConfig, "", err)
	}

	return cfg, sources, nil
}

func applyCLIOverrides(cfg, overlay Config, overridden map[string]bool) Config {
	if overridden["vault_dir"] {
		cfg.VaultDir = overlay.VaultDir
	}

	if overridden["editor"] {
		cfg.Editor = overlay.Editor
	}

	if overridden["batch_size"] {
		cfg.BatchSize = overlay.BatchSize
	}

	if overridden["batch_interval_millis"] {
		cfg.BatchIntervalMillis = overlay.BatchIntervalMillis
	}

	if overridden["queue_capacity"] {
		cfg.QueueCapacity = overlay.QueueCapacity
	}

	if overridden["worker_count"] {
		cfg.WorkerCount = overlay.WorkerCount
	}

	if overridden["encrypt"] && overlay.Encrypt != nil {
		cfg.Encrypt = overlay.Encrypt
	}

	if overridden["db_url"] {
		cfg.DBURL = overlay.DBURL
	}

	return cfg
}

func loadGlobalConfig(env []string) (Config, string, error) {
	globalCfgPath := getGlobalConfigPath(env)
	if globalCfgPath == "" {
		return Config{}, "", nil
	}

	globalCfg, explicitEmpty, loaded, err := loadConfigFile(globalCfgPath, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["vault_dir"] {
		return Config{}, "", keeplyerr.New(keeplyerr.KindConfig, globalCfgPath,
			fmt.Errorf("%w: %w", errConfigInvalid, errVaultDirEmpty))
	}

	return globalCfg, globalCfgPath, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, statErr := os.Stat(cfgFile); statErr != nil {
			return Config{}, "", keeplyerr.New(keeplyerr.KindConfig, configPath, errConfigFileNotFound)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	fileCfg, explicitEmpty, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	if explicitEmpty["vault_dir"] {
		return Config{}, "", keeplyerr.New(keeplyerr.KindConfig, cfgFile,
			fmt.Errorf("%w: %w", errConfigInvalid, errVaultDirEmpty))
	}

	return fileCfg, cfgFile, nil
}

// loadConfigFile loads and parses one JSONC config file. If mustExist is
// false, a missing file returns a zero Config with loaded=false rather than
// an error.
func loadConfigFile(path string, mustExist bool) (Config, map[string]bool, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, nil, false, nil
		}

		if mustExist {
			return Config{}, nil, false, keeplyerr.New(keeplyerr.KindConfig, path, errConfigFileRead)
		}

		return Config{}, nil, false, nil
	}

	cfg, explicitEmpty, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, nil, false, keeplyerr.New(keeplyerr.KindConfig, path,
			fmt.Errorf("%w: %w", errConfigInvalid, parseErr))
	}

	return cfg, explicitEmpty, true, nil
}

func parseConfig(data []byte) (Config, map[string]bool, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	explicitEmpty := make(map[string]bool)

	if val, exists := raw["vault_dir"]; exists {
		if str, ok := val.(string); ok && str == "" {
			explicitEmpty["vault_dir"] = true
		}
	}

	return cfg, explicitEmpty, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.VaultDir != "" {
		base.VaultDir = overlay.VaultDir
	}

	if overlay.Editor != "" {
		base.Editor = overlay.Editor
	}

	if overlay.BatchSize != 0 {
		base.BatchSize = overlay.BatchSize
	}

	if overlay.BatchIntervalMillis != 0 {
		base.BatchIntervalMillis = overlay.BatchIntervalMillis
	}

	if overlay.QueueCapacity != 0 {
		base.QueueCapacity = overlay.QueueCapacity
	}

	if overlay.WorkerCount != 0 {
		base.WorkerCount = overlay.WorkerCount
	}

	if overlay.Encrypt != nil {
		base.Encrypt = overlay.Encrypt
	}

	if overlay.DBURL != "" {
		base.DBURL = overlay.DBURL
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.VaultDir == "" {
		return errVaultDirEmpty
	}

	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", cfg.BatchSize)
	}

	if cfg.QueueCapacity <= 0 {
		return fmt.Errorf("queue_capacity must be positive, got %d", cfg.QueueCapacity)
	}

	if cfg.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be positive, got %d", cfg.WorkerCount)
	}

	return nil
}

// FormatConfig returns cfg as pretty-printed JSON, for `keeply print-config`
// diagnostics.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}

// WriteProjectConfig persists cfg to workDir's project config file
// (ConfigFileName), replacing its contents atomically so a reader never
// observes a partially written file. Returns the path written.
func WriteProjectConfig(workDir string, cfg Config) (string, error) {
	formatted, err := FormatConfig(cfg)
	if err != nil {
		return "", err
	}

	path := filepath.Join(workDir, ConfigFileName)

	if err := atomic.WriteFile(path, strings.NewReader(formatted+"\n")); err != nil {
		return "", keeplyerr.New(keeplyerr.KindConfig, path, fmt.Errorf("writing project config: %w", err))
	}

	return path, nil
}
