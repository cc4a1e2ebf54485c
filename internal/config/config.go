package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/halcyon-lab/ophistory/internal/history"
)

// maxRetention is the hard ceiling on the retention window; configured
// values above it are clamped, not rejected.
const maxRetention = 30 * 24 * time.Hour

// Config represents the top-level configuration for ophistory.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	History HistoryConfig `koanf:"history"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`
	Mode string `koanf:"mode"` // "debug" or "release"
}

// StorageConfig locates the two database files.
type StorageConfig struct {
	DataDir         string `koanf:"data_dir"`
	ShortWindowFile string `koanf:"short_window_file"`
	LongWindowFile  string `koanf:"long_window_file"`
	AutoMigrate     bool   `koanf:"auto_migrate"`
}

// HistoryConfig holds the engine tuning knobs. Durations are strings
// parsed by HistoryParams so env overrides stay human-readable.
type HistoryConfig struct {
	ShortQuantization string `koanf:"short_quantization"`
	LongQuantization  string `koanf:"long_quantization"`
	Retention         string `koanf:"retention"`
	// OpsFile optionally points at a YAML allow-list of operations routed
	// to the short window. A missing or malformed file falls back to the
	// built-in list.
	OpsFile string `koanf:"ops_file"`
}

// Load loads the configuration from the given file path and environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"server.port":                8080,
		"server.host":                "0.0.0.0",
		"server.mode":                "release",
		"storage.data_dir":           "./data",
		"storage.short_window_file":  "history_short.db",
		"storage.long_window_file":   "history_long.db",
		"storage.auto_migrate":       true,
		"history.short_quantization": "1m",
		"history.long_quantization":  "15m",
		"history.retention":          "168h",
		"history.ops_file":           "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// 2. Load from file
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Load from Environment Variables
	// OPHISTORY_SERVER__PORT=9090 overrides server.port
	if err := k.Load(env.Provider("OPHISTORY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "OPHISTORY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no deployment could run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server mode %q (want debug or release)", c.Server.Mode)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	for key, value := range map[string]string{
		"history.short_quantization": c.History.ShortQuantization,
		"history.long_quantization":  c.History.LongQuantization,
		"history.retention":          c.History.Retention,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("invalid %s %q: must be positive", key, value)
		}
	}
	return nil
}

// ShortWindowPath returns the short-window database file path.
func (c *Config) ShortWindowPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.ShortWindowFile)
}

// LongWindowPath returns the long-window database file path.
func (c *Config) LongWindowPath() string {
	return filepath.Join(c.Storage.DataDir, c.Storage.LongWindowFile)
}

// HistoryParams translates the validated config into engine parameters.
// The retention window is clamped to the hard maximum.
func (c *Config) HistoryParams() history.Params {
	shortQ, _ := time.ParseDuration(c.History.ShortQuantization)
	longQ, _ := time.ParseDuration(c.History.LongQuantization)
	retention, _ := time.ParseDuration(c.History.Retention)
	if retention > maxRetention {
		slog.Warn("[Config] Retention clamped to maximum",
			"configured", retention,
			"maximum", maxRetention,
		)
		retention = maxRetention
	}

	ops, opFlags := loadOpsAllowList(c.History.OpsFile)
	return history.Params{
		ShortQuantizationMs: shortQ.Milliseconds(),
		LongQuantizationMs:  longQ.Milliseconds(),
		RetentionMs:         retention.Milliseconds(),
		ShortWindowOps:      ops,
		ShortWindowOpFlags:  opFlags,
	}
}

// opsAllowList is the YAML shape of the optional ops file:
//
//	ops: [camera, record_audio]
//	op_flags: [self, trusted_proxied]
type opsAllowList struct {
	Ops     []string `yaml:"ops"`
	OpFlags []string `yaml:"op_flags"`
}

var opFlagsByName = map[string]int32{
	"self":            history.OpFlagSelf,
	"trusted_proxy":   history.OpFlagTrustedProxy,
	"trusted_proxied": history.OpFlagTrustedProxied,
}

// loadOpsAllowList reads the short-window routing list. Any failure falls
// back to the built-in defaults: a broken allow-list must not fail startup.
func loadOpsAllowList(path string) ([]int32, int32) {
	if path == "" {
		return nil, 0 // engine defaults apply
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("[Config] Couldn't read ops allow-list, using defaults", "path", path, "error", err)
		return nil, 0
	}
	var list opsAllowList
	if err := yamlv3.Unmarshal(raw, &list); err != nil {
		slog.Warn("[Config] Malformed ops allow-list, using defaults", "path", path, "error", err)
		return nil, 0
	}

	var ops []int32
	for _, name := range list.Ops {
		code, ok := history.OpByName[name]
		if !ok {
			slog.Warn("[Config] Unknown operation in allow-list, skipping", "op", name)
			continue
		}
		ops = append(ops, code)
	}
	if len(ops) == 0 {
		slog.Warn("[Config] Ops allow-list resolved to nothing, using defaults", "path", path)
		return nil, 0
	}

	var opFlags int32
	for _, name := range list.OpFlags {
		flag, ok := opFlagsByName[name]
		if !ok {
			slog.Warn("[Config] Unknown op flag in allow-list, skipping", "flag", name)
			continue
		}
		opFlags |= flag
	}
	return ops, opFlags
}

// Watch re-loads the config whenever the file changes and hands the result
// to onChange. Reload failures keep the previous configuration.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		return nil
	}
	f := file.Provider(configPath)
	return f.Watch(func(event interface{}, err error) {
		if err != nil {
			slog.Error("[Config] Watch error", "path", configPath, "error", err)
			return
		}
		cfg, err := Load(configPath)
		if err != nil {
			slog.Error("[Config] Reload failed, keeping previous configuration", "path", configPath, "error", err)
			return
		}
		slog.Info("[Config] Configuration reloaded", "path", configPath)
		onChange(cfg)
	})
}
