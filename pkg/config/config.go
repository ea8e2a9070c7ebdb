package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sessions"
	"github.com/rubiojr/panhub/pkg/sources"
)

//go:embed config.toml.sample
var configTemplate string

const (
	DefaultConcurrency   = 4
	DefaultPluginTimeout = 5 * time.Second
	DefaultListen        = "127.0.0.1:3000"
	DefaultAPIBase       = "http://127.0.0.1:3000/api"
	DefaultUpstream      = "http://127.0.0.1:8888"
)

type Config struct {
	StorageDir string          `toml:"storage_dir"`
	LogLevel   string          `toml:"log_level"`
	Search     Settings        `toml:"search"`
	Server     ServerConfig    `toml:"server"`
	Cache      CacheConfig     `toml:"cache"`
	HotSearch  HotSearchConfig `toml:"hot_search"`
}

// Settings are the user's search preferences.
type Settings struct {
	EnabledPlugins  []string `toml:"enabled_plugins"`
	EnabledChannels []string `toml:"enabled_channels"`
	Concurrency     int      `toml:"concurrency"`
	PluginTimeout   Duration `toml:"plugin_timeout"`
}

type ServerConfig struct {
	Listen     string   `toml:"listen"`
	APIBase    string   `toml:"api_base"`
	Upstream   string   `toml:"upstream"`
	RateLimit  float64  `toml:"rate_limit"`
	RateBurst  int      `toml:"rate_burst"`
	SessionTTL Duration `toml:"session_ttl"`
}

type CacheConfig struct {
	TTL             Duration `toml:"ttl"`
	MaxEntries      int      `toml:"max_entries"`
	MaxMemoryMB     int      `toml:"max_memory_mb"`
	CleanupInterval Duration `toml:"cleanup_interval"`
}

type HotSearchConfig struct {
	DBPath     string `toml:"db_path"`
	MaxEntries int    `toml:"max_entries"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DefaultSettings enables every plugin and the default channels.
func DefaultSettings() Settings {
	return Settings{
		EnabledPlugins:  append([]string(nil), sources.AllPlugins...),
		EnabledChannels: append([]string(nil), sources.DefaultChannels...),
		Concurrency:     DefaultConcurrency,
		PluginTimeout:   Duration{DefaultPluginTimeout},
	}
}

// Normalize returns s with out of range values replaced: positive
// concurrency is clamped to [1,16] and anything else becomes the default,
// non-positive timeouts become the default, unknown plugins are dropped and
// an empty plugin list falls back to every plugin. Channels are kept as given.
func (s Settings) Normalize() Settings {
	out := Settings{
		EnabledPlugins:  sources.FilterKnownPlugins(s.EnabledPlugins),
		EnabledChannels: append([]string(nil), s.EnabledChannels...),
		Concurrency:     DefaultConcurrency,
		PluginTimeout:   s.PluginTimeout,
	}
	if len(out.EnabledPlugins) == 0 {
		out.EnabledPlugins = append([]string(nil), sources.AllPlugins...)
	}
	if s.Concurrency > 0 {
		out.Concurrency = orchestrator.ClampConcurrency(s.Concurrency)
	}
	if out.PluginTimeout.Duration <= 0 {
		out.PluginTimeout = Duration{DefaultPluginTimeout}
	}
	return out
}

// ToSearch converts the settings into what a search run consumes.
func (s Settings) ToSearch() orchestrator.Settings {
	return orchestrator.Settings{
		Plugins:       s.EnabledPlugins,
		Channels:      s.EnabledChannels,
		Concurrency:   s.Concurrency,
		PluginTimeout: s.PluginTimeout.Duration,
	}
}

// ToCache converts the section into a cache configuration.
func (c CacheConfig) ToCache() cache.Config {
	return cache.Config{
		TTL:             c.TTL.Duration,
		MaxEntries:      c.MaxEntries,
		MaxMemoryBytes:  int64(c.MaxMemoryMB) << 20,
		CleanupInterval: c.CleanupInterval.Duration,
	}
}

// SessionConfig returns the session manager configuration.
func (s ServerConfig) SessionConfig() sessions.Config {
	return sessions.Config{TTL: s.SessionTTL.Duration}
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() log.Level {
	if lvl, ok := log.ParseLevel(c.LogLevel); ok {
		return lvl
	}
	return log.LevelInfo
}

// HotSearchDBPath returns the hot-search database path.
func (c *Config) HotSearchDBPath() string {
	if c.HotSearch.DBPath != "" {
		return c.HotSearch.DBPath
	}
	return filepath.Join(c.StorageDir, "hot_searches.db")
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	c := &Config{StorageDir: storageDir}
	c.applyDefaults()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.Search.EnabledChannels) == 0 {
		c.Search.EnabledChannels = append([]string(nil), sources.DefaultChannels...)
	}
	c.Search = c.Search.Normalize()

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.APIBase == "" {
		c.Server.APIBase = DefaultAPIBase
	}
	if c.Server.Upstream == "" {
		c.Server.Upstream = DefaultUpstream
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = max(1, int(c.Server.RateLimit*2))
	}
	if c.Server.SessionTTL.Duration <= 0 {
		c.Server.SessionTTL = Duration{sessions.DefaultTTL}
	}

	if c.Cache.TTL.Duration <= 0 {
		c.Cache.TTL = Duration{cache.DefaultTTL}
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = cache.DefaultMaxEntries
	}
	if c.Cache.MaxMemoryMB <= 0 {
		c.Cache.MaxMemoryMB = cache.DefaultMaxMemoryBytes >> 20
	}
	if c.Cache.CleanupInterval.Duration <= 0 {
		c.Cache.CleanupInterval = Duration{cache.DefaultCleanupInterval}
	}

	if c.HotSearch.MaxEntries <= 0 {
		c.HotSearch.MaxEntries = hotsearch.DefaultMaxEntries
	}
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if _, ok := log.ParseLevel(config.LogLevel); config.LogLevel != "" && !ok {
		return nil, fmt.Errorf("invalid log_level %q", config.LogLevel)
	}

	if config.StorageDir == "" {
		storageDir, err := GetDefaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("getting default storage directory: %w", err)
		}
		config.StorageDir = storageDir
	}
	config.applyDefaults()

	return &config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		var err error
		storageDir, err = GetDefaultStorageDir()
		if err != nil {
			return "", fmt.Errorf("getting default storage directory: %w", err)
		}
	}

	// Replace the placeholder storage_dir with the actual path
	return strings.Replace(configTemplate, "/home/user/.local/share/panhub", storageDir, 1), nil
}

// GetDefaultStorageDir returns the default directory for the hot-search database
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "panhub")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetConfigDir returns the configuration directory for panhub
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "panhub")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
