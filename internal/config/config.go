// Package config loads usersync settings.
//
// Precedence, lowest first: built-in defaults, the config file, USERSYNC_*
// environment variables, then command-line flags bound by the CLI.
//
// The config file is usersync.toml (or .yaml/.json) in the working
// directory or $HOME/.config/usersync, unless a path is given explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides: db.path -> USERSYNC_DB_PATH.
const EnvPrefix = "USERSYNC"

// DefaultRemoteURL serves the user list at /users.
const DefaultRemoteURL = "https://jsonplaceholder.typicode.com"

// Config is the resolved configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Locale    string          `mapstructure:"locale"`
	Log       LogConfig       `mapstructure:"log"`
}

// DBConfig locates the SQLite cache.
type DBConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig selects the remote source. File wins over URL when both are set.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	File    string        `mapstructure:"file"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// CacheConfig controls staleness.
type CacheConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// DaemonConfig controls background refresh.
type DaemonConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// DashboardConfig controls the WebSocket dashboard.
type DashboardConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig controls the optional rotated log file.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Verbose    bool   `mapstructure:"verbose"`
}

// defaults is the single source of default values, keyed like the file.
var defaults = map[string]interface{}{
	"db.path":          filepath.Join(".usersync", "cache.db"),
	"remote.url":       DefaultRemoteURL,
	"remote.file":      "",
	"remote.timeout":   "30s",
	"cache.max_age":    "24h",
	"daemon.interval":  "1m",
	"daemon.debounce":  "250ms",
	"dashboard.host":   "",
	"dashboard.port":   8080,
	"locale":           "en-US",
	"log.file":         "",
	"log.max_size_mb":  10,
	"log.max_backups":  3,
	"log.max_age_days": 28,
	"log.verbose":      false,
}

// New returns a viper instance with defaults and environment overrides
// registered.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file into v and decodes the result. An explicit
// path must exist; otherwise a missing file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("usersync")
		v.AddConfigPath(".")
		if dir, err := UserDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path must be set")
	}
	if c.Remote.URL == "" && c.Remote.File == "" {
		return fmt.Errorf("one of remote.url or remote.file must be set")
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("remote.timeout must not be negative")
	}
	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive")
	}
	if c.Daemon.Interval <= 0 {
		return fmt.Errorf("daemon.interval must be positive")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port)
	}
	return nil
}

// UserDir returns $HOME/.config/usersync.
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "usersync"), nil
}

// WriteDefault writes a TOML file holding every default. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(nest(defaults)); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Settings returns every resolved key and value in v, nested by section.
func Settings(v *viper.Viper) map[string]interface{} {
	return v.AllSettings()
}

// nest turns dotted keys into TOML tables.
func nest(flat map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for key, value := range flat {
		section, name, ok := strings.Cut(key, ".")
		if !ok {
			out[key] = value
			continue
		}
		table, _ := out[section].(map[string]interface{})
		if table == nil {
			table = make(map[string]interface{})
			out[section] = table
		}
		table[name] = value
	}
	return out
}
