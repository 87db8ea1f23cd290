// Package config loads interlock settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Reservations ReservationsConfig `mapstructure:"reservations"`
	Guard        GuardConfig        `mapstructure:"guard"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Server       ServerConfig       `mapstructure:"server"`
	Sweeper      SweeperConfig      `mapstructure:"sweeper"`
	Log          LogConfig          `mapstructure:"log"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

type ArchiveConfig struct {
	Root    string `mapstructure:"root"`
	Enabled bool   `mapstructure:"enabled"`
}

type ReservationsConfig struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type GuardConfig struct {
	// Mode is "block" or "warn".
	Mode      string `mapstructure:"mode"`
	AgentName string `mapstructure:"agent_name"`
	Bypass    bool   `mapstructure:"bypass"`
}

type IdentityConfig struct {
	WorktreesEnabled bool   `mapstructure:"worktrees_enabled"`
	Remote           string `mapstructure:"remote"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	Socket   string `mapstructure:"socket"`
	KeysFile string `mapstructure:"keys_file"`
}

type SweeperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	// File additionally receives JSON records from serve.
	File string `mapstructure:"file"`
}

// Env names read by the guard. They are bound verbatim, without the
// INTERLOCK_ prefix, because hooks and agents already export them.
const (
	EnvAgentName        = "AGENT_NAME"
	EnvBypass           = "AGENT_MAIL_BYPASS"
	EnvGuardMode        = "AGENT_MAIL_GUARD_MODE"
	EnvWorktreesEnabled = "WORKTREES_ENABLED"
)

// Dir returns the per-user interlock directory holding the database and archive.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".interlock"
	}
	return filepath.Join(home, ".interlock")
}

// ConfigDir returns the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "interlock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".interlock"
	}
	return filepath.Join(home, ".config", "interlock")
}

func Default() *Config {
	dir := Dir()
	return &Config{
		Storage:      StorageConfig{Path: filepath.Join(dir, "interlock.db")},
		Archive:      ArchiveConfig{Root: filepath.Join(dir, "archive"), Enabled: true},
		Reservations: ReservationsConfig{DefaultTTL: time.Hour},
		Guard:        GuardConfig{Mode: "block"},
		Identity:     IdentityConfig{WorktreesEnabled: true, Remote: "origin"},
		Server: ServerConfig{
			Addr:     "127.0.0.1:7338",
			KeysFile: filepath.Join(ConfigDir(), "keys.yaml"),
		},
		Sweeper: SweeperConfig{Interval: time.Minute},
		Log:     LogConfig{Level: "info"},
	}
}

// InitViper returns a viper instance with defaults, the config file (when
// present) and environment bindings applied. An empty configFile searches
// ConfigDir for config.yaml.
//
// Precedence, highest first: flags bound by the caller, environment, config
// file, defaults.
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(ConfigDir())
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("INTERLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"guard.agent_name":           EnvAgentName,
		"guard.bypass":               EnvBypass,
		"guard.mode":                 EnvGuardMode,
		"identity.worktrees_enabled": EnvWorktreesEnabled,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, "INTERLOCK_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("archive.root", d.Archive.Root)
	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("reservations.default_ttl", d.Reservations.DefaultTTL)
	v.SetDefault("guard.mode", d.Guard.Mode)
	v.SetDefault("guard.agent_name", d.Guard.AgentName)
	v.SetDefault("guard.bypass", d.Guard.Bypass)
	v.SetDefault("identity.worktrees_enabled", d.Identity.WorktreesEnabled)
	v.SetDefault("identity.remote", d.Identity.Remote)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.socket", d.Server.Socket)
	v.SetDefault("server.keys_file", d.Server.KeysFile)
	v.SetDefault("sweeper.interval", d.Sweeper.Interval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := Decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode unmarshals v without validating. The guard uses it so a bad
// guard.mode still reaches the hook, which blocks and says why.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.Guard.Mode = strings.ToLower(strings.TrimSpace(cfg.Guard.Mode))
	if cfg.Guard.Mode == "" {
		cfg.Guard.Mode = "block"
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Guard.Mode {
	case "block", "warn":
	default:
		errs = append(errs, fmt.Errorf("guard.mode: must be block or warn, got %q", c.Guard.Mode))
	}
	if c.Reservations.DefaultTTL < time.Second {
		errs = append(errs, fmt.Errorf("reservations.default_ttl: must be at least 1s, got %s", c.Reservations.DefaultTTL))
	}
	if c.Sweeper.Interval < 0 {
		errs = append(errs, fmt.Errorf("sweeper.interval: must not be negative"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: required"))
	}
	return errors.Join(errs...)
}
