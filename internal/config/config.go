package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. POCKETIDE_SERVER_HOST.
const EnvPrefix = "POCKETIDE"

var validate = validator.New()

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Terminal  TerminalConfig  `toml:"terminal"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Git       GitConfig       `toml:"git"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host" validate:"required"`
	// Port also honors a bare PORT variable, which most PaaS hosts set.
	Port           int      `toml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	DataDir        string   `toml:"data_dir" split_words:"true" validate:"required"`
	DatabaseURL    string   `toml:"database_url" split_words:"true"`
	NatsURL        string   `toml:"nats_url" split_words:"true"`
	AllowedOrigins []string `toml:"allowed_origins" split_words:"true"` // empty = same-origin only, "*" = any
}

type TerminalConfig struct {
	Shell        string        `toml:"shell"` // empty = probe
	DefaultCols  int           `toml:"default_cols" split_words:"true" validate:"min=1,max=500"`
	DefaultRows  int           `toml:"default_rows" split_words:"true" validate:"min=1,max=200"`
	WriteTimeout time.Duration `toml:"write_timeout" split_words:"true" validate:"gt=0"`
	KillGrace    time.Duration `toml:"kill_grace" split_words:"true" validate:"gt=0"`
	InputRate    float64       `toml:"input_rate" split_words:"true" validate:"gte=0"` // messages/sec, 0 = unlimited
	InputBurst   int           `toml:"input_burst" split_words:"true" validate:"gte=0"`
}

type WorkspaceConfig struct {
	Root string `toml:"root"` // default <data_dir>/user-workspaces
}

type GitConfig struct {
	HelperDir string        `toml:"helper_dir" split_words:"true"` // default <data_dir>/git-credentials-helper
	Timeout   time.Duration `toml:"timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level       string `toml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `toml:"development"`
}

func DefaultConfig() *Config {
	dataDir := "/var/lib/pocketide"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "pocketide")
	}

	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			DataDir:        dataDir,
			AllowedOrigins: []string{},
		},
		Terminal: TerminalConfig{
			DefaultCols:  80,
			DefaultRows:  24,
			WriteTimeout: 5 * time.Second,
			KillGrace:    2 * time.Second,
			InputRate:    200,
			InputBurst:   200,
		},
		Git: GitConfig{
			Timeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads /etc/pocketide/config.toml, then the user config, then
// <data_dir>/config.toml, then POCKETIDE_* environment overrides.
func Load() (*Config, error) {
	paths := []string{"/etc/pocketide/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pocketide", "config.toml"))
	}
	return LoadFrom(paths...)
}

// LoadFrom is Load with an explicit list of config files. Missing files are
// skipped.
func LoadFrom(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		if err := decodeIfExists(path, cfg); err != nil {
			return nil, err
		}
	}

	// Runtime-written settings live next to the data.
	if err := decodeIfExists(filepath.Join(cfg.Server.DataDir, "config.toml"), cfg); err != nil {
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeIfExists(path string, cfg *Config) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// fillDerived fills paths that default to locations under the data dir.
func (c *Config) fillDerived() {
	if c.Workspace.Root == "" {
		c.Workspace.Root = filepath.Join(c.Server.DataDir, "user-workspaces")
	}
	if c.Git.HelperDir == "" {
		c.Git.HelperDir = filepath.Join(c.Server.DataDir, "git-credentials-helper")
	}
}

// Validate checks the configuration using struct tags.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// SetDataDir changes the data dir and re-derives the paths that were
// defaulted from it.
func (c *Config) SetDataDir(dir string) {
	oldWorkspaces := filepath.Join(c.Server.DataDir, "user-workspaces")
	oldHelpers := filepath.Join(c.Server.DataDir, "git-credentials-helper")
	c.Server.DataDir = dir
	if c.Workspace.Root == oldWorkspaces {
		c.Workspace.Root = ""
	}
	if c.Git.HelperDir == oldHelpers {
		c.Git.HelperDir = ""
	}
	c.fillDerived()
}

func (c *Config) EnsureDataDir() error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{c.Server.DataDir, 0755},
		{c.Workspace.Root, 0755},
		{c.Git.HelperDir, 0700},
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir.path, dir.mode); err != nil {
			return err
		}
	}

	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
