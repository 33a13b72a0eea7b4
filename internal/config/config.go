package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"wallhost/internal/channel"
	"wallhost/pkg/logger"
	"wallhost/pkg/plugin"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WALLHOST_"

// PathEnv names the variable consulted when no config path is given.
const PathEnv = EnvPrefix + "CONFIG"

// Config describes everything the host needs at boot.
type Config struct {
	Log       logger.Config        `yaml:"log" envPrefix:"LOG_"`
	Wallpaper WallpaperConfig      `yaml:"wallpaper" envPrefix:"WALLPAPER_"`
	Worker    WorkerConfig         `yaml:"worker" envPrefix:"WORKER_"`
	Channel   ChannelConfig        `yaml:"channel" envPrefix:"CHANNEL_"`
	Catalog   CatalogConfig        `yaml:"catalog" envPrefix:"CATALOG_"`
	Plugins   plugin.ManagerConfig `yaml:"plugins"`
}

// WallpaperConfig points at the library the resource watcher observes.
type WallpaperConfig struct {
	Dir string `yaml:"dir" env:"DIR"`
}

// WorkerConfig controls the rendering worker.
type WorkerConfig struct {
	// HWND is the window handle the default renderer binds to.
	HWND int64 `yaml:"hwnd" env:"HWND"`

	// Platform overrides runtime.GOOS when resolving Binaries.
	Platform string            `yaml:"platform" env:"PLATFORM"`
	Binaries map[string]string `yaml:"binaries"`
	Args     []string          `yaml:"args"`

	// Env holds extra KEY=VALUE pairs for the worker environment.
	Env         []string      `yaml:"env"`
	KillTimeout time.Duration `yaml:"killTimeout" env:"KILL_TIMEOUT"`

	// AutoStart restores the last active wallpaper of HWND at boot.
	AutoStart bool `yaml:"autoStart" env:"AUTOSTART"`
}

// ChannelConfig selects the transport the service bus is served on.
type ChannelConfig struct {
	Transport string              `yaml:"transport" env:"TRANSPORT"`
	Socket    string              `yaml:"socket" env:"SOCKET"`
	Redis     channel.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	AMQP      channel.AMQPConfig  `yaml:"amqp" envPrefix:"AMQP_"`
}

// CatalogConfig selects where discovered wallpapers are persisted.
type CatalogConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
	Path   string `yaml:"path" env:"PATH"`
}

// Transports and catalog drivers understood by the host.
const (
	TransportUnix  = "unix"
	TransportRedis = "redis"
	TransportAMQP  = "amqp"

	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Resolve returns the config path to use: explicit, then WALLHOST_CONFIG.
// An empty result means built-in defaults only.
func Resolve(path string) string {
	if path != "" {
		return path
	}
	return os.Getenv(PathEnv)
}

// Load parses the YAML file at path, applies environment overrides and fills
// defaults. Relative paths are resolved against the file's directory. An
// empty path loads defaults rooted at the user config directory.
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := DefaultDir()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		baseDir = filepath.Dir(abs)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultDir is the directory defaults are rooted at when no file is given.
func DefaultDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}
	return filepath.Join(dir, "wallhost")
}

// applyDefaults fills fields the user left out and anchors relative paths.
func (c *Config) applyDefaults(baseDir string) {
	if c.Wallpaper.Dir == "" {
		c.Wallpaper.Dir = filepath.Join(baseDir, "wallpapers")
	}
	c.Wallpaper.Dir = anchor(baseDir, c.Wallpaper.Dir)

	if c.Worker.KillTimeout <= 0 {
		c.Worker.KillTimeout = 5 * time.Second
	}
	if len(c.Worker.Binaries) == 0 {
		c.Worker.Binaries = map[string]string{
			"windows": "renderer/wallhost-renderer.exe",
			"linux":   "renderer/wallhost-renderer",
		}
	}
	for goos, bin := range c.Worker.Binaries {
		c.Worker.Binaries[goos] = anchor(baseDir, bin)
	}

	c.Channel.Transport = strings.ToLower(c.Channel.Transport)
	if c.Channel.Transport == "" {
		c.Channel.Transport = TransportUnix
	}
	if c.Channel.Socket == "" {
		c.Channel.Socket = filepath.Join(baseDir, "wallhost.sock")
	}
	c.Channel.Socket = anchor(baseDir, c.Channel.Socket)

	c.Catalog.Driver = strings.ToLower(c.Catalog.Driver)
	if c.Catalog.Driver == "" {
		c.Catalog.Driver = DriverSQLite
	}
	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(baseDir, "catalog.db")
	}
	c.Catalog.Path = anchor(baseDir, c.Catalog.Path)

	if c.Log.Audit.Enabled && c.Log.Audit.Path == "" {
		c.Log.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}
	if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = anchor(baseDir, c.Log.Audit.Path)
	}

	if c.Plugins.PluginDir == "" {
		c.Plugins.PluginDir = filepath.Join(baseDir, "plugins")
	}
	c.Plugins.PluginDir = anchor(baseDir, c.Plugins.PluginDir)
	if c.Plugins.Plugins == nil {
		c.Plugins.Plugins = map[string]plugin.PluginConfig{}
	}
}

// Validate rejects configurations the host cannot start with.
func (c *Config) Validate() error {
	switch c.Channel.Transport {
	case TransportUnix:
		if c.Channel.Socket == "" {
			return errors.New("channel socket cannot be empty")
		}
	case TransportRedis:
		if c.Channel.Redis.Address == "" {
			return errors.New("channel.redis.address is required for the redis transport")
		}
	case TransportAMQP:
		if c.Channel.AMQP.URL == "" {
			return errors.New("channel.amqp.url is required for the amqp transport")
		}
	default:
		return fmt.Errorf("unsupported channel transport %q", c.Channel.Transport)
	}

	switch c.Catalog.Driver {
	case DriverMemory, DriverSQLite:
	case DriverMySQL:
		if c.Catalog.DSN == "" {
			return errors.New("catalog.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("unsupported catalog driver %q", c.Catalog.Driver)
	}

	if c.Worker.HWND < 0 {
		return errors.New("worker.hwnd cannot be negative")
	}
	return nil
}

func anchor(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
