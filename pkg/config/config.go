package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every engine tunable. Zero values are filled with defaults
// so an empty file (or no file at all) yields a working configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Remote   RemoteConfig   `yaml:"remote"`
	Presence PresenceConfig `yaml:"presence"`
	Position PositionConfig `yaml:"position"`
	Save     SaveConfig     `yaml:"save"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	Port      string `yaml:"port"`
	JWTSecret string `yaml:"jwtSecret"`
}

type RemoteConfig struct {
	BaseURL           string `yaml:"baseUrl"`
	ContentPath       string `yaml:"contentPath"`
	LegacyContentPath string `yaml:"legacyContentPath"`
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	Timeout           time.Duration `yaml:"timeout"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

type PositionConfig struct {
	PendingWindow time.Duration `yaml:"pendingWindow"`
}

type SaveConfig struct {
	StateReset   time.Duration `yaml:"stateReset"`
	Placeholders []string      `yaml:"placeholders"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channelPrefix"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: "8090"},
		Remote: RemoteConfig{BaseURL: "http://localhost:8080"},
		Presence: PresenceConfig{
			HeartbeatInterval: 30 * time.Second,
			Timeout:           2 * time.Minute,
			SweepInterval:     time.Minute,
		},
		Position: PositionConfig{PendingWindow: time.Second},
		Save:     SaveConfig{StateReset: 3 * time.Second},
		Redis:    RedisConfig{ChannelPrefix: "pagesync"},
	}
}

// Load reads a yaml file, fills defaults and applies env overrides. A missing
// path is not an error; env and defaults still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if base := os.Getenv("REMOTE_BASE_URL"); base != "" {
		cfg.Remote.BaseURL = base
	}

	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if c.Server.Port == "" {
		c.Server.Port = def.Server.Port
	}
	if c.Presence.HeartbeatInterval <= 0 {
		c.Presence.HeartbeatInterval = def.Presence.HeartbeatInterval
	}
	if c.Presence.Timeout <= 0 {
		c.Presence.Timeout = def.Presence.Timeout
	}
	if c.Presence.SweepInterval <= 0 {
		c.Presence.SweepInterval = def.Presence.SweepInterval
	}
	if c.Position.PendingWindow <= 0 {
		c.Position.PendingWindow = def.Position.PendingWindow
	}
	if c.Save.StateReset <= 0 {
		c.Save.StateReset = def.Save.StateReset
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = def.Redis.ChannelPrefix
	}
}
