// Package config loads the network server's YAML configuration and applies
// environment variable overrides, in the style the rest of this codebase
// uses for all its external settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Log      LogConfig      `yaml:"log"`
	Network  NetworkConfig  `yaml:"network"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// ServerConfig identifies this instance in logs and metrics.
type ServerConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig configures the Postgres registry backend.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig configures the Link quick-access cache. Addr == "" disables
// the cache and the registry talks to the backing store directly.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig configures the event bus the FrameProcessor, DownlinkPlanner
// and gateway bridge use to talk to each other and to application
// handlers.
type NATSConfig struct {
	URL           string `yaml:"url"`
	ClientID      string `yaml:"client_id"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// LogConfig configures zerolog's output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NetworkConfig carries the MAC-layer parameters spec §6 leaves to
// configuration: NetID, receive-window timing, and the RX2 channel plan.
type NetworkConfig struct {
	NetID            string        `yaml:"net_id"`
	JoinAcceptDelay1 time.Duration `yaml:"join_accept_delay1"`
	RXDelay2         time.Duration `yaml:"rx_delay2"`
	RX2Frequency     uint32        `yaml:"rx2_frequency"`
	RX2DataRate      int           `yaml:"rx2_data_rate"`
	MaxJoinAttempts  int           `yaml:"max_devaddr_alloc_attempts"`
}

// GatewayConfig configures the Semtech UDP packet-forwarder bridge.
type GatewayConfig struct {
	UDPBind      string        `yaml:"udp_bind"`
	StatsTimeout time.Duration `yaml:"stats_timeout"`
}

// MQTTConfig configures the optional external application forwarder.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
}

// Load reads filename as YAML and applies environment overrides.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
}

func (c *Config) setDefaults() {
	if c.Network.JoinAcceptDelay1 == 0 {
		c.Network.JoinAcceptDelay1 = 5 * time.Second
	}
	if c.Network.RXDelay2 == 0 {
		c.Network.RXDelay2 = 2 * time.Second
	}
	if c.Network.RX2Frequency == 0 {
		c.Network.RX2Frequency = 869525000
	}
	if c.Network.MaxJoinAttempts == 0 {
		c.Network.MaxJoinAttempts = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
