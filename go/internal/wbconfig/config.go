// Package wbconfig loads settings shared by the relay and recorder binaries.
//
// Values come from an optional YAML file and are then overridden by environment variables, so a
// deployment can ship one file and tweak single values per instance.
package wbconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds a participant can join a room over
const (
	TransportRelay   = "relay"
	TransportLiveKit = "livekit"
	TransportNATS    = "nats"
)

type Config struct {
	Transport string          `yaml:"transport"`
	Room      RoomConfig      `yaml:"room"`
	Sync      SyncConfig      `yaml:"sync"`
	Relay     RelayConfig     `yaml:"relay"`
	NATS      NATSConfig      `yaml:"nats"`
	LiveKit   LiveKitConfig   `yaml:"livekit"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Database  DatabaseConfig  `yaml:"database"`
}

type RoomConfig struct {
	ID          string `yaml:"id"`
	Participant string `yaml:"participant"`
}

type SyncConfig struct {
	Interval   time.Duration `yaml:"interval"`
	EchoWindow time.Duration `yaml:"echo_window"`
	SaveDelay  time.Duration `yaml:"save_delay"`
}

type RelayConfig struct {
	Port           string   `yaml:"port"`
	URL            string   `yaml:"url"` // used by participants; empty means discover over mDNS
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxMessageSize int64    `yaml:"max_message_size"`
}

type NATSConfig struct {
	URL    string        `yaml:"url"`
	Stream string        `yaml:"stream"` // non-empty enables JetStream history
	MaxAge time.Duration `yaml:"max_age"`
	Bridge bool          `yaml:"bridge"` // relay instances share rooms over NATS
}

type LiveKitConfig struct {
	Host      string        `yaml:"host"`
	APIKey    string        `yaml:"api_key"`
	APISecret string        `yaml:"api_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type DiscoveryConfig struct {
	Advertise bool          `yaml:"advertise"`
	Instance  string        `yaml:"instance"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DatabaseConfig holds Postgres connection settings for snapshots
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// Default returns the built-in settings
func Default() Config {
	return Config{
		Transport: TransportRelay,
		Sync: SyncConfig{
			Interval:   50 * time.Millisecond,
			EchoWindow: 100 * time.Millisecond,
			SaveDelay:  2 * time.Second,
		},
		Relay: RelayConfig{
			Port:           "8081",
			AllowedOrigins: []string{"http://localhost:3000"},
			MaxMessageSize: 512 * 1024,
		},
		NATS: NATSConfig{
			URL:    "nats://localhost:4222",
			MaxAge: 24 * time.Hour,
		},
		LiveKit: LiveKitConfig{
			TokenTTL: time.Hour,
		},
		Discovery: DiscoveryConfig{
			Timeout: 2 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			Database: "boardsync",
			SSLMode:  "disable",
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies environment overrides
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks values that would otherwise fail later and far from their source
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportRelay, TransportNATS:
	case TransportLiveKit:
		if c.LiveKit.Host == "" {
			errs = append(errs, errors.New("livekit transport requires LIVEKIT_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync interval must be positive"))
	}
	if c.Sync.EchoWindow <= 0 {
		errs = append(errs, errors.New("echo window must be positive"))
	}
	if c.Relay.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("relay max message size must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnv() {
	c.Transport = getEnv("TRANSPORT", c.Transport)

	c.Room.ID = getEnv("ROOM_ID", c.Room.ID)
	c.Room.Participant = getEnv("PARTICIPANT_ID", c.Room.Participant)

	c.Sync.Interval = getEnvAsDuration("SYNC_INTERVAL", c.Sync.Interval)
	c.Sync.EchoWindow = getEnvAsDuration("ECHO_WINDOW", c.Sync.EchoWindow)
	c.Sync.SaveDelay = getEnvAsDuration("SAVE_DELAY", c.Sync.SaveDelay)

	c.Relay.Port = getEnv("RELAY_PORT", c.Relay.Port)
	c.Relay.URL = getEnv("RELAY_URL", c.Relay.URL)
	c.Relay.AllowedOrigins = getEnvAsList("ALLOWED_ORIGINS", c.Relay.AllowedOrigins)
	c.Relay.MaxMessageSize = int64(getEnvAsInt("MAX_MESSAGE_SIZE", int(c.Relay.MaxMessageSize)))

	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.Stream = getEnv("NATS_STREAM", c.NATS.Stream)
	c.NATS.MaxAge = getEnvAsDuration("NATS_MAX_AGE", c.NATS.MaxAge)
	c.NATS.Bridge = getEnvAsBool("NATS_BRIDGE", c.NATS.Bridge)

	c.LiveKit.Host = getEnv("LIVEKIT_URL", c.LiveKit.Host)
	c.LiveKit.APIKey = getEnv("LIVEKIT_API_KEY", c.LiveKit.APIKey)
	c.LiveKit.APISecret = getEnv("LIVEKIT_API_SECRET", c.LiveKit.APISecret)
	c.LiveKit.TokenTTL = getEnvAsDuration("LIVEKIT_TOKEN_TTL", c.LiveKit.TokenTTL)

	c.Discovery.Advertise = getEnvAsBool("MDNS_ADVERTISE", c.Discovery.Advertise)
	c.Discovery.Instance = getEnv("MDNS_INSTANCE", c.Discovery.Instance)
	c.Discovery.Timeout = getEnvAsDuration("MDNS_TIMEOUT", c.Discovery.Timeout)

	c.Database.Enabled = getEnvAsBool("SNAPSHOTS_ENABLED", c.Database.Enabled)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
