package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. AUCTIOND_DATABASE_HOST.
const EnvPrefix = "AUCTIOND_"

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database" envPrefix:"DATABASE_"`
	Server         ServerConfig         `yaml:"server" envPrefix:"SERVER_"`
	Auth           AuthConfig           `yaml:"auth" envPrefix:"AUTH_"`
	Auction        AuctionConfig        `yaml:"auction" envPrefix:"AUCTION_"`
	Redis          RedisConfig          `yaml:"redis" envPrefix:"REDIS_"`
	Discord        DiscordConfig        `yaml:"discord" envPrefix:"DISCORD_"`
	Telemetry      TelemetryConfig      `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election" envPrefix:"LEADER_ELECTION_"`
}

// DatabaseConfig holds store driver settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // "memory", "sqlx" or "mongo"

	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DBName   string `yaml:"dbname" env:"DBNAME"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
	Migrate  bool   `yaml:"migrate" env:"MIGRATE"`

	MongoURI      string `yaml:"mongo_uri" env:"MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"MONGO_DATABASE"`

	// SeedFile is loaded by the memory driver on open.
	SeedFile string `yaml:"seed_file" env:"SEED_FILE"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// AuthConfig holds bearer token settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// AuctionConfig tunes the live auction core.
type AuctionConfig struct {
	PreviewSize   int           `yaml:"preview_size" env:"PREVIEW_SIZE"`
	MaxLogLines   int           `yaml:"max_log_lines" env:"MAX_LOG_LINES"`
	SendBuffer    int           `yaml:"send_buffer" env:"SEND_BUFFER"`
	InboundRate   float64       `yaml:"inbound_rate" env:"INBOUND_RATE"`
	InboundBurst  int           `yaml:"inbound_burst" env:"INBOUND_BURST"`
	WriteTimeout  time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	PongTimeout   time.Duration `yaml:"pong_timeout" env:"PONG_TIMEOUT"`
	MaxMessageLen int64         `yaml:"max_message_len" env:"MAX_MESSAGE_LEN"`
}

// RedisConfig enables the cross-replica broadcast relay when Addr is set.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" env:"DB"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl" env:"SNAPSHOT_TTL"`
}

// DiscordConfig enables the auction announcer when Token is set.
type DiscordConfig struct {
	Token       string   `yaml:"token" env:"TOKEN"`
	ChannelID   string   `yaml:"channel_id" env:"CHANNEL_ID"`
	Tournaments []string `yaml:"tournaments" env:"TOURNAMENTS" envSeparator:","`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	Insecure       bool   `yaml:"insecure" env:"INSECURE"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	LeaseName      string        `yaml:"lease_name" env:"LEASE_NAME"`
	LeaseNamespace string        `yaml:"lease_namespace" env:"LEASE_NAMESPACE"`
	LeaseDuration  time.Duration `yaml:"lease_duration" env:"LEASE_DURATION"`
	RenewDeadline  time.Duration `yaml:"renew_deadline" env:"RENEW_DEADLINE"`
	RetryPeriod    time.Duration `yaml:"retry_period" env:"RETRY_PERIOD"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        "memory",
			Host:          "localhost",
			Port:          5432,
			SSLMode:       "disable",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "auction",
		},
		Auction: AuctionConfig{
			PreviewSize:   5,
			MaxLogLines:   500,
			SendBuffer:    32,
			InboundRate:   20,
			InboundBurst:  40,
			WriteTimeout:  10 * time.Second,
			PongTimeout:   60 * time.Second,
			MaxMessageLen: 4096,
		},
		Redis: RedisConfig{
			SnapshotTTL: 12 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// Load reads a YAML configuration file from the given path and applies
// AUCTIOND_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "memory", "sqlx", "mongo":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"memory\", \"sqlx\" or \"mongo\"", c.Database.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auction.PreviewSize < 0 {
		return fmt.Errorf("auction.preview_size must not be negative")
	}
	if c.Auction.SendBuffer <= 0 {
		return fmt.Errorf("auction.send_buffer must be positive")
	}
	if c.Auction.InboundRate <= 0 || c.Auction.InboundBurst <= 0 {
		return fmt.Errorf("auction.inbound_rate and auction.inbound_burst must be positive")
	}
	if c.Auction.WriteTimeout <= 0 || c.Auction.PongTimeout <= 0 {
		return fmt.Errorf("auction.write_timeout and auction.pong_timeout must be positive")
	}
	if c.Discord.Token != "" && c.Discord.ChannelID == "" {
		return fmt.Errorf("discord.channel_id is required when discord.token is set")
	}
	return nil
}
