package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppName  string `mapstructure:"app_name"`
	Env      string `mapstructure:"app_env"`
	Host     string `mapstructure:"http_host"`
	Port     int    `mapstructure:"http_port"`
	LogLevel string `mapstructure:"log_level"`

	// InstanceID names this process on the fanout bus; defaults to the hostname.
	InstanceID string `mapstructure:"instance_id"`

	StoreDriver   string `mapstructure:"store_driver"`
	DatabaseURL   string `mapstructure:"database_url"`
	PostgresHost  string `mapstructure:"postgres_host"`
	PostgresPort  string `mapstructure:"postgres_port"`
	PostgresUser  string `mapstructure:"postgres_user"`
	PostgresPass  string `mapstructure:"postgres_password"`
	PostgresDB    string `mapstructure:"postgres_db"`
	SQLitePath    string `mapstructure:"sqlite_path"`
	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	JWTSecret  string `mapstructure:"jwt_secret"`
	EncryptKey string `mapstructure:"encryption_key"`
	// LegacyEncryptKeys are Fernet keys still accepted for decryption.
	LegacyEncryptKeys []string `mapstructure:"legacy_encryption_keys"`

	MailboxPath     string `mapstructure:"mailbox_path"`
	MailboxCapacity int    `mapstructure:"mailbox_capacity"`
	MailboxPolicy   string `mapstructure:"mailbox_policy"`

	BusDriver         string        `mapstructure:"bus_driver"`
	NATSURL           string        `mapstructure:"nats_url"`
	NATSSubjectPrefix string        `mapstructure:"nats_subject_prefix"`
	PresenceHeartbeat time.Duration `mapstructure:"presence_heartbeat"`

	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	PersistTimeout      time.Duration `mapstructure:"persist_timeout"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`

	CORSOrigins                []string `mapstructure:"cors_origins"`
	BacklogLimit               int      `mapstructure:"backlog_limit"`
	MaxMessageLength           int      `mapstructure:"max_message_length"`
	MessagePattern             string   `mapstructure:"message_pattern"`
	MaxMessagesPerConversation int      `mapstructure:"max_messages_per_conversation"`
}

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"

	BusMemory = "memory"
	BusNATS   = "nats"

	PolicyEvictOldest = "evict_oldest"
	PolicyReject      = "reject"

	// DefaultMessagePattern follows the legacy message schema: word characters,
	// whitespace and light punctuation only.
	DefaultMessagePattern = `^[\p{L}\p{N}_\s,.!?'-]+$`
)

var defaults = map[string]any{
	"app_name":  "chatcore",
	"app_env":   "development",
	"http_host": "0.0.0.0",
	"http_port": 8000,
	"log_level": "info",

	"instance_id": "",

	"store_driver":      StoreSQLite,
	"database_url":      "",
	"postgres_host":     "localhost",
	"postgres_port":     "5432",
	"postgres_user":     "postgres",
	"postgres_password": "postgres",
	"postgres_db":       "chat",
	"sqlite_path":       "data/chat.db",
	"mongo_uri":         "mongodb://localhost:27017",
	"mongo_database":    "chat",

	"jwt_secret":             "",
	"encryption_key":         "",
	"legacy_encryption_keys": []string{},

	"mailbox_path":     "data/mailbox",
	"mailbox_capacity": 500,
	"mailbox_policy":   PolicyEvictOldest,

	"bus_driver":          BusMemory,
	"nats_url":            "nats://localhost:4222",
	"nats_subject_prefix": "chat",
	"presence_heartbeat":  "10s",

	"handshake_timeout":     "10s",
	"persist_timeout":       "5s",
	"shutdown_grace_period": "10s",

	"cors_origins":                  []string{"http://localhost:3000", "http://localhost:5173"},
	"backlog_limit":                 50,
	"max_message_length":            5000,
	"message_pattern":               DefaultMessagePattern,
	"max_messages_per_conversation": 1000,
}

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables use the upper-cased key names
// (HTTP_PORT, JWT_SECRET, ...) and override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	if cfg.InstanceID == "" {
		host, err := hostname()
		if err != nil || host == "" {
			host = "chatcore"
		}
		cfg.InstanceID = host
	}
	if cfg.DatabaseURL == "" && cfg.StoreDriver == StorePostgres {
		cfg.DatabaseURL = cfg.postgresURL()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	switch c.StoreDriver {
	case StoreSQLite, StorePostgres, StoreMongo:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.BusDriver {
	case BusMemory, BusNATS:
	default:
		return fmt.Errorf("unsupported BUS_DRIVER %q", c.BusDriver)
	}
	switch c.MailboxPolicy {
	case PolicyEvictOldest, PolicyReject:
	default:
		return fmt.Errorf("unsupported MAILBOX_POLICY %q", c.MailboxPolicy)
	}
	if c.MailboxCapacity <= 0 {
		return fmt.Errorf("MAILBOX_CAPACITY must be positive, got %d", c.MailboxCapacity)
	}
	if c.HandshakeTimeout <= 0 || c.PersistTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT and PERSIST_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) postgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPass),
		Host:     fmt.Sprintf("%s:%s", c.PostgresHost, c.PostgresPort),
		Path:     c.PostgresDB,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// split out for testing.
var hostname = os.Hostname
