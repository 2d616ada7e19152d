// Package config loads the Ignis application configuration from a YAML
// file and the environment, and validates the recognized APP_ENV_* keys at
// boot. Missing required keys fail fast with kind config-invalid.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ignis-framework/ignis/pkg/errors"
)

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	BasePath      string        `mapstructure:"base_path"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig is the relational data source configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig is the pub/sub store configuration.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// RealtimeConfig tunes the WebSocket helper.
type RealtimeConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Path                string        `mapstructure:"path"`
	AuthTimeout         time.Duration `mapstructure:"auth_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeat_timeout"`
	EncryptedBatchLimit int           `mapstructure:"encrypted_batch_limit"`
	RequireEncryption   bool          `mapstructure:"require_encryption"`
	DefaultRooms        []string      `mapstructure:"default_rooms"`
	MaxMessageSize      int64         `mapstructure:"max_message_size"`
}

// AuthConfig carries the JWT strategy settings.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTAlgorithm  string        `mapstructure:"jwt_algorithm"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	AESKey        string        `mapstructure:"aes_key"`
	AESMode       string        `mapstructure:"aes_mode"`
}

// Config is the complete application configuration.
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Redis       RedisConfig    `mapstructure:"redis"`
	Realtime    RealtimeConfig `mapstructure:"realtime"`
	Auth        AuthConfig     `mapstructure:"auth"`
}

// Load reads configuration from APP_CONFIG_FILE (default
// configs/config.yaml) and APP_-prefixed environment variables. The config
// file is optional when the environment provides everything.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("APP_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	if err := v.ReadInConfig(); err != nil {
		// The file is only required when it exists but cannot be parsed.
		if _, statErr := os.Stat(configFile); statErr == nil {
			return nil, errors.Wrap(err, errors.KindConfigInvalid,
				"error reading config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigInvalid, "error unmarshaling config")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 90*time.Second)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("realtime.enabled", true)
	v.SetDefault("realtime.path", "/ws")
	v.SetDefault("realtime.auth_timeout", 5*time.Second)
	v.SetDefault("realtime.heartbeat_interval", 30*time.Second)
	v.SetDefault("realtime.heartbeat_timeout", 90*time.Second)
	v.SetDefault("realtime.encrypted_batch_limit", 10)
	v.SetDefault("realtime.default_rooms", []string{"ws-default", "ws-notification"})
	v.SetDefault("realtime.max_message_size", 1048576)
	v.SetDefault("auth.jwt_algorithm", "HS256")
	v.SetDefault("auth.jwt_expiration", 24*time.Hour)
	v.SetDefault("auth.aes_mode", "aes-256-cbc")
}
