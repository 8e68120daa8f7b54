// Package config provides configuration for the whiteboard service.
package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvFileVar names the variable holding the dotenv path.
const EnvFileVar = "WHITEBOARD_ENV_FILE"

// Config holds the service configuration.
type Config struct {
	// Server settings
	WSPort   int // External WebSocket port
	HTTPPort int // Internal HTTP port for save/get, /health, /metrics
	RPCPort  int // Internal JSON-RPC port

	DatabaseURL string

	// Auth settings
	JWTSecret  string
	PolicyFile string // empty uses the built-in admission policy

	// Sessions
	PersistInterval     time.Duration
	StoreTimeout        time.Duration
	MaxSessionMembers   int
	AllowAnonymousRooms bool

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	SendBuffer     int

	ShutdownTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("WS_PORT", 8090)
	v.SetDefault("HTTP_PORT", 8091)
	v.SetDefault("RPC_PORT", 8092)
	v.SetDefault("DATABASE_URL", "file:whiteboard.db?cache=shared&mode=rwc")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("PERSIST_INTERVAL_MS", 5000)
	v.SetDefault("STORE_TIMEOUT_MS", 5000)
	v.SetDefault("MAX_SESSION_MEMBERS", 0)
	v.SetDefault("ALLOW_ANONYMOUS_ROOMS", false)
	v.SetDefault("WS_PING_INTERVAL_MS", 30000)
	v.SetDefault("WS_WRITE_TIMEOUT_MS", 10000)
	v.SetDefault("WS_READ_TIMEOUT_MS", 60000)
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 1<<20)
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 10000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
}

// Load reads configuration from the environment, after loading the dotenv
// file named by WHITEBOARD_ENV_FILE (default ".env") when it exists.
func Load() (*Config, error) {
	dotEnvPath := os.Getenv(EnvFileVar)
	if dotEnvPath == "" {
		dotEnvPath = ".env"
	}
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			return nil, errors.Wrapf(err, "load %s", dotEnvPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "stat %s", dotEnvPath)
	}

	v := viper.New()
	v.SetTypeByDefaultValue(true)
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		WSPort:              v.GetInt("WS_PORT"),
		HTTPPort:            v.GetInt("HTTP_PORT"),
		RPCPort:             v.GetInt("RPC_PORT"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		JWTSecret:           v.GetString("JWT_SECRET"),
		PolicyFile:          v.GetString("POLICY_FILE"),
		PersistInterval:     millis(v, "PERSIST_INTERVAL_MS"),
		StoreTimeout:        millis(v, "STORE_TIMEOUT_MS"),
		MaxSessionMembers:   v.GetInt("MAX_SESSION_MEMBERS"),
		AllowAnonymousRooms: v.GetBool("ALLOW_ANONYMOUS_ROOMS"),
		PingInterval:        millis(v, "WS_PING_INTERVAL_MS"),
		WriteTimeout:        millis(v, "WS_WRITE_TIMEOUT_MS"),
		ReadTimeout:         millis(v, "WS_READ_TIMEOUT_MS"),
		MaxMessageSize:      v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		SendBuffer:          v.GetInt("WS_SEND_BUFFER"),
		ShutdownTimeout:     millis(v, "SHUTDOWN_TIMEOUT_MS"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFormat:           v.GetString("LOG_FORMAT"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func millis(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt64(key)) * time.Millisecond
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	for name, port := range map[string]int{"WS_PORT": c.WSPort, "HTTP_PORT": c.HTTPPort, "RPC_PORT": c.RPCPort} {
		if port < 0 || port > 65535 {
			return errors.Errorf("%s out of range: %d", name, port)
		}
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PersistInterval < 0 {
		return errors.New("PERSIST_INTERVAL_MS must not be negative")
	}
	if c.PingInterval <= 0 || c.ReadTimeout <= c.PingInterval {
		return errors.New("WS_READ_TIMEOUT_MS must exceed WS_PING_INTERVAL_MS")
	}
	if c.MaxMessageSize <= 0 || c.SendBuffer <= 0 {
		return errors.New("WS_MAX_MESSAGE_SIZE and WS_SEND_BUFFER must be positive")
	}
	if c.MaxSessionMembers < 0 {
		return errors.New("MAX_SESSION_MEMBERS must not be negative")
	}
	return nil
}
