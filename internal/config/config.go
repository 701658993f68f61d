package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Sessions  SessionConfig   `mapstructure:"sessions"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Execute   ExecuteConfig   `mapstructure:"execute"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	CORS      CORSConfig      `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MaxIdleConns    int           `mapstructure:"max_idle_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig points at the shared object mount that holds workspace
// directories and the session/thread sidecar files.
type StorageConfig struct {
	MountPath     string `mapstructure:"mount_path"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

type EngineConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Sandbox string        `mapstructure:"sandbox"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	// LegacyKeys is a comma-separated plaintext allow-list kept for
	// callers that predate hashed key storage.
	LegacyKeys string `mapstructure:"legacy_keys"`
	// OpenMode disables authentication entirely. Operator opt-in only.
	OpenMode bool `mapstructure:"open_mode"`
}

type AdminConfig struct {
	APIKey string `mapstructure:"api_key"`
}

type PricingConfig struct {
	InputPer1K  float64 `mapstructure:"input_per_1k"`
	OutputPer1K float64 `mapstructure:"output_per_1k"`
	Model       string  `mapstructure:"model"`
}

type SessionConfig struct {
	MaxCached int           `mapstructure:"max_cached"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RateLimitConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Window     time.Duration `mapstructure:"window"`
	GlobalMax  int           `mapstructure:"global_max"`
	ExecuteMax int           `mapstructure:"execute_max"`
}

type ExecuteConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	MaxTaskLen int           `mapstructure:"max_task_len"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/taskbridge")
	}

	setDefaults()

	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// The execute deadline is capped server-side regardless of what the
	// deployment asks for.
	if config.Execute.MaxTimeout <= 0 {
		config.Execute.MaxTimeout = 15 * time.Minute
	}
	if config.Execute.Timeout <= 0 || config.Execute.Timeout > config.Execute.MaxTimeout {
		config.Execute.Timeout = config.Execute.MaxTimeout
	}

	return &config, nil
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	if c.Engine.APIKey == "" {
		return fmt.Errorf("engine.api_key is required")
	}
	if c.Storage.MountPath == "" {
		return fmt.Errorf("storage.mount_path is required")
	}
	if c.Admin.APIKey == "" && !c.Auth.OpenMode {
		return fmt.Errorf("admin.api_key is required unless auth.open_mode is set")
	}
	return nil
}

// LegacyKeyList splits the comma-separated allow-list.
func (c *Config) LegacyKeyList() []string {
	if c.Auth.LegacyKeys == "" {
		return nil
	}
	parts := strings.Split(c.Auth.LegacyKeys, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func setDefaults() {
	// Server defaults. The write timeout must outlive the longest
	// allowed execute deadline.
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "930s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	// Database defaults
	viper.SetDefault("database.path", "taskbridge.db")
	viper.SetDefault("database.max_connections", 100)
	viper.SetDefault("database.max_idle_connections", 10)
	viper.SetDefault("database.conn_max_lifetime", "1h")

	// Storage defaults
	viper.SetDefault("storage.mount_path", "/mnt/workspaces")
	viper.SetDefault("storage.max_upload_size", 100*1024*1024)

	// Engine defaults
	viper.SetDefault("engine.sandbox", "danger-full-access")
	viper.SetDefault("engine.timeout", "10m")

	// Pricing defaults (USD per 1k tokens)
	viper.SetDefault("pricing.input_per_1k", 0.015)
	viper.SetDefault("pricing.output_per_1k", 0.045)
	viper.SetDefault("pricing.model", "engine-default")

	// Session cache defaults
	viper.SetDefault("sessions.max_cached", 100)
	viper.SetDefault("sessions.ttl", "24h")

	// Rate limit defaults
	viper.SetDefault("rate_limit.enabled", true)
	viper.SetDefault("rate_limit.window", "15m")
	viper.SetDefault("rate_limit.global_max", 100)
	viper.SetDefault("rate_limit.execute_max", 30)

	// Execute defaults
	viper.SetDefault("execute.timeout", "10m")
	viper.SetDefault("execute.max_timeout", "15m")
	viper.SetDefault("execute.max_task_len", 100*1024)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// CORS defaults
	viper.SetDefault("cors.allowed_origins", []string{"*"})
	viper.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	viper.SetDefault("cors.allowed_headers", []string{"Content-Type", "Authorization", "X-API-Key"})
	viper.SetDefault("cors.max_age", 86400)
}

func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Database
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.path", "DATABASE_PATH")
	viper.BindEnv("database.max_connections", "DATABASE_MAX_CONNECTIONS")

	// Redis
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	// Storage
	viper.BindEnv("storage.mount_path", "STORAGE_MOUNT_PATH")
	viper.BindEnv("storage.max_upload_size", "STORAGE_MAX_UPLOAD_SIZE")

	// Engine
	viper.BindEnv("engine.url", "ENGINE_URL")
	viper.BindEnv("engine.api_key", "ENGINE_API_KEY")
	viper.BindEnv("engine.sandbox", "ENGINE_SANDBOX")

	// Auth
	viper.BindEnv("auth.legacy_keys", "LEGACY_API_KEYS")
	viper.BindEnv("auth.open_mode", "AUTH_OPEN_MODE")

	// Admin
	viper.BindEnv("admin.api_key", "ADMIN_API_KEY")

	// Pricing
	viper.BindEnv("pricing.input_per_1k", "PRICING_INPUT_PER_1K")
	viper.BindEnv("pricing.output_per_1k", "PRICING_OUTPUT_PER_1K")

	// Sessions
	viper.BindEnv("sessions.max_cached", "SESSION_CACHE_SIZE")
	viper.BindEnv("sessions.ttl", "SESSION_TTL")

	// Rate limiting
	viper.BindEnv("rate_limit.enabled", "RATE_LIMIT_ENABLED")
	viper.BindEnv("rate_limit.window", "RATE_LIMIT_WINDOW")
	viper.BindEnv("rate_limit.global_max", "RATE_LIMIT_GLOBAL_MAX")
	viper.BindEnv("rate_limit.execute_max", "RATE_LIMIT_EXECUTE_MAX")

	// Execute
	viper.BindEnv("execute.timeout", "EXECUTE_TIMEOUT")

	// Logging
	viper.BindEnv("logging.level", "LOG_LEVEL")
	viper.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	viper.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}
