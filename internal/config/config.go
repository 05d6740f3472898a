// Package config loads process settings from the environment, an optional
// .env file and an optional YAML file named by CONFIG_FILE. Environment
// variables win over the file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const DevJWTSecret = "songless-dev-secret"

type Config struct {
	Env             string
	Port            int
	DatabaseURL     string
	DB              DBConfig
	JWTSecret       string
	Log             LogConfig
	Tracks          TracksConfig
	Presence        PresenceConfig
	NATSURL         string
	ClientOrigins   []string
	WS              WSConfig
	ShutdownTimeout time.Duration
}

type DBConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TracksConfig struct {
	Provider      string
	DeezerBaseURL string
	PlaylistID    string
	PlaylistQuery string
	CacheTTL      time.Duration
	Timeout       time.Duration
}

type PresenceConfig struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type WSConfig struct {
	MessagesPerSecond float64
	Burst             int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", 8080)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("TRACK_PROVIDER", "static")
	v.SetDefault("DEEZER_API_BASE_URL", "https://api.deezer.com")
	v.SetDefault("DEEZER_PLAYLIST_ID", "")
	v.SetDefault("DEEZER_PLAYLIST_QUERY", "top")
	v.SetDefault("DEEZER_CACHE_TTL", 5*time.Minute)
	v.SetDefault("DEEZER_TIMEOUT", 12*time.Second)
	v.SetDefault("PRESENCE_BACKEND", "memory")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("CLIENT_ORIGINS", "")
	v.SetDefault("WS_MESSAGES_PER_SECOND", 10)
	v.SetDefault("WS_BURST", 20)
	v.SetDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
}

// Load reads and validates the configuration.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Env:         v.GetString("APP_ENV"),
		Port:        v.GetInt("PORT"),
		DatabaseURL: v.GetString("DATABASE_URL"),
		DB: DBConfig{
			MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
			MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
			ConnMaxLifetime: v.GetDuration("DB_CONN_MAX_LIFETIME"),
		},
		JWTSecret: v.GetString("JWT_SECRET"),
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Tracks: TracksConfig{
			Provider:      strings.ToLower(v.GetString("TRACK_PROVIDER")),
			DeezerBaseURL: v.GetString("DEEZER_API_BASE_URL"),
			PlaylistID:    v.GetString("DEEZER_PLAYLIST_ID"),
			PlaylistQuery: v.GetString("DEEZER_PLAYLIST_QUERY"),
			CacheTTL:      v.GetDuration("DEEZER_CACHE_TTL"),
			Timeout:       v.GetDuration("DEEZER_TIMEOUT"),
		},
		Presence: PresenceConfig{
			Backend:       strings.ToLower(v.GetString("PRESENCE_BACKEND")),
			RedisAddr:     v.GetString("REDIS_ADDR"),
			RedisPassword: v.GetString("REDIS_PASSWORD"),
			RedisDB:       v.GetInt("REDIS_DB"),
		},
		NATSURL:       v.GetString("NATS_URL"),
		ClientOrigins: splitList(v.GetString("CLIENT_ORIGINS")),
		WS: WSConfig{
			MessagesPerSecond: v.GetFloat64("WS_MESSAGES_PER_SECOND"),
			Burst:             v.GetInt("WS_BURST"),
		},
		ShutdownTimeout: v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		cfg.JWTSecret = DevJWTSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.Port <= 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.JWTSecret == "" {
		err = multierr.Append(err, errors.New("JWT_SECRET is required in production"))
	}
	switch c.Tracks.Provider {
	case "static":
	case "deezer":
		if c.Tracks.PlaylistID == "" && c.Tracks.PlaylistQuery == "" {
			err = multierr.Append(err, errors.New("DEEZER_PLAYLIST_ID or DEEZER_PLAYLIST_QUERY is required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("TRACK_PROVIDER %q must be static or deezer", c.Tracks.Provider))
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			err = multierr.Append(err, errors.New("REDIS_ADDR is required for the redis presence backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("PRESENCE_BACKEND %q must be memory or redis", c.Presence.Backend))
	}
	if c.WS.MessagesPerSecond <= 0 || c.WS.Burst <= 0 {
		err = multierr.Append(err, errors.New("WS_MESSAGES_PER_SECOND and WS_BURST must be positive"))
	}
	return err
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
