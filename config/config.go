package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the dispatch service.
type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Dispatch DispatchConfig
	Push     PushConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `mapstructure:"SERVER_HOST"`
	Port         int           `mapstructure:"SERVER_PORT"`
	ReadTimeout  time.Duration `mapstructure:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `mapstructure:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `mapstructure:"SERVER_IDLE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"POSTGRES_HOST"`
	Port     int    `mapstructure:"POSTGRES_PORT"`
	User     string `mapstructure:"POSTGRES_USER"`
	Password string `mapstructure:"POSTGRES_PASSWORD"`
	DBName   string `mapstructure:"POSTGRES_DB"`
	SSLMode  string `mapstructure:"POSTGRES_SSLMODE"`
	MaxConns int32  `mapstructure:"POSTGRES_MAX_CONNS"`
	MinConns int32  `mapstructure:"POSTGRES_MIN_CONNS"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"REDIS_HOST"`
	Port     int    `mapstructure:"REDIS_PORT"`
	Password string `mapstructure:"REDIS_PASSWORD"`
	DB       int    `mapstructure:"REDIS_DB"`
	PoolSize int    `mapstructure:"REDIS_POOL_SIZE"`
}

// DispatchConfig holds the dispatcher loop and matching tunables.
type DispatchConfig struct {
	Tick              time.Duration // interval between dispatcher ticks
	OfferTTL          time.Duration // per-offer time-to-live
	GlobalDeadline    time.Duration // whole-booking matching window
	InitialRadiusKm   float64
	MaxRadiusKm       float64
	RadiusGrowth      float64
	ProvidersPerWave  int
	Parallelism       int           // bounded worker pool size per tick
	AcceptRetryMax    int           // tx retries in the acceptance resolver
	LocationFreshness time.Duration // max age of a provider location fix
	LeadTime          time.Duration // scheduled bookings enter matching this early
}

// PushConfig holds push-bus connection limits.
type PushConfig struct {
	AuthTimeout   time.Duration // handshake must authenticate within this
	MaxMsgPerMin  int           // inbound frames per connection per minute
	MaxFrameBytes int64         // single inbound frame size cap
	MaxConnPerIP  int           // concurrent connections per client address
}

// AuthConfig holds token verification settings.
type AuthConfig struct {
	TokenSecret string `mapstructure:"AUTH_TOKEN_SECRET"`
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode,
	)
}

// Addr returns the Redis address in host:port format.
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ServerAddr returns the HTTP listen address in host:port format.
func (s *ServerConfig) ServerAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// ── Defaults ────────────────────────────────────────
	viper.SetDefault("SERVER_HOST", "0.0.0.0")
	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "5s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("SERVER_IDLE_TIMEOUT", "120s")

	viper.SetDefault("POSTGRES_HOST", "localhost")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_USER", "fixly")
	viper.SetDefault("POSTGRES_PASSWORD", "fixly_secret")
	viper.SetDefault("POSTGRES_DB", "fixly_db")
	viper.SetDefault("POSTGRES_SSLMODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNS", 50)
	viper.SetDefault("POSTGRES_MIN_CONNS", 10)

	viper.SetDefault("REDIS_HOST", "localhost")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_PASSWORD", "")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_POOL_SIZE", 100)

	viper.SetDefault("DISPATCH_TICK", 5000)     // ms
	viper.SetDefault("OFFER_TTL", 300)          // s
	viper.SetDefault("GLOBAL_DEADLINE", 300)    // s
	viper.SetDefault("INITIAL_RADIUS_KM", 15.0)
	viper.SetDefault("MAX_RADIUS_KM", 50.0)
	viper.SetDefault("RADIUS_GROWTH", 1.5)
	viper.SetDefault("MAX_PROVIDERS_PER_WAVE", 5)
	viper.SetDefault("DISPATCH_PARALLELISM", 16)
	viper.SetDefault("ACCEPT_RETRY_MAX", 3)
	viper.SetDefault("LOCATION_FRESHNESS", 600) // s
	viper.SetDefault("LEAD_TIME", 1800)         // s

	viper.SetDefault("AUTH_TIMEOUT", 30) // s
	viper.SetDefault("MAX_MSG_PER_MIN", 60)
	viper.SetDefault("MAX_FRAME_BYTES", 16*1024)
	viper.SetDefault("MAX_CONN_PER_IP", 5)

	// Try to read .env file. If it doesn't exist (e.g., inside Docker),
	// env vars injected by docker-compose env_file are used instead.
	_ = viper.ReadInConfig()

	cfg := &Config{}

	// ── Server ──────────────────────────────────────────
	cfg.Server = ServerConfig{
		Host:         viper.GetString("SERVER_HOST"),
		Port:         viper.GetInt("SERVER_PORT"),
		ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
		WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		IdleTimeout:  viper.GetDuration("SERVER_IDLE_TIMEOUT"),
	}

	// ── Postgres ────────────────────────────────────────
	cfg.Postgres = PostgresConfig{
		Host:     viper.GetString("POSTGRES_HOST"),
		Port:     viper.GetInt("POSTGRES_PORT"),
		User:     viper.GetString("POSTGRES_USER"),
		Password: viper.GetString("POSTGRES_PASSWORD"),
		DBName:   viper.GetString("POSTGRES_DB"),
		SSLMode:  viper.GetString("POSTGRES_SSLMODE"),
		MaxConns: viper.GetInt32("POSTGRES_MAX_CONNS"),
		MinConns: viper.GetInt32("POSTGRES_MIN_CONNS"),
	}

	// ── Redis ───────────────────────────────────────────
	cfg.Redis = RedisConfig{
		Host:     viper.GetString("REDIS_HOST"),
		Port:     viper.GetInt("REDIS_PORT"),
		Password: viper.GetString("REDIS_PASSWORD"),
		DB:       viper.GetInt("REDIS_DB"),
		PoolSize: viper.GetInt("REDIS_POOL_SIZE"),
	}

	// ── Dispatch ────────────────────────────────────────
	cfg.Dispatch = DispatchConfig{
		Tick:              time.Duration(viper.GetInt("DISPATCH_TICK")) * time.Millisecond,
		OfferTTL:          time.Duration(viper.GetInt("OFFER_TTL")) * time.Second,
		GlobalDeadline:    time.Duration(viper.GetInt("GLOBAL_DEADLINE")) * time.Second,
		InitialRadiusKm:   viper.GetFloat64("INITIAL_RADIUS_KM"),
		MaxRadiusKm:       viper.GetFloat64("MAX_RADIUS_KM"),
		RadiusGrowth:      viper.GetFloat64("RADIUS_GROWTH"),
		ProvidersPerWave:  viper.GetInt("MAX_PROVIDERS_PER_WAVE"),
		Parallelism:       viper.GetInt("DISPATCH_PARALLELISM"),
		AcceptRetryMax:    viper.GetInt("ACCEPT_RETRY_MAX"),
		LocationFreshness: time.Duration(viper.GetInt("LOCATION_FRESHNESS")) * time.Second,
		LeadTime:          time.Duration(viper.GetInt("LEAD_TIME")) * time.Second,
	}

	// ── Push bus ────────────────────────────────────────
	cfg.Push = PushConfig{
		AuthTimeout:   time.Duration(viper.GetInt("AUTH_TIMEOUT")) * time.Second,
		MaxMsgPerMin:  viper.GetInt("MAX_MSG_PER_MIN"),
		MaxFrameBytes: viper.GetInt64("MAX_FRAME_BYTES"),
		MaxConnPerIP:  viper.GetInt("MAX_CONN_PER_IP"),
	}

	// ── Auth ────────────────────────────────────────────
	// The signing secret has no default: starting without it would accept
	// no tokens at all, so treat it as a fatal configuration error.
	cfg.Auth = AuthConfig{
		TokenSecret: viper.GetString("AUTH_TOKEN_SECRET"),
	}
	if cfg.Auth.TokenSecret == "" {
		return nil, fmt.Errorf("config: AUTH_TOKEN_SECRET is required")
	}

	return cfg, nil
}
