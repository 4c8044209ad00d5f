package types

import (
	"context"

	"github.com/mcuadros/go-defaults"
	"github.com/prometheus/client_golang/prometheus"
)

func NewEngineOptions() *EngineOptions {
	opts := &EngineOptions{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type EngineOptions struct {
	Ctx context.Context
	/**
	 * default: 64
	 * size of the worker pool draining submitted task results,
	 * results of one run are always applied by a single job at a time.
	 */
	MaxRunConcurrency int `default:"64"`
	/**
	 * default: true, when false the caller must invoke Engine.RunOnce() looply
	 * to get submitted task results applied.
	 */
	AutoStart bool `default:"true"`
	/**
	 * default: false, whether FindAssignable treats CHECK_CACHE as dispatchable
	 * when the caller does not say otherwise.
	 */
	IncludeCacheCandidates bool `default:"false"`
	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`

	// If more than one store is configured, PostgresConfig wins over RedisConfig,
	// RedisConfig wins over MemStore.
	PostgresConfig *PostgresConfig
	RedisConfig    *RedisConfig

	// Registerer receives the engine metrics, nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

type EngineOption func(*EngineOptions)

func WithContext(ctx context.Context) EngineOption {
	return func(opts *EngineOptions) {
		opts.Ctx = ctx
	}
}

func SetMaxRunConcurrency(concurrency int) EngineOption {
	return func(opts *EngineOptions) {
		opts.MaxRunConcurrency = concurrency
	}
}

func DisableAutoStart() EngineOption {
	return func(opts *EngineOptions) {
		opts.AutoStart = false
	}
}

func EnableCacheCandidates() EngineOption {
	return func(opts *EngineOptions) {
		opts.IncludeCacheCandidates = true
	}
}

func EnableMemStore() EngineOption {
	return func(opts *EngineOptions) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to persist runs in PostgreSQL
func WithPostgresConfig(config *PostgresConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.PostgresConfig = config
	}
}

// WithRedisConfig configures the engine to persist runs in Redis
func WithRedisConfig(config *RedisConfig) EngineOption {
	return func(opts *EngineOptions) {
		opts.RedisConfig = config
	}
}

func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(opts *EngineOptions) {
		opts.Registerer = reg
	}
}
