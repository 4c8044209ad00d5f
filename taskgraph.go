package taskgraph

import (
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/warriorguo/taskgraph/guard"
	"github.com/warriorguo/taskgraph/runtime"
	"github.com/warriorguo/taskgraph/store"
	"github.com/warriorguo/taskgraph/store/mem"
	"github.com/warriorguo/taskgraph/store/postgres"
	"github.com/warriorguo/taskgraph/store/redis"
	"github.com/warriorguo/taskgraph/types"
)

// NewEngine creates an engine with the given options, persisting runs in
// PostgreSQL, Redis or memory.
func NewEngine(opts ...types.EngineOption) (*runtime.Engine, error) {
	options := types.NewEngineOptions()
	for _, opt := range opts {
		opt(options)
	}

	repo, err := newRepository(options)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return runtime.NewEngine(repo, guard.NewLockManager(), options)
}

// PostgresConfig takes precedence over RedisConfig, RedisConfig over MemStore
func newRepository(options *types.EngineOptions) (store.Repository, error) {
	switch {
	case options.PostgresConfig != nil:
		repo, err := postgres.NewPostgresStore(postgres.FromOptions(options.PostgresConfig))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
		}
		return repo, nil

	case options.RedisConfig != nil:
		repo, err := redis.NewRedisStore(redis.FromOptions(options.RedisConfig))
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create Redis store")
		}
		return repo, nil

	default:
		if !options.MemStore {
			log.Infof("no store configured, runs are kept in memory only")
		}
		return mem.NewMemStore(), nil
	}
}
