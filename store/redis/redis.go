package redis

import (
	"context"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/juju/errors"
	"github.com/spf13/cast"

	"github.com/warriorguo/taskgraph/store"
	"github.com/warriorguo/taskgraph/types"
)

var (
	_ store.Repository = &redisStore{}
)

const (
	fieldGraph        = "graph"
	fieldGraphVersion = "graph_version"
	fieldState        = "state"
	fieldStateVersion = "state_version"
)

var errVersionConflict = errors.New("version conflict")

// Config holds Redis connection configuration
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

func DefaultConfig() *Config {
	return &Config{
		Address:   "localhost:6379",
		KeyPrefix: "taskgraph:",
	}
}

// FromOptions converts the engine level connection settings.
func FromOptions(c *types.RedisConfig) *Config {
	config := DefaultConfig()
	if c.Address != "" {
		config.Address = c.Address
	}
	if c.KeyPrefix != "" {
		config.KeyPrefix = c.KeyPrefix
	}
	config.Password = c.Password
	config.DB = c.DB
	return config
}

/**
 * redisStore keeps every run in a hash "<prefix>run:<id>", and the ids of
 * all runs in the set "<prefix>runs".
 */
type redisStore struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStore(config *Config) (store.Repository, error) {
	if config == nil {
		config = DefaultConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, errors.Annotatef(err, "failed to ping redis %s", config.Address)
	}
	return NewRedisStoreWithClient(client, config.KeyPrefix), nil
}

func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) store.Repository {
	return &redisStore{client: client, keyPrefix: keyPrefix}
}

func (r *redisStore) runKey(runID int64) string {
	return r.keyPrefix + "run:" + cast.ToString(runID)
}

func (r *redisStore) indexKey() string {
	return r.keyPrefix + "runs"
}

func snapshotFields(snap *types.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		fieldGraph:        snap.Graph,
		fieldGraphVersion: snap.GraphVersion,
		fieldState:        snap.State,
		fieldStateVersion: snap.StateVersion,
	}
}

func (r *redisStore) Create(ctx context.Context, snap *types.Snapshot) error {
	key := r.runKey(snap.RunID)
	created, err := r.client.HSetNX(ctx, key, fieldGraph, snap.Graph).Result()
	if err != nil {
		return errors.Annotatef(err, "failed to create run=%d", snap.RunID)
	}
	if !created {
		return errors.AlreadyExistsf("run %d", snap.RunID)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, snapshotFields(snap))
		pipe.SAdd(ctx, r.indexKey(), snap.RunID)
		return nil
	})
	return errors.Annotatef(err, "failed to create run=%d", snap.RunID)
}

// hashReader is served by both *redis.Client and *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
}

func (r *redisStore) load(ctx context.Context, c hashReader, runID int64) (*types.Snapshot, error) {
	values, err := c.HGetAll(ctx, r.runKey(runID)).Result()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to load run=%d", runID)
	}
	if len(values) == 0 {
		return nil, nil
	}

	snap := &types.Snapshot{RunID: runID, Graph: values[fieldGraph], State: values[fieldState]}
	if snap.GraphVersion, err = cast.ToInt64E(values[fieldGraphVersion]); err != nil {
		return nil, errors.Annotatef(err, "run=%d has a broken graph version", runID)
	}
	if snap.StateVersion, err = cast.ToInt64E(values[fieldStateVersion]); err != nil {
		return nil, errors.Annotatef(err, "run=%d has a broken state version", runID)
	}
	return snap, nil
}

func (r *redisStore) Load(ctx context.Context, runID int64) (*types.Snapshot, error) {
	return r.load(ctx, r.client, runID)
}

// Save watches the run hash, a write by anybody else between the read and
// EXEC aborts the transaction and is reported as a conflict.
func (r *redisStore) Save(ctx context.Context, snap *types.Snapshot) (types.SaveStatus, error) {
	key := r.runKey(snap.RunID)
	var graphVersion, stateVersion int64

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, snap.RunID)
		if err != nil {
			return errors.Trace(err)
		}
		if stored == nil {
			return errors.NotFoundf("run %d", snap.RunID)
		}
		if store.IsConflict(stored, snap) {
			return errVersionConflict
		}

		graphVersion, stateVersion = store.NextVersions(stored, snap)
		next := *snap
		next.GraphVersion, next.StateVersion = graphVersion, stateVersion
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, snapshotFields(&next))
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		snap.GraphVersion, snap.StateVersion = graphVersion, stateVersion
		return types.SaveOK, nil
	case err == errVersionConflict, err == redis.TxFailedErr:
		return types.SaveVersionConflict, nil
	default:
		return types.SaveOK, errors.Trace(err)
	}
}

func (r *redisStore) Remove(ctx context.Context, runID int64) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.runKey(runID))
		pipe.SRem(ctx, r.indexKey(), runID)
		return nil
	})
	return errors.Annotatef(err, "failed to remove run=%d", runID)
}

func (r *redisStore) List(ctx context.Context, iterator func(runID int64) bool) error {
	members, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return errors.Annotatef(err, "failed to list runs")
	}

	runIDs := make([]int64, 0, len(members))
	for _, member := range members {
		runID, err := cast.ToInt64E(member)
		if err != nil {
			return errors.Annotatef(err, "broken run id %q", member)
		}
		runIDs = append(runIDs, runID)
	}
	sort.Slice(runIDs, func(i, j int) bool { return runIDs[i] < runIDs[j] })

	for _, runID := range runIDs {
		if !iterator(runID) {
			break
		}
	}
	return nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
