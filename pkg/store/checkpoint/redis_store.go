package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// redisSaveScript stores a checkpoint only if it is newer than the held one.
// KEYS[1] = checkpoint hash key (e.g. "checkpoint:<study>")
// KEYS[2] = study index set
// ARGV[1] = sequence
// ARGV[2] = payload JSON
// ARGV[3] = study id
// Returns {1, seq} on write, {0, held_seq} when stale.
var redisSaveScript = redis.NewScript(`
local key = KEYS[1]
local index = KEYS[2]
local seq = tonumber(ARGV[1])

local held = tonumber(redis.call("HGET", key, "sequence"))
if held and seq <= held then
    return {0, held}
end

redis.call("HSET", key, "sequence", seq, "payload", ARGV[2])
redis.call("SADD", index, ARGV[3])
return {1, seq}
`)

// RedisStore implements Store using Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, "bentham")
}

// NewRedisStoreWithClient wraps an existing client. Keys are namespaced by prefix.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(studyID string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.prefix, studyID)
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":checkpoint:studies"
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Save(ctx context.Context, cp *contracts.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	res, err := redisSaveScript.Run(ctx, s.client,
		[]string{s.key(cp.StudyID), s.indexKey()},
		cp.Sequence, string(payload), cp.StudyID,
	).Result()
	if err != nil {
		return fmt.Errorf("redis checkpoint error: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return fmt.Errorf("invalid response from lua script")
	}
	written, _ := results[0].(int64)
	if written != 1 {
		held, _ := results[1].(int64)
		return stale(cp.StudyID, uint64(held), cp.Sequence) //nolint:gosec // sequences are positive
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, studyID string) (*contracts.Checkpoint, error) {
	payload, err := s.client.HGet(ctx, s.key(studyID), "payload").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, studyID)
		}
		return nil, fmt.Errorf("redis checkpoint error: %w", err)
	}
	var cp contracts.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", studyID, err)
	}
	return &cp, nil
}

func (s *RedisStore) Studies(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis checkpoint error: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
