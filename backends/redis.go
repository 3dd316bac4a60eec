package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	redis "gopkg.in/redis.v5"
)

// Redis keeps one hash per partition (field = key, value = JSON entry) and
// a set indexing the partition names.
type Redis struct {
	client    *redis.Client
	namespace string
	logger    *slog.Logger
}

// NewRedis connects to the Redis server at addr. Keys are namespaced so
// several routers can share one server.
func NewRedis(addr, namespace string, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	if namespace == "" {
		namespace = "cacherouter"
	}
	return &Redis{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}, nil
}

func (r *Redis) Open(ctx context.Context, partition string) error {
	if err := r.client.SAdd(r.indexKey(), partition).Err(); err != nil {
		return fmt.Errorf("failed to open partition %s: %w", partition, err)
	}
	return nil
}

func (r *Redis) Put(ctx context.Context, partition, key string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	pipe := r.client.Pipeline()
	defer pipe.Close()
	pipe.SAdd(r.indexKey(), partition)
	pipe.HSet(r.partitionKey(partition), key, data)
	if _, err := pipe.Exec(); err != nil {
		return fmt.Errorf("failed to put redis entry: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, partition, key string) (*Entry, bool, error) {
	data, err := r.client.HGet(r.partitionKey(partition), key).Bytes()
	if err == redis.Nil {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get redis entry: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		r.logger.Warn("corrupted redis cache entry, treating as miss",
			"partition", partition,
			"key", key,
			"error", err)
		return nil, true, nil
	}
	return &entry, false, nil
}

func (r *Redis) Partitions(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Delete(ctx context.Context, partition string) (bool, error) {
	removed, err := r.client.SRem(r.indexKey(), partition).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete partition %s: %w", partition, err)
	}
	if err := r.client.Del(r.partitionKey(partition)).Err(); err != nil {
		return false, fmt.Errorf("failed to delete partition %s: %w", partition, err)
	}
	return removed > 0, nil
}

func (r *Redis) Clear(ctx context.Context) error {
	names, err := r.Partitions(ctx)
	if err != nil {
		return err
	}
	keys := []string{r.indexKey()}
	for _, name := range names {
		keys = append(keys, r.partitionKey(name))
	}
	if err := r.client.Del(keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) indexKey() string {
	return r.namespace + ":partitions"
}

func (r *Redis) partitionKey(partition string) string {
	return r.namespace + ":partition:" + partition
}
