package hoststore

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store on one redis hash per namespace.
type Redis struct {
	client *redis.Client
	hash   string
	quota  int64

	mu sync.Mutex
}

// OpenRedis connects to redis and verifies the connection.
func OpenRedis(ctx context.Context, cfg RedisConfig, quota int64) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("hoststore: redis addr is required")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "default"
	}

	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, hostErr("redis ping", err)
	}
	return &Redis{client: client, hash: "keepstore:" + ns, quota: quota}, nil
}

func (r *Redis) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if keys == nil {
		all, err := r.client.HGetAll(ctx, r.hash).Result()
		if err != nil {
			return nil, hostErr("redis get", err)
		}
		out := make(map[string][]byte, len(all))
		for k, v := range all {
			out[k] = []byte(v)
		}
		return out, nil
	}

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, r.hash, keys...).Result()
	if err != nil {
		return nil, hostErr("redis get", err)
	}
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, items map[string][]byte) error {
	if len(items) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return hostErr("redis set", err)
	}
	var used int64
	replaced := make(map[string]int)
	for k, v := range all {
		used += int64(len(k) + len(v))
		if _, ok := items[k]; ok {
			replaced[k] = len(v)
		}
	}
	if err := checkQuota(r.quota, projectedUsage(used, items, replaced)); err != nil {
		return err
	}

	fields := make(map[string]any, len(items))
	for k, v := range items {
		fields[k] = v
	}
	if err := r.client.HSet(ctx, r.hash, fields).Err(); err != nil {
		return hostErr("redis set", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.client.HDel(ctx, r.hash, keys...).Err(); err != nil {
		return hostErr("redis remove", err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.client.Del(ctx, r.hash).Err(); err != nil {
		return hostErr("redis clear", err)
	}
	return nil
}

func (r *Redis) BytesInUse(ctx context.Context) (int64, error) {
	all, err := r.client.HGetAll(ctx, r.hash).Result()
	if err != nil {
		return 0, hostErr("redis bytes in use", err)
	}
	var used int64
	for k, v := range all {
		used += int64(len(k) + len(v))
	}
	return used, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
