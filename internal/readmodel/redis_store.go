package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore shares the read model between service instances. Each entry is a
// JSON string; a set per account lists the entry keys that depend on it.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client redis.UniversalClient, prefix string, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger.Named("readmodel.redis")}
}

// NewRedisStoreFromURL dials the redis instance named by a redis:// URL.
func NewRedisStoreFromURL(url, prefix string, logger *zap.Logger) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opt), prefix, logger), nil
}

func (r *RedisStore) entryKey(key QueryKey) string { return r.prefix + "entry:" + key.String() }

func (r *RedisStore) accessKey(key QueryKey) string { return r.prefix + "access:" + key.String() }

func (r *RedisStore) accountKey(account string) string { return r.prefix + "account:" + account }

func (r *RedisStore) Load(ctx context.Context, key QueryKey, now time.Time) (Entry, bool, error) {
	val, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, r.accessKey(key), now.Format(time.RFC3339Nano), 0).Err(); err != nil {
		r.logger.Warn("record access time", zap.String("key", key.String()), zap.Error(err))
	}
	e.AccessedAt = now
	return e, true, nil
}

func (r *RedisStore) Put(ctx context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode %s: %w", entry.Key, err)
	}
	entryKey := r.entryKey(entry.Key)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, entryKey, data, 0)
		p.Set(ctx, r.accessKey(entry.Key), entry.AccessedAt.Format(time.RFC3339Nano), 0)
		for _, acc := range entry.Accounts {
			p.SAdd(ctx, r.accountKey(acc), entryKey)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put %s: %w", entry.Key, err)
	}
	return nil
}

func (r *RedisStore) InvalidateAccounts(ctx context.Context, accounts []string) (int, error) {
	var entryKeys, otherKeys []string
	seen := make(map[string]struct{})
	for _, acc := range accounts {
		members, err := r.client.SMembers(ctx, r.accountKey(acc)).Result()
		if err != nil {
			return 0, fmt.Errorf("redis smembers %s: %w", acc, err)
		}
		for _, m := range members {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			entryKeys = append(entryKeys, m)
			otherKeys = append(otherKeys, r.prefix+"access:"+strings.TrimPrefix(m, r.prefix+"entry:"))
		}
		otherKeys = append(otherKeys, r.accountKey(acc))
	}

	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(entryKeys) > 0 {
			removed = p.Del(ctx, entryKeys...)
		}
		p.Del(ctx, otherKeys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis invalidate: %w", err)
	}
	if removed == nil {
		return 0, nil
	}
	return int(removed.Val()), nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
