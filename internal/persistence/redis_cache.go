package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MimeLyc/flashcard-pipeline/internal/cache"
	"github.com/MimeLyc/flashcard-pipeline/internal/errs"
)

const defaultRedisPrefix = "flashcards:"

var _ cache.Repository = (*RedisCache)(nil)

// RedisCache is a cache.Repository for deployments that share one cache
// across several pipeline processes. Each entry is a hash holding the JSON
// encoded entry and its access statistics, indexed by a per-stage set.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisCache connects and pings the server before returning.
func NewRedisCache(opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, redisError("connect to redis", err)
	}
	return NewRedisCacheFromClient(client, opts.KeyPrefix), nil
}

func NewRedisCacheFromClient(client *redis.Client, keyPrefix string) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = defaultRedisPrefix
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix + "cache:",
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) entryKey(stage cache.Stage, key string) string {
	return r.keyPrefix + "entry:" + string(stage) + ":" + key
}

func (r *RedisCache) indexKey(stage cache.Stage) string {
	return r.keyPrefix + "index:" + string(stage)
}

func (r *RedisCache) metricsKey(stage cache.Stage) string {
	return r.keyPrefix + "metrics:" + string(stage)
}

func (r *RedisCache) Get(ctx context.Context, stage cache.Stage, key string) (*cache.Entry, error) {
	entry, err := r.Peek(ctx, stage, key)
	if err != nil || entry == nil {
		return entry, err
	}
	now := r.now()
	pipe := r.client.TxPipeline()
	incr := pipe.HIncrBy(ctx, r.entryKey(stage, key), "access_count", 1)
	pipe.HSet(ctx, r.entryKey(stage, key), "accessed_at", now.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisError("update access stats", err)
	}
	entry.AccessCount = incr.Val()
	entry.AccessedAt = now
	return entry, nil
}

func (r *RedisCache) Peek(ctx context.Context, stage cache.Stage, key string) (*cache.Entry, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(stage, key)).Result()
	if err != nil {
		return nil, redisError("read cache entry", err)
	}
	raw, ok := fields["entry"]
	if !ok {
		return nil, nil
	}
	var entry cache.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, errs.NewWithCause(errs.ErrSerialization, "decode cache entry", err).
			WithContext("cache_key", key)
	}
	if n, err := strconv.ParseInt(fields["access_count"], 10, 64); err == nil {
		entry.AccessCount = n
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["accessed_at"]); err == nil {
		entry.AccessedAt = t
	}
	return &entry, nil
}

func (r *RedisCache) Put(ctx context.Context, entry *cache.Entry) error {
	if entry == nil || entry.Key == "" {
		return errs.New(errs.ErrValidation, "cache entry key is empty")
	}
	if _, err := cacheTable(entry.Stage); err != nil {
		return err
	}
	stored := *entry
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	if stored.AccessedAt.IsZero() {
		stored.AccessedAt = stored.CreatedAt
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return errs.NewWithCause(errs.ErrSerialization, "encode cache entry", err)
	}

	key := r.entryKey(entry.Stage, entry.Key)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, "entry", data)
	pipe.HSetNX(ctx, key, "access_count", stored.AccessCount)
	pipe.HSetNX(ctx, key, "accessed_at", stored.AccessedAt.UTC().Format(time.RFC3339Nano))
	pipe.SAdd(ctx, r.indexKey(entry.Stage), entry.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return redisError("write cache entry", err)
	}
	return nil
}

func (r *RedisCache) RecordLookup(ctx context.Context, stage cache.Stage, hit bool, tokensSaved int) error {
	pipe := r.client.Pipeline()
	if hit {
		pipe.HIncrBy(ctx, r.metricsKey(stage), "hits", 1)
		pipe.HIncrBy(ctx, r.metricsKey(stage), "tokens_saved", int64(tokensSaved))
	} else {
		pipe.HIncrBy(ctx, r.metricsKey(stage), "misses", 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return redisError("record cache lookup", err)
	}
	return nil
}

func (r *RedisCache) Counts(ctx context.Context) (cache.Counts, error) {
	var ret cache.Counts
	for _, stage := range []cache.Stage{cache.Stage1, cache.Stage2} {
		n, err := r.client.SCard(ctx, r.indexKey(stage)).Result()
		if err != nil {
			return ret, redisError("count cache entries", err)
		}
		if stage == cache.Stage1 {
			ret.Stage1Entries = n
		} else {
			ret.Stage2Entries = n
		}

		fields, err := r.client.HGetAll(ctx, r.metricsKey(stage)).Result()
		if err != nil {
			return ret, redisError("read cache metrics", err)
		}
		ret.Hits += parseCounter(fields["hits"])
		ret.Misses += parseCounter(fields["misses"])
		ret.TokensSaved += parseCounter(fields["tokens_saved"])
	}
	return ret, nil
}

func (r *RedisCache) Clear(ctx context.Context, scope cache.Scope) (int64, error) {
	var removed int64
	for _, stage := range []cache.Stage{cache.Stage1, cache.Stage2} {
		if !scope.Includes(stage) {
			continue
		}
		keys, err := r.client.SMembers(ctx, r.indexKey(stage)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return removed, redisError("list cache entries", err)
		}
		if len(keys) == 0 {
			continue
		}
		del := make([]string, 0, len(keys)+1)
		for _, k := range keys {
			del = append(del, r.entryKey(stage, k))
		}
		del = append(del, r.indexKey(stage))
		if err := r.client.Del(ctx, del...).Err(); err != nil {
			return removed, redisError("delete cache entries", err)
		}
		removed += int64(len(keys))
	}
	return removed, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// redisError tags transport failures as store errors so callers retry instead
// of treating an outage as a cache miss.
func redisError(op string, err error) error {
	return errs.NewWithCause(errs.ErrDatabase, "redis: "+op, err)
}
