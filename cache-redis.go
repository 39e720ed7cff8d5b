package sdns

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// redisAsyncWriteSemCapacity limits concurrent background Redis writes.
	redisAsyncWriteSemCapacity = 256

	redisOpTimeout = 100 * time.Millisecond
)

type redisBackend struct {
	client        *redis.Client
	opt           RedisBackendOptions
	asyncWriteSem chan struct{}
}

type RedisBackendOptions struct {
	RedisOptions redis.Options
	KeyPrefix    string
	SyncSet      bool // When true, perform Redis SET synchronously. Default is false (async writes).
}

var _ CacheBackend = (*redisBackend)(nil)

// NewRedisBackend returns a cache backend that stores answer records in
// Redis, leaving expiry to the server-side key TTL.
func NewRedisBackend(opt RedisBackendOptions) *redisBackend {
	return &redisBackend{
		client:        redis.NewClient(&opt.RedisOptions),
		opt:           opt,
		asyncWriteSem: make(chan struct{}, redisAsyncWriteSemCapacity),
	}
}

func (b *redisBackend) Set(key string, answers []Answer, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if b.opt.SyncSet {
		b.storeSync(key, answers, ttl)
	} else {
		b.storeAsync(key, answers, ttl)
	}
}

func (b *redisBackend) storeSync(key string, answers []Answer, ttl time.Duration) {
	record := cacheRecord{
		Timestamp: time.Now(),
		Expiry:    time.Now().Add(ttl),
		Answers:   answers,
	}
	value, err := json.Marshal(record)
	if err != nil {
		Log.WithError(err).Error("failed to encode cache record")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := b.client.Set(ctx, b.opt.KeyPrefix+key, value, ttl).Err(); err != nil {
		Log.WithError(err).Error("failed to write to redis")
	}
}

func (b *redisBackend) storeAsync(key string, answers []Answer, ttl time.Duration) {
	// Non-blocking semaphore acquire
	select {
	case b.asyncWriteSem <- struct{}{}:
		go func() {
			defer func() { <-b.asyncWriteSem }()
			b.storeSync(key, answers, ttl)
		}()
	default:
		// Semaphore full, skip the store (best-effort caching)
	}
}

func (b *redisBackend) Get(key string) ([]Answer, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	value, err := b.client.Get(ctx, b.opt.KeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			Log.WithError(err).Error("failed to read from redis")
		}
		return nil, false
	}

	var record cacheRecord
	if err := json.Unmarshal(value, &record); err != nil {
		Log.WithError(err).Error("failed to decode cache record from redis")
		return nil, false
	}

	answers, ok := record.agedAnswers()
	if !ok {
		return nil, false
	}
	return answers, true
}

func (b *redisBackend) Close() error {
	return b.client.Close()
}
