package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apex-x/textcls-runtime/internal/tokenizer"
)

const cacheKeyPrefix = "textcls:pred:"

// ResultCache stores predictions keyed by artifact and encoded input.
// Lookups that fail are treated as misses by the caller.
type ResultCache interface {
	Get(ctx context.Context, key string) (Prediction, bool, error)
	Set(ctx context.Context, key string, prediction Prediction) error
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheKey identifies the prediction of one encoding under one artifact. Two
// texts that tokenize identically share a key.
func CacheKey(digest string, enc tokenizer.Encoding) string {
	h := sha256.New()
	h.Write([]byte(digest))
	var buf [8]byte
	for _, seq := range [][]int64{enc.InputIDs, enc.AttentionMask, enc.TokenTypeIDs} {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(seq)))
		h.Write(buf[:])
		for _, value := range seq {
			binary.LittleEndian.PutUint64(buf[:], uint64(value))
			h.Write(buf[:])
		}
	}
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

// RedisCache is a ResultCache backed by redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (Prediction, bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Prediction{}, false, nil
	}
	if err != nil {
		return Prediction{}, false, fmt.Errorf("redis get: %w", err)
	}
	var prediction Prediction
	if err := json.Unmarshal(raw, &prediction); err != nil {
		return Prediction{}, false, fmt.Errorf("decoding cached prediction: %w", err)
	}
	return prediction, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, prediction Prediction) error {
	raw, err := json.Marshal(prediction)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
