package barstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"go_ohlcv_backend/models"
)

// HistoryCache holds recent history query results. Misses and backend
// failures look the same to callers; the store stays the source of truth.
//
// Every symbol carries a generation that Invalidate bumps. Get reports the
// generation it observed and Set only writes when it is still current, so a
// window read before a merge cannot be cached after the merge invalidated it.
type HistoryCache interface {
	Get(ctx context.Context, symbol string, limit int) (bars []models.Bar, gen int64, ok bool)
	Set(ctx context.Context, symbol string, limit int, gen int64, bars []models.Bar)
	Invalidate(ctx context.Context, symbols ...string)
}

type noopCache struct{}

func (noopCache) Get(context.Context, string, int) ([]models.Bar, int64, bool) { return nil, 0, false }
func (noopCache) Set(context.Context, string, int, int64, []models.Bar)        {}
func (noopCache) Invalidate(context.Context, ...string)                        {}

// NoopCache is used when no cache backend is configured
var NoopCache HistoryCache = noopCache{}

// unknownGeneration is handed out when the generation could not be read; Set ignores it.
const unknownGeneration = -1

var errStaleGeneration = errors.New("history cache generation changed")

// RedisHistoryCache keeps one hash per symbol, one field per requested limit,
// so a merge can drop every cached window of a symbol with a single DEL.
// The generation lives in a separate counter without a TTL.
type RedisHistoryCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHistoryCache wraps an existing client
func NewRedisHistoryCache(client *redis.Client, ttl time.Duration) *RedisHistoryCache {
	return &RedisHistoryCache{client: client, ttl: ttl}
}

// ConnectRedisHistoryCache dials rawURL (redis://...) and verifies the connection
func ConnectRedisHistoryCache(ctx context.Context, rawURL string, ttl time.Duration) (*RedisHistoryCache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisHistoryCache(client, ttl), nil
}

func historyKey(symbol string) string {
	return "ohlcv:history:" + symbol
}

func generationKey(symbol string) string {
	return "ohlcv:history-gen:" + symbol
}

func readGeneration(cmd *redis.StringCmd) (int64, error) {
	gen, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Get returns the cached window for symbol and limit together with the
// symbol's current generation, which is valid on a miss too.
func (c *RedisHistoryCache) Get(ctx context.Context, symbol string, limit int) ([]models.Bar, int64, bool) {
	pipe := c.client.Pipeline()
	genCmd := pipe.Get(ctx, generationKey(symbol))
	dataCmd := pipe.HGet(ctx, historyKey(symbol), strconv.Itoa(limit))
	_, _ = pipe.Exec(ctx)

	gen, err := readGeneration(genCmd)
	if err != nil {
		slog.Warn("history cache generation read failed", "symbol", symbol, "error", err)
		return nil, unknownGeneration, false
	}

	data, err := dataCmd.Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("history cache read failed", "symbol", symbol, "error", err)
		}
		return nil, gen, false
	}

	var bars []models.Bar
	if err := json.Unmarshal(data, &bars); err != nil {
		slog.Warn("history cache entry corrupt", "symbol", symbol, "error", err)
		return nil, gen, false
	}
	return bars, gen, true
}

// Set stores a window and refreshes the symbol's TTL. The write is dropped
// when the generation moved since gen was read.
func (c *RedisHistoryCache) Set(ctx context.Context, symbol string, limit int, gen int64, bars []models.Bar) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(bars)
	if err != nil {
		slog.Warn("failed to marshal history for cache", "symbol", symbol, "error", err)
		return
	}

	key, genKey := historyKey(symbol), generationKey(symbol)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := readGeneration(tx.Get(ctx, genKey))
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, strconv.Itoa(limit), data)
			if c.ttl > 0 {
				pipe.Expire(ctx, key, c.ttl)
			}
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleGeneration), errors.Is(err, redis.TxFailedErr):
		slog.Debug("history cache write skipped, symbol merged meanwhile", "symbol", symbol)
	default:
		slog.Warn("history cache write failed", "symbol", symbol, "error", err)
	}
}

// Invalidate bumps the generation and drops every cached window of the given symbols
func (c *RedisHistoryCache) Invalidate(ctx context.Context, symbols ...string) {
	if len(symbols) == 0 {
		return
	}
	pipe := c.client.TxPipeline()
	for _, s := range symbols {
		pipe.Incr(ctx, generationKey(s))
		pipe.Del(ctx, historyKey(s))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("history cache invalidation failed", "symbols", symbols, "error", err)
	}
}

// Close releases the underlying client
func (c *RedisHistoryCache) Close() error {
	return c.client.Close()
}
