package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/filevault/internal/models"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// CacheTTL is the time-to-live for cached file metadata (5 minutes)
	CacheTTL = 5 * time.Minute
)

// RedisClient caches active file lookups by filename with tracing
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

func activeKey(filename string) string {
	return "file:active:" + filename
}

// GetActive returns the cached record for filename, or nil on a cache miss.
func (rc *RedisClient) GetActive(ctx context.Context, filename string) (*models.ActiveFile, error) {
	ctx, span := tracer.Start(ctx, "redis.get_active",
		trace.WithAttributes(
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	data, err := rc.client.Get(ctx, activeKey(filename)).Bytes()
	if errors.Is(err, redis.Nil) {
		span.SetAttributes(
			attribute.Bool("cache_hit", false),
			attribute.String("cache_status", "miss"),
		)
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	var file models.ActiveFile
	if err := json.Unmarshal(data, &file); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal cached data: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.String("cache_status", "hit"),
	)
	return &file, nil
}

// SetActive caches file under its filename
func (rc *RedisClient) SetActive(ctx context.Context, file *models.ActiveFile) error {
	ctx, span := tracer.Start(ctx, "redis.set_active",
		trace.WithAttributes(
			attribute.Int64("file_id", file.ID),
			attribute.String("file_name", file.Filename),
		),
	)
	defer span.End()

	data, err := json.Marshal(file)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal file: %w", err)
	}

	if err := rc.client.Set(ctx, activeKey(file.Filename), data, CacheTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_set_success", true),
		attribute.Int64("ttl_seconds", int64(CacheTTL.Seconds())),
	)
	return nil
}

// InvalidateActive removes the cached record for filename
func (rc *RedisClient) InvalidateActive(ctx context.Context, filename string) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_active",
		trace.WithAttributes(
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	if err := rc.client.Del(ctx, activeKey(filename)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache_invalidate_success", true))
	return nil
}

// NoopCache satisfies the cache contract without storing anything. It is
// used when CACHE_ENABLED is false.
type NoopCache struct{}

func (NoopCache) GetActive(context.Context, string) (*models.ActiveFile, error) { return nil, nil }
func (NoopCache) SetActive(context.Context, *models.ActiveFile) error           { return nil }
func (NoopCache) InvalidateActive(context.Context, string) error                { return nil }
