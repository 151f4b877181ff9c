package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CachedFormRepository serves form templates from Redis and falls back to
// the wrapped repository on a miss. Cache failures never fail a read.
type CachedFormRepository struct {
	next   FormRepository
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *zerolog.Logger
}

// NewCachedFormRepository wraps next with a Redis read-through cache.
func NewCachedFormRepository(next FormRepository, client *redis.Client, ttl time.Duration, log *zerolog.Logger) *CachedFormRepository {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedFormRepository{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "form:",
		log:    log,
	}
}

// NewRedisClient parses url and verifies the server is reachable.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (r *CachedFormRepository) key(id string) string {
	return r.prefix + id
}

// GetByID returns the form, populating the cache on a miss.
func (r *CachedFormRepository) GetByID(ctx context.Context, id string) (*Form, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	switch {
	case err == nil:
		var form Form
		if jerr := json.Unmarshal(raw, &form); jerr == nil {
			return &form, nil
		}
		r.log.Warn().Str("form_id", id).Msg("Discarding undecodable cached form")
	case err != redis.Nil:
		r.log.Warn().Err(err).Str("form_id", id).Msg("Form cache read failed")
	}

	form, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(form); err == nil {
		if err := r.client.Set(ctx, r.key(id), data, r.ttl).Err(); err != nil {
			r.log.Warn().Err(err).Str("form_id", id).Msg("Form cache write failed")
		}
	}
	return form, nil
}

// Invalidate drops a cached form so the next read reloads it.
func (r *CachedFormRepository) Invalidate(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("invalidate form %s: %w", id, err)
	}
	return nil
}
