package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

const keyPrefix = "lexqa:session:"

// Redis keeps each session as a Redis list of JSON encoded turns.
// Every Append runs in one MULTI/EXEC transaction, so the turns of one call
// land together and appends to the same session are applied one after another.
type Redis struct {
	client *redis.Client
	config Config
}

var _ types.SessionMemory = (*Redis)(nil)

func NewRedis(client *redis.Client, config Config) *Redis {
	return &Redis{client: client, config: config.withDefaults()}
}

// NewRedisFromURL parses a redis:// URL and connects.
func NewRedisFromURL(ctx context.Context, url string, config Config) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", types.ErrInvalidConfig, err)
	}
	r := NewRedis(redis.NewClient(opts), config)
	if err := r.Ping(ctx); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

func sessionKey(id string) string {
	return keyPrefix + id
}

func (r *Redis) Append(ctx context.Context, sessionID string, turns ...models.SessionTurn) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}

	now := time.Now().UTC()
	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, data)
	}

	key := sessionKey(sessionID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-r.config.MaxTurns), -1)
		if r.config.TTL > 0 {
			pipe.Expire(ctx, key, r.config.TTL)
		}
		return nil
	})
	if err != nil {
		return wrap("append turns", err)
	}
	return nil
}

func (r *Redis) GetWindow(ctx context.Context, sessionID string, window int) ([]models.SessionTurn, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if window <= 0 {
		return nil, nil
	}

	key := sessionKey(sessionID)
	data, err := r.client.LRange(ctx, key, int64(-window), -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, wrap("read window", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	turns := make([]models.SessionTurn, 0, len(data))
	for _, raw := range data {
		var t models.SessionTurn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("%w: corrupt turn in %s: %v", types.ErrMemoryUnavailable, key, err)
		}
		turns = append(turns, t)
	}

	if r.config.TTL > 0 {
		// Reading keeps the session alive.
		r.client.Expire(ctx, key, r.config.TTL)
	}
	return turns, nil
}

func (r *Redis) Clear(ctx context.Context, sessionID string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	if err := r.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return wrap("clear session", err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", types.ErrMemoryUnavailable, op, err)
}
