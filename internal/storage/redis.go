package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis keeps values in Redis so producers and consumers in separate
// processes share one slot. Every mutation is announced on a pub/sub channel
// carrying a JSON-encoded Change.
type Redis struct {
	client  *redis.Client
	prefix  string
	channel string
}

// NewRedis wraps an existing client. Keys are stored as prefix+key and
// changes are published on prefix+"changes".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "pagecheck:"
	}
	return &Redis{client: client, prefix: prefix, channel: prefix + "changes"}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failure: %w", err)
	}
	return NewRedis(rdb, prefix), nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failure: %w", err)
	}
	return b, true, nil
}

// Set writes the value and its change notification in one MULTI/EXEC so a
// subscriber never sees one without the other.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	payload, err := json.Marshal(Change{Area: AreaLocal, Key: key, NewValue: value})
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.prefix+key, string(value), 0)
		pipe.Publish(ctx, r.channel, string(payload))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set failure: %w", err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return fmt.Errorf("redis del failure: %w", err)
	}
	if n == 0 {
		return nil
	}
	return r.publish(ctx, Change{Area: AreaLocal, Key: key, Removed: true})
}

func (r *Redis) publish(ctx context.Context, c Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish failure: %w", err)
	}
	return nil
}

// subscribeTimeout bounds the wait for the SUBSCRIBE confirmation.
const subscribeTimeout = 5 * time.Second

// OnChanged subscribes to the change channel and returns once Redis has
// confirmed the subscription, so every later write is delivered. Messages
// that fail to decode are logged and skipped.
func (r *Redis) OnChanged(fn Listener) func() {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	ps := r.client.Subscribe(ctx, r.channel)
	if _, err := ps.Receive(ctx); err != nil {
		log.Warn().Err(err).Str("channel", r.channel).Msg("subscription not confirmed")
	}
	go func() {
		for msg := range ps.Channel() {
			var c Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed change notification")
				continue
			}
			fn(c)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { _ = ps.Close() })
	}
}
