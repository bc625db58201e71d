package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Bus backed by a Redis server.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis server at host:port and verifies it is
// reachable with a ping.
func NewRedis(ctx context.Context, host string, port int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
		DB:   0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("bus: unable to reach redis server %s:%d: %w", host, port, err)
	}
	return &Redis{rdb: rdb}, nil
}

type redisSub struct {
	pubsub *redis.PubSub
}

func (s *redisSub) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(err)
	}
	return []byte(msg.Payload), nil
}

func (s *redisSub) Close() error {
	if err := s.pubsub.Unsubscribe(context.Background()); err != nil {
		return s.pubsub.Close()
	}
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, channel)
	// The first message delivered after subscribing is the broker's
	// acknowledgment; consume it here so callers only ever see payloads.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, classify(err)
	}
	return &redisSub{pubsub: pubsub}, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := r.rdb.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return classify(err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, classify(err)
	}
	return val, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

// classify maps transport-level failures onto ErrDisconnected so callers can
// distinguish a dead broker from a protocol error.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}
