package relay

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ChannelPrefix namespaces the pub/sub channel of every document.
const ChannelPrefix = "padsync:doc:"

// RedisRelay relays room events through Redis pub/sub, one channel per document.
type RedisRelay struct {
	client *redis.Client
	origin string
	log    logrus.FieldLogger
}

// NewRedis connects to the Redis server at addr and checks it is reachable.
func NewRedis(ctx context.Context, addr string, log logrus.FieldLogger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisWithClient(client, log), nil
}

func NewRedisWithClient(client *redis.Client, log logrus.FieldLogger) *RedisRelay {
	origin := uuid.New().String()
	return &RedisRelay{
		client: client,
		origin: origin,
		log:    log.WithField("relay", origin),
	}
}

func (r *RedisRelay) Origin() string {
	return r.origin
}

func (r *RedisRelay) Publish(ctx context.Context, documentID string, m Message) error {
	m.Origin = r.origin
	if err := r.client.Publish(ctx, ChannelPrefix+documentID, Encode(m)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", documentID, err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription, then delivers
// messages from a dedicated goroutine until the subscription is closed.
func (r *RedisRelay) Subscribe(ctx context.Context, documentID string, handler func(Message)) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, ChannelPrefix+documentID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}

	log := r.log.WithField("document", documentID)
	go func() {
		for msg := range pubsub.Channel() {
			m, err := Decode([]byte(msg.Payload))
			if err != nil {
				log.WithError(err).Warn("dropping relay message")
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			handler(m)
		}
	}()

	return pubsub, nil
}

// Close closes the underlying client.
func (r *RedisRelay) Close() error {
	return r.client.Close()
}
