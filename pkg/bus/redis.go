package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis publishes over redis pub/sub. Messages are wrapped in a JSON envelope
// because pub/sub carries no headers.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(cfg Config) (*Redis, error) {
	addr := cfg.Address
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	return NewRedisWithClient(redis.NewClient(opts), cfg.TopicPrefix), nil
}

func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (b *Redis) Publish(ctx context.Context, topic string, msg *Message) error {
	msg.Topic = topic
	data, err := encodeEnvelope(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return b.client.Publish(ctx, b.prefix+topic, data).Err()
}

func (b *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	pubsub := b.client.Subscribe(ctx, b.prefix+topic)
	// 等待订阅确认，否则紧随其后的消息可能丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := pubsub.Channel()
	go func() {
		defer func() { _ = pubsub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeEnvelope([]byte(m.Payload))
				if err != nil {
					logrus.WithError(err).WithField("topic", topic).Warn("SpanFlow couldn't decode a redis message")
					continue
				}
				msg.Topic = topic
				dispatch(ctx, topic, msg, handler)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (b *Redis) Close() error {
	return b.client.Close()
}
