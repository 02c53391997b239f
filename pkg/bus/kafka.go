package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Kafka publishes to kafka topics. Metadata travels as record headers.
type Kafka struct {
	writer    kafkaWriter
	brokers   []string
	prefix    string
	group     string
	newReader func(cfg kafka.ReaderConfig) kafkaReader
}

func NewKafka(cfg Config) (*Kafka, error) {
	brokers := splitAddress(cfg.Address)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are missing")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Kafka{
		writer:  writer,
		brokers: brokers,
		prefix:  cfg.TopicPrefix,
		group:   cfg.ConsumerGroup,
		newReader: func(c kafka.ReaderConfig) kafkaReader {
			return kafka.NewReader(c)
		},
	}, nil
}

func (b *Kafka) Publish(ctx context.Context, topic string, msg *Message) error {
	msg.Topic = topic
	km := kafka.Message{
		Topic: b.prefix + topic,
		Value: msg.Payload,
	}
	for k, v := range msg.Metadata {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return b.writer.WriteMessages(ctx, km)
}

func (b *Kafka) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	group := b.group
	if group == "" {
		// 每个实例独立的消费组，效果等同广播
		group = fmt.Sprintf("spanflow-%s", uuid.New().String())
	}
	reader := b.newReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  group,
		Topic:    b.prefix + topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			cancel()
			_ = reader.Close()
		})
	}

	go func() {
		defer unsubscribe()
		for {
			km, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logrus.WithError(err).WithField("topic", topic).Warn("SpanFlow stopped reading from kafka")
				}
				return
			}
			msg := NewMessage(km.Value)
			msg.Topic = topic
			for _, h := range km.Headers {
				msg.Metadata[h.Key] = string(h.Value)
			}
			dispatch(ctx, topic, msg, handler)
		}
	}()
	return unsubscribe, nil
}

func (b *Kafka) Close() error {
	return b.writer.Close()
}
