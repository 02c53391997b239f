// Package bus is the asynchronous messaging abstraction shared by business
// messages and span export: publish a byte payload with a metadata map,
// consume it later somewhere else.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/config"
	"go.opentelemetry.io/otel/propagation"
)

const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeNats   = "nats"
	TypeKafka  = "kafka"
)

var (
	ErrUnknownType = errors.New("unknown bus type")
	ErrClosed      = errors.New("bus is closed")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one published payload. Metadata doubles as the trace carrier.
type Message struct {
	Topic    string            `json:"topic"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewMessage(payload []byte) *Message {
	return &Message{
		Payload:  payload,
		Metadata: make(map[string]string),
	}
}

// Carrier exposes Metadata as an OpenTelemetry text map carrier.
func (m *Message) Carrier() propagation.MapCarrier {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string)
	}
	return m.Metadata
}

func (m *Message) clone() *Message {
	c := &Message{
		Topic:    m.Topic,
		Payload:  m.Payload,
		Metadata: make(map[string]string, len(m.Metadata)),
	}
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return c
}

// Handler consumes one message. Errors are logged by the bus; there is no
// redelivery.
type Handler func(ctx context.Context, msg *Message) error

type Bus interface {
	// Publish sends msg to every subscriber of topic.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe runs handler for each message on topic until ctx is done or
	// unsubscribe is called.
	Subscribe(ctx context.Context, topic string, handler Handler) (unsubscribe func(), err error)

	Close() error
}

type Config struct {
	Type          string
	Address       string
	TopicPrefix   string
	ConsumerGroup string
}

// ConfigFromGlobals reads the bus settings loaded into pkg/config.
func ConfigFromGlobals() Config {
	return Config{
		Type:          config.BusType,
		Address:       config.BusAddress,
		TopicPrefix:   config.BusTopicPrefix,
		ConsumerGroup: config.BusConsumerGroup,
	}
}

func New(cfg Config) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeMemory, "":
		return NewMemory(), nil
	case TypeRedis:
		return NewRedis(cfg)
	case TypeNats:
		return NewNats(cfg)
	case TypeKafka:
		return NewKafka(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, cfg.Type)
	}
}

// dispatch runs handler and keeps a failing or panicking handler from taking
// the subscription down.
func dispatch(ctx context.Context, topic string, msg *Message, handler Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.WithField("topic", topic).Errorf("SpanFlow recovered from a panicking handler: %v", rec)
		}
	}()
	if err := handler(ctx, msg); err != nil {
		logrus.WithError(err).WithField("topic", topic).Warn("SpanFlow message handler failed")
	}
}

func encodeEnvelope(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeEnvelope(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return &msg, nil
}

func splitAddress(address string) []string {
	parts := strings.Split(address, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
