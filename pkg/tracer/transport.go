package tracer

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Transport delivers one batch of spans to the collector.
type Transport interface {
	Send(ctx context.Context, batch SpanBatch) error
}

type TransportFunc func(ctx context.Context, batch SpanBatch) error

func (f TransportFunc) Send(ctx context.Context, batch SpanBatch) error {
	return f(ctx, batch)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, msg *bus.Message) error
}

// BusTransport publishes span batches as JSON on the span topic.
type BusTransport struct {
	publisher Publisher
	topic     string
}

func NewBusTransport(publisher Publisher, topic string) *BusTransport {
	if topic == "" {
		topic = config.SpanTopic
	}
	return &BusTransport{publisher: publisher, topic: topic}
}

func (t *BusTransport) Send(ctx context.Context, batch SpanBatch) error {
	data, err := EncodeBatch(batch)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, t.topic, bus.NewMessage(data))
}

func EncodeBatch(batch SpanBatch) ([]byte, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode span batch: %w", err)
	}
	return data, nil
}

func DecodeBatch(data []byte) (SpanBatch, error) {
	var batch SpanBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return SpanBatch{}, fmt.Errorf("decode span batch: %w", err)
	}
	return batch, nil
}
