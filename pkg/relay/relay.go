// Package relay bridges an inbound request to outbound calls and messages
// while carrying the trace context across each boundary.
package relay

import (
	"context"
	"errors"

	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/tracer"
)

const (
	TagMessageTopic = "message.topic"
)

var ErrNoBus = errors.New("relay has no message bus")

type Relay struct {
	recorder *tracer.Recorder
	bus      bus.Bus
}

// New builds a relay. b may be nil when only synchronous calls are relayed.
func New(recorder *tracer.Recorder, b bus.Bus) *Relay {
	return &Relay{recorder: recorder, bus: b}
}

func (r *Relay) Recorder() *tracer.Recorder {
	return r.recorder
}

// Inbound opens the server span of an incoming request. The carrier's context
// becomes its parent; without one a new trace starts here.
func (r *Relay) Inbound(ctx context.Context, name string, carrier tracer.Carrier) (context.Context, *tracer.Span) {
	opts := []tracer.StartOption{tracer.WithRoot()}
	if tc, ok := tracer.Extract(carrier); ok {
		opts = append(opts, tracer.WithRemoteParent(tc))
	}
	return r.recorder.Start(ctx, name, tracer.KindServer, opts...)
}

// Call wraps one synchronous downstream call in a client span. The span's
// context is injected into carrier before fn runs; fn's error is tagged and
// returned as is.
func (r *Relay) Call(ctx context.Context, name string, carrier tracer.Carrier, fn func(ctx context.Context) error) error {
	ctx, span := r.recorder.Start(ctx, name, tracer.KindClient)
	defer span.Finish()

	tracer.Inject(span.Context(), carrier)
	err := fn(ctx)
	span.SetError(err)
	return err
}

// Publish sends payload on topic inside a producer span that is closed as soon
// as the message is handed to the bus.
func (r *Relay) Publish(ctx context.Context, topic string, payload []byte, metadata map[string]string) error {
	if r.bus == nil {
		return ErrNoBus
	}
	_, span := r.recorder.Start(ctx, "publish "+topic, tracer.KindProducer,
		tracer.WithTag(TagMessageTopic, topic))

	msg := bus.NewMessage(payload)
	for k, v := range metadata {
		msg.Metadata[k] = v
	}
	tracer.Inject(span.Context(), msg.Carrier())

	err := r.bus.Publish(ctx, topic, msg)
	span.SetError(err)
	span.Finish()
	return err
}

// Consume subscribes handler to topic. Every message is its own unit of work:
// a consumer span parented by the producer span, never by whatever ctx holds.
func (r *Relay) Consume(ctx context.Context, topic string, handler bus.Handler) (func(), error) {
	if r.bus == nil {
		return nil, ErrNoBus
	}
	return r.bus.Subscribe(ctx, topic, func(ctx context.Context, msg *bus.Message) error {
		opts := []tracer.StartOption{tracer.WithRoot(), tracer.WithTag(TagMessageTopic, topic)}
		if tc, ok := tracer.Extract(msg.Carrier()); ok {
			opts = append(opts, tracer.WithRemoteParent(tc))
		}
		ctx, span := r.recorder.Start(ctx, "consume "+topic, tracer.KindConsumer, opts...)
		defer span.Finish()

		err := handler(ctx, msg)
		span.SetError(err)
		return err
	})
}
