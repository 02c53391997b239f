package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/collector"
	"github.com/stleox/spanflow/pkg/config"
	"github.com/stleox/spanflow/pkg/tracer"
	r "github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

type mockReporter struct {
	mu      sync.Mutex
	records []tracer.SpanRecord
}

func (m *mockReporter) Report(rec tracer.SpanRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return true
}

func (m *mockReporter) spans() []tracer.SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracer.SpanRecord(nil), m.records...)
}

func (m *mockReporter) byName(name string) (tracer.SpanRecord, bool) {
	for _, rec := range m.spans() {
		if rec.Name == name {
			return rec, true
		}
	}
	return tracer.SpanRecord{}, false
}

// ingestReporter hands every finished span straight to a collector.
type ingestReporter struct {
	c       *collector.Collector
	service string
}

func (i ingestReporter) Report(rec tracer.SpanRecord) bool {
	return i.c.Ingest(context.Background(), tracer.SpanBatch{Service: i.service, Spans: []tracer.SpanRecord{rec}}) == nil
}

func mockCollector(t *testing.T) *collector.Collector {
	t.Helper()
	store, err := collector.NewMemoryStore(64)
	r.NoError(t, err)
	return collector.New(store, collector.WithQuiescence(0))
}

func mockRelay(service string, rep tracer.SpanReporter, b bus.Bus, opts ...tracer.RecorderOption) *Relay {
	opts = append([]tracer.RecorderOption{tracer.WithReporter(rep)}, opts...)
	return New(tracer.NewRecorder(service, opts...), b)
}

func TestRelay_SynchronousHop(t *testing.T) {
	c := mockCollector(t)
	repFoo := tracer.NewReporter("foo", c.Transport())
	repBar := tracer.NewReporter("bar", c.Transport())
	foo := mockRelay("foo", repFoo, nil)
	bar := mockRelay("bar", repBar, nil)

	ctx, s1 := foo.Inbound(context.Background(), "GET /", propagation.MapCarrier{})
	r.False(t, s1.Context().HasParent())

	var s2 tracer.TraceContext
	carrier := propagation.MapCarrier{}
	err := foo.Call(ctx, "call bar", carrier, func(ctx context.Context) error {
		_, span := bar.Inbound(context.Background(), "GET /", carrier)
		s2 = span.Context()
		span.Finish()
		return nil
	})
	r.NoError(t, err)
	s1.Finish()

	r.NoError(t, repFoo.Close(context.Background()))
	r.NoError(t, repBar.Close(context.Background()))

	trace, err := c.Query(context.Background(), s1.Context().TraceID.String())
	r.NoError(t, err)
	r.Equal(t, collector.StatusComplete, trace.Status)
	r.Len(t, trace.Spans, 3)

	server, client, downstream := trace.Spans[0], trace.Spans[1], trace.Spans[2]
	r.Equal(t, s1.Context().SpanID.String(), server.SpanID)
	r.Equal(t, tracer.KindClient, client.Kind)
	r.Equal(t, server.SpanID, client.ParentSpanID)
	r.Equal(t, s2.SpanID.String(), downstream.SpanID)
	r.Equal(t, client.SpanID, downstream.ParentSpanID)
	r.Equal(t, "bar", downstream.Service)
}

func TestRelay_MessageHop(t *testing.T) {
	c := mockCollector(t)
	b := bus.NewMemory()
	defer b.Close()
	foo := mockRelay("foo", ingestReporter{c: c, service: "foo"}, b)
	bar := mockRelay("bar", ingestReporter{c: c, service: "bar"}, b)

	received := make(chan *bus.Message, 1)
	unsubscribe, err := bar.Consume(context.Background(), config.MessageTopic, func(ctx context.Context, msg *bus.Message) error {
		received <- msg
		return nil
	})
	r.NoError(t, err)
	defer unsubscribe()

	ctx, s1 := foo.Inbound(context.Background(), "GET /", nil)
	r.NoError(t, foo.Publish(ctx, config.MessageTopic, []byte("hi"), map[string]string{"lang": "go"}))
	s1.Finish()

	select {
	case msg := <-received:
		r.Equal(t, "hi", string(msg.Payload))
		r.Equal(t, "go", msg.Metadata["lang"])
		r.Equal(t, s1.Context().TraceID.String(), msg.Metadata[config.KeyTraceID])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	traceID := s1.Context().TraceID.String()
	r.Eventually(t, func() bool {
		trace, err := c.Query(context.Background(), traceID)
		return err == nil && len(trace.Spans) == 3
	}, 2*time.Second, 10*time.Millisecond)

	trace, err := c.Query(context.Background(), traceID)
	r.NoError(t, err)
	producer, consumer := trace.Spans[1], trace.Spans[2]
	r.Equal(t, tracer.KindProducer, producer.Kind)
	r.Equal(t, s1.Context().SpanID.String(), producer.ParentSpanID)
	r.Equal(t, config.MessageTopic, producer.Tags[TagMessageTopic])
	r.Equal(t, tracer.KindConsumer, consumer.Kind)
	r.Equal(t, producer.SpanID, consumer.ParentSpanID)
	r.Equal(t, "bar", consumer.Service)
}

func TestRelay_ConsumeIgnoresAmbientContext(t *testing.T) {
	rep := &mockReporter{}
	b := bus.NewMemory()
	defer b.Close()
	rl := mockRelay("foo", rep, b)

	// 订阅时 ctx 中的 span 不应成为消息的父节点
	ctx, ambient := rl.Inbound(context.Background(), "subscribe", nil)
	done := make(chan struct{})
	unsubscribe, err := rl.Consume(ctx, "topic", func(context.Context, *bus.Message) error {
		close(done)
		return nil
	})
	r.NoError(t, err)
	defer unsubscribe()

	r.NoError(t, b.Publish(context.Background(), "topic", bus.NewMessage([]byte("no context"))))
	<-done
	r.Eventually(t, func() bool {
		_, ok := rep.byName("consume topic")
		return ok
	}, time.Second, 10*time.Millisecond)

	rec, _ := rep.byName("consume topic")
	r.Empty(t, rec.ParentSpanID)
	r.NotEqual(t, ambient.Context().TraceID.String(), rec.TraceID)
	ambient.Finish()
}

func TestRelay_InheritsSamplingDecision(t *testing.T) {
	repFoo := &mockReporter{}
	repBar := &mockReporter{}
	foo := mockRelay("foo", repFoo, nil, tracer.WithSampler(tracer.NeverSample()))
	bar := mockRelay("bar", repBar, nil, tracer.WithSampler(tracer.AlwaysSample()))

	ctx, s1 := foo.Inbound(context.Background(), "GET /", nil)
	carrier := propagation.MapCarrier{}
	r.NoError(t, foo.Call(ctx, "call bar", carrier, func(context.Context) error {
		_, span := bar.Inbound(context.Background(), "GET /", carrier)
		r.False(t, span.Context().Sampled)
		span.Finish()
		return nil
	}))
	s1.Finish()

	r.Equal(t, "0", carrier[config.KeySampled])
	r.Empty(t, repFoo.spans())
	r.Empty(t, repBar.spans())
}

func TestRelay_InboundWithoutContextStartsTrace(t *testing.T) {
	rep := &mockReporter{}
	rl := mockRelay("foo", rep, nil)

	for _, carrier := range []propagation.MapCarrier{
		nil,
		{},
		{config.KeyTraceID: "xyz", config.KeySpanID: "00f067aa0ba902b7", config.KeySampled: "1"},
	} {
		_, span := rl.Inbound(context.Background(), "GET /", carrier)
		r.True(t, span.Context().IsValid())
		r.False(t, span.Context().HasParent())
		span.Finish()
	}
	r.Len(t, rep.spans(), 3)
}

func TestRelay_CallError(t *testing.T) {
	rep := &mockReporter{}
	rl := mockRelay("foo", rep, nil)
	want := errors.New("connection refused")

	ctx, s1 := rl.Inbound(context.Background(), "GET /", nil)
	err := rl.Call(ctx, "call bar", propagation.MapCarrier{}, func(context.Context) error {
		return want
	})
	s1.Finish()
	r.Same(t, want, err)

	rec, ok := rep.byName("call bar")
	r.True(t, ok)
	r.Equal(t, "true", rec.Tags[tracer.TagError])
	r.Equal(t, want.Error(), rec.Tags[tracer.TagErrorMessage])
}

func TestRelay_NoBus(t *testing.T) {
	rl := mockRelay("foo", &mockReporter{}, nil)
	r.ErrorIs(t, rl.Publish(context.Background(), "topic", nil, nil), ErrNoBus)
	_, err := rl.Consume(context.Background(), "topic", nil)
	r.ErrorIs(t, err, ErrNoBus)
}
