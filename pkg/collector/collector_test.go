package collector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/tracer"
	r "github.com/stretchr/testify/require"
)

func TestCollector_IngestIdempotent(t *testing.T) {
	c := mockCollector(t)
	ctx := context.Background()

	batch := tracer.SpanBatch{Service: "foo", Spans: []tracer.SpanRecord{mockSpan(traceA, spanA1, "", "foo", 1)}}
	r.NoError(t, c.Ingest(ctx, batch))
	r.NoError(t, c.Ingest(ctx, batch))

	trace, err := c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Len(t, trace.Spans, 1)
	r.Equal(t, StatusComplete, trace.Status)
}

func TestCollector_IngestSkipsMalformed(t *testing.T) {
	c := mockCollector(t)
	ctx := context.Background()

	upper := mockSpan("0AF7651916CD43DD8448EB211C80319C", "00F067AA0BA902B7", "", "", 1)
	batch := tracer.SpanBatch{Service: "foo", Spans: []tracer.SpanRecord{
		upper,
		mockSpan("xyz", spanA2, "", "foo", 2),
		mockSpan(traceA, "0000000000000000", "", "foo", 2),
		mockSpan(traceA, spanA3, "bad", "foo", 2),
		mockSpan(traceA, spanA4, spanA4, "foo", 2),
	}}
	r.NoError(t, c.Ingest(ctx, batch))

	trace, err := c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Len(t, trace.Spans, 1)
	r.Equal(t, spanA1, trace.Spans[0].SpanID)
	r.Equal(t, "foo", trace.Spans[0].Service)
}

func TestCollector_QueryErrors(t *testing.T) {
	c := mockCollector(t)
	ctx := context.Background()

	_, err := c.Query(ctx, traceB)
	r.ErrorIs(t, err, ErrTraceNotFound)

	_, err = c.Query(ctx, "not-a-trace")
	r.ErrorIs(t, err, ErrInvalidTraceID)
}

func TestCollector_LateParentRelinks(t *testing.T) {
	c := mockCollector(t)
	ctx := context.Background()

	r.NoError(t, c.Ingest(ctx, tracer.SpanBatch{Service: "bar", Spans: []tracer.SpanRecord{
		mockSpan(traceA, spanA2, spanA1, "bar", 2),
	}}))
	trace, err := c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Equal(t, StatusPartial, trace.Status)
	r.Equal(t, 1, trace.Orphans)

	r.NoError(t, c.Ingest(ctx, tracer.SpanBatch{Service: "foo", Spans: []tracer.SpanRecord{
		mockSpan(traceA, spanA1, "", "foo", 1),
	}}))
	trace, err = c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Equal(t, StatusComplete, trace.Status)
	r.Equal(t, []string{spanA1, spanA2}, spanIDs(trace.Spans))
}

func TestCollector_QuiescenceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	store, err := NewMemoryStore(16)
	r.NoError(t, err)
	c := New(store, WithQuiescence(5*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	r.NoError(t, c.Ingest(ctx, tracer.SpanBatch{Spans: []tracer.SpanRecord{mockSpan(traceA, spanA1, "", "foo", 1)}}))
	trace, err := c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Equal(t, StatusPartial, trace.Status)

	now = now.Add(5 * time.Second)
	trace, err = c.Query(ctx, traceA)
	r.NoError(t, err)
	r.Equal(t, StatusComplete, trace.Status)

	n, err := c.Prune(ctx, time.Second)
	r.NoError(t, err)
	r.Equal(t, 1, n)
	_, err = c.Query(ctx, traceA)
	r.ErrorIs(t, err, ErrTraceNotFound)
}

type failingStore struct {
	Store
}

func (failingStore) Put(context.Context, []tracer.SpanRecord, time.Time) ([]tracer.SpanRecord, error) {
	return nil, errors.New("disk full")
}

func TestCollector_StoreFailureReachesReporter(t *testing.T) {
	c := New(failingStore{})
	rep := tracer.NewReporter("foo", c.Transport(), tracer.WithRetry(2, time.Millisecond))

	rep.Report(mockSpan(traceA, spanA1, "", "foo", 1))
	r.NoError(t, rep.Close(context.Background()))
	r.Equal(t, uint64(1), rep.FailedBatches())
}

func TestCollector_SubscribeBus(t *testing.T) {
	c := mockCollector(t)
	b := bus.NewMemory()
	defer b.Close()

	unsubscribe, err := c.Subscribe(context.Background(), b, "")
	r.NoError(t, err)
	defer unsubscribe()

	// 无法解码的消息不影响后续消息
	r.NoError(t, b.Publish(context.Background(), "sleuth", bus.NewMessage([]byte("garbage"))))

	transport := tracer.NewBusTransport(b, "sleuth")
	r.NoError(t, transport.Send(context.Background(), tracer.SpanBatch{
		Service: "foo",
		Spans:   []tracer.SpanRecord{mockSpan(traceA, spanA1, "", "foo", 1)},
	}))

	r.Eventually(t, func() bool {
		_, err := c.Query(context.Background(), traceA)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

// flakyStore refuses the first failures Puts.
type flakyStore struct {
	Store
	failures int32
	puts     atomic.Int32
}

func (s *flakyStore) Put(ctx context.Context, spans []tracer.SpanRecord, now time.Time) ([]tracer.SpanRecord, error) {
	if s.puts.Add(1) <= s.failures {
		return nil, errors.New("database is locked")
	}
	return s.Store.Put(ctx, spans, now)
}

func TestCollector_SubscribeRetriesStoreFailure(t *testing.T) {
	mem, err := NewMemoryStore(16)
	r.NoError(t, err)
	store := &flakyStore{Store: mem, failures: 1}
	c := New(store, WithQuiescence(0), WithIngestRetry(3, time.Millisecond))
	b := bus.NewMemory()
	defer b.Close()

	unsubscribe, err := c.Subscribe(context.Background(), b, "sleuth")
	r.NoError(t, err)
	defer unsubscribe()

	rep := tracer.NewReporter("foo", tracer.NewBusTransport(b, "sleuth"))
	rep.Report(mockSpan(traceA, spanA1, "", "foo", 1))
	r.NoError(t, rep.Close(context.Background()))
	r.Equal(t, uint64(0), rep.FailedBatches())

	r.Eventually(t, func() bool {
		_, err := c.Query(context.Background(), traceA)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	r.Equal(t, int32(2), store.puts.Load())
}

func TestCollector_SubscribeGivesUpAfterMaxAttempts(t *testing.T) {
	mem, err := NewMemoryStore(16)
	r.NoError(t, err)
	store := &flakyStore{Store: mem, failures: 100}
	c := New(store, WithIngestRetry(3, time.Millisecond))

	err = c.ingestWithRetry(context.Background(), tracer.SpanBatch{
		Service: "foo",
		Spans:   []tracer.SpanRecord{mockSpan(traceA, spanA1, "", "foo", 1)},
	})
	r.Error(t, err)
	r.Equal(t, int32(3), store.puts.Load())
}

func TestCollector_Search(t *testing.T) {
	c := mockCollector(t)
	ctx := context.Background()
	r.NoError(t, c.Ingest(ctx, tracer.SpanBatch{Spans: []tracer.SpanRecord{
		mockSpan(traceA, spanA1, "", "foo", 1),
		mockSpan(traceB, spanB1, "", "bar", 2),
	}}))

	ids, err := c.Search(ctx, Criteria{Service: "bar"})
	r.NoError(t, err)
	r.Equal(t, []string{traceB}, ids)
}

func mockCollector(t *testing.T) *Collector {
	t.Helper()
	store, err := NewMemoryStore(64)
	r.NoError(t, err)
	return New(store, WithQuiescence(0))
}
