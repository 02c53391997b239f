package tracer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stleox/spanflow/pkg/bus"
	r "github.com/stretchr/testify/require"
)

type mockTransport struct {
	mu       sync.Mutex
	batches  []SpanBatch
	attempts int
	failures int // 前 failures 次调用返回错误，<0 表示一直失败
}

func (m *mockTransport) Send(_ context.Context, batch SpanBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failures < 0 || m.attempts <= m.failures {
		return errors.New("collector unavailable")
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockTransport) spans() []SpanRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []SpanRecord
	for _, b := range m.batches {
		out = append(out, b.Spans...)
	}
	return out
}

func mockRecord(name string) SpanRecord {
	return SpanRecord{
		TraceID:   NewTraceID().String(),
		SpanID:    NewSpanID().String(),
		Name:      name,
		Kind:      KindServer,
		Service:   "foo",
		StartTime: time.Unix(1, 0),
		EndTime:   time.Unix(2, 0),
	}
}

func TestReporter_DropNewestWhenFull(t *testing.T) {
	tp := &mockTransport{}
	rep := NewReporter("foo", tp, WithQueueSize(4))

	for i := 0; i < 4; i++ {
		r.True(t, rep.Report(mockRecord("ok")))
	}
	r.False(t, rep.Report(mockRecord("overflow")))
	r.Equal(t, uint64(1), rep.Dropped())
	r.Equal(t, uint64(4), rep.Enqueued())

	r.NoError(t, rep.Close(context.Background()))
	spans := tp.spans()
	r.Len(t, spans, 4)
	for _, s := range spans {
		r.Equal(t, "ok", s.Name)
	}
}

func TestReporter_BatchesAndFlushes(t *testing.T) {
	tp := &mockTransport{}
	rep := NewReporter("foo", tp, WithBatchSize(2), WithFlushInterval(10*time.Millisecond))
	rep.Start()
	rep.Start()

	for i := 0; i < 5; i++ {
		r.True(t, rep.Report(mockRecord("op")))
	}
	r.NoError(t, rep.Close(context.Background()))

	r.Len(t, tp.spans(), 5)
	r.Equal(t, uint64(5), rep.Exported())
	for _, b := range tp.batches {
		r.Equal(t, "foo", b.Service)
		r.LessOrEqual(t, len(b.Spans), 2)
	}
}

func TestReporter_Retries(t *testing.T) {
	tp := &mockTransport{failures: 2}
	rep := NewReporter("foo", tp, WithRetry(5, time.Millisecond))

	rep.Report(mockRecord("op"))
	r.NoError(t, rep.Close(context.Background()))

	r.Equal(t, 3, tp.attempts)
	r.Len(t, tp.spans(), 1)
	r.Zero(t, rep.FailedBatches())
}

func TestReporter_DiscardsAfterMaxAttempts(t *testing.T) {
	tp := &mockTransport{failures: -1}
	rep := NewReporter("foo", tp, WithRetry(3, time.Millisecond))

	rep.Report(mockRecord("op"))
	r.NoError(t, rep.Close(context.Background()))

	r.Equal(t, 3, tp.attempts)
	r.Empty(t, tp.spans())
	r.Equal(t, uint64(1), rep.FailedBatches())
}

func TestReporter_ReportAfterClose(t *testing.T) {
	rep := NewReporter("foo", &mockTransport{})
	rep.Start()
	r.NoError(t, rep.Close(context.Background()))
	r.NoError(t, rep.Close(context.Background()))

	r.False(t, rep.Report(mockRecord("late")))
	r.Equal(t, uint64(1), rep.Dropped())
}

func TestReporter_ReportDuringClose(t *testing.T) {
	transport := &mockTransport{}
	rep := NewReporter("foo", transport, WithQueueSize(4096), WithFlushInterval(time.Millisecond))
	rep.Start()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				rep.Report(mockRecord("child"))
			}
		}()
	}
	time.Sleep(time.Millisecond)
	r.NoError(t, rep.Close(context.Background()))
	wg.Wait()

	// 被接受的 Span 必须全部导出，其余计入 dropped
	r.Equal(t, uint64(writers*perWriter), rep.Enqueued()+rep.Dropped())
	r.Equal(t, rep.Enqueued(), rep.Exported())
	r.Len(t, transport.spans(), int(rep.Exported()))
}

func TestReporter_WithRecorder(t *testing.T) {
	tp := &mockTransport{}
	rep := NewReporter("foo", tp, WithFlushInterval(5*time.Millisecond))
	rep.Start()
	rec := NewRecorder("foo", WithReporter(rep))

	ctx, root := rec.Start(context.Background(), "root", KindServer)
	_, child := rec.Start(ctx, "child", KindClient)
	child.Finish()
	root.Finish()

	r.Eventually(t, func() bool {
		return len(tp.spans()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	r.NoError(t, rep.Close(context.Background()))
}

func TestBusTransport(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	got := make(chan SpanBatch, 1)
	_, err := b.Subscribe(context.Background(), "sleuth", func(_ context.Context, msg *bus.Message) error {
		batch, err := DecodeBatch(msg.Payload)
		if err != nil {
			return err
		}
		got <- batch
		return nil
	})
	r.NoError(t, err)

	want := SpanBatch{Service: "foo", Spans: []SpanRecord{mockRecord("op")}}
	r.NoError(t, NewBusTransport(b, "").Send(context.Background(), want))

	select {
	case batch := <-got:
		r.Equal(t, want.Service, batch.Service)
		r.Len(t, batch.Spans, 1)
		r.Equal(t, want.Spans[0].SpanID, batch.Spans[0].SpanID)
		r.True(t, want.Spans[0].StartTime.Equal(batch.Spans[0].StartTime))
	case <-time.After(time.Second):
		t.Fatal("batch not delivered")
	}

	_, err = DecodeBatch([]byte("{"))
	r.Error(t, err)
}
