package tracer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/config"
	"github.com/zeromicro/go-zero/core/executors"
)

// Reporter buffers finished spans and ships them in batches, off the request
// path. When the queue is full the newest span is dropped and counted.
type Reporter struct {
	service   string
	transport Transport

	queueSize     int
	batchSize     int
	flushInterval time.Duration
	maxAttempts   int
	retryInterval time.Duration

	queue    chan SpanRecord
	executor *executors.BulkExecutor
	sendCtx  context.Context
	cancel   context.CancelFunc

	// Report 持读锁入队，Close 持写锁置 closed，入队与关闭互斥
	mu        sync.RWMutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
	done      chan struct{}
	stop      chan struct{}

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	exported atomic.Uint64
	failed   atomic.Uint64
}

type ReporterOption func(*Reporter)

func WithQueueSize(n int) ReporterOption {
	return func(r *Reporter) {
		r.queueSize = n
	}
}

func WithBatchSize(n int) ReporterOption {
	return func(r *Reporter) {
		r.batchSize = n
	}
}

func WithFlushInterval(d time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.flushInterval = d
	}
}

// WithRetry bounds delivery to maxAttempts tries, starting interval apart.
func WithRetry(maxAttempts int, interval time.Duration) ReporterOption {
	return func(r *Reporter) {
		r.maxAttempts = maxAttempts
		r.retryInterval = interval
	}
}

// NewReporter builds a reporter with the pkg/config defaults. Nothing is
// shipped until Start.
func NewReporter(service string, transport Transport, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		service:       service,
		transport:     transport,
		queueSize:     config.ReporterQueueSize,
		batchSize:     config.ReporterBatchSize,
		flushInterval: config.ReporterFlushInterval,
		maxAttempts:   config.ReporterMaxAttempts,
		retryInterval: config.ReporterRetryInterval,
		done:          make(chan struct{}),
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queueSize < 1 {
		r.queueSize = 1
	}
	if r.batchSize < 1 {
		r.batchSize = 1
	}
	if r.flushInterval <= 0 {
		r.flushInterval = time.Second
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.retryInterval <= 0 {
		r.retryInterval = 100 * time.Millisecond
	}

	r.queue = make(chan SpanRecord, r.queueSize)
	r.sendCtx, r.cancel = context.WithCancel(context.Background())
	r.executor = executors.NewBulkExecutor(r.execute,
		executors.WithBulkTasks(r.batchSize),
		executors.WithBulkInterval(r.flushInterval))
	return r
}

// Report enqueues rec without blocking. It returns false if rec was dropped.
func (r *Reporter) Report(rec SpanRecord) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "closed")
		return false
	}
	select {
	case r.queue <- rec:
		r.enqueued.Add(1)
		metricEnqueued.Inc()
		return true
	default:
		r.drop(rec, "full")
		return false
	}
}

func (r *Reporter) drop(rec SpanRecord, reason string) {
	r.dropped.Add(1)
	metricDropped.Inc()
	logrus.WithFields(logrus.Fields{
		"trace":  rec.TraceID,
		"span":   rec.SpanID,
		"reason": reason,
	}).Debug("SpanFlow dropped a span")
}

// Start launches the drain loop. Calling it again does nothing.
func (r *Reporter) Start() {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.run()
	})
}

func (r *Reporter) run() {
	defer close(r.done)
	for {
		select {
		case rec := <-r.queue:
			r.add(rec)
		case <-r.stop:
			r.drain()
			return
		}
	}
}

func (r *Reporter) drain() {
	for {
		select {
		case rec := <-r.queue:
			r.add(rec)
		default:
			return
		}
	}
}

func (r *Reporter) add(rec SpanRecord) {
	if err := r.executor.Add(rec); err != nil {
		r.drop(rec, err.Error())
	}
}

func (r *Reporter) execute(tasks []any) {
	spans := make([]SpanRecord, 0, len(tasks))
	for _, task := range tasks {
		if rec, ok := task.(SpanRecord); ok {
			spans = append(spans, rec)
		}
	}
	if len(spans) == 0 {
		return
	}
	r.send(SpanBatch{Service: r.service, Spans: spans})
}

func (r *Reporter) send(batch SpanBatch) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAttempts-1)), r.sendCtx)

	err := backoff.RetryNotify(func() error {
		return r.transport.Send(r.sendCtx, batch)
	}, policy, func(err error, wait time.Duration) {
		metricRetries.Inc()
		logrus.WithError(err).WithField("wait", wait).Debug("SpanFlow retrying span batch")
	})
	if err != nil {
		r.failed.Add(1)
		metricFailedBatches.Inc()
		logrus.WithError(err).WithField("spans", len(batch.Spans)).Warn("SpanFlow discarded a span batch")
		return
	}
	r.exported.Add(uint64(len(batch.Spans)))
	metricExported.Add(float64(len(batch.Spans)))
}

// Close stops intake, drains the queue and flushes the last batch. When ctx
// expires pending retries are abandoned.
func (r *Reporter) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		stopAbort := context.AfterFunc(ctx, r.cancel)
		defer stopAbort()

		close(r.stop)
		if r.started.Load() {
			select {
			case <-r.done:
			case <-ctx.Done():
				return
			}
		} else {
			r.drain()
		}
		r.executor.Flush()
		r.executor.Wait()
	})
	defer r.cancel()
	return ctx.Err()
}

func (r *Reporter) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Reporter) Enqueued() uint64 {
	return r.enqueued.Load()
}

func (r *Reporter) Exported() uint64 {
	return r.exported.Load()
}

func (r *Reporter) FailedBatches() uint64 {
	return r.failed.Load()
}
