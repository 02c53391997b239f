// Package collector reassembles span fragments exported by many processes
// into traces and serves them.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/bus"
	"github.com/stleox/spanflow/pkg/config"
	"github.com/stleox/spanflow/pkg/tracer"
)

var (
	ErrTraceNotFound  = errors.New("trace not found")
	ErrInvalidTraceID = errors.New("invalid trace id")
)

type Collector struct {
	store      Store
	quiescence time.Duration
	now        func() time.Time
	forwarder  *Forwarder

	ingestAttempts int
	ingestInterval time.Duration
}

type Option func(*Collector)

// WithQuiescence sets how long a trace must stay silent before it can be
// reported complete.
func WithQuiescence(d time.Duration) Option {
	return func(c *Collector) {
		c.quiescence = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		c.now = now
	}
}

// WithForwarder re-emits every newly stored span through f.
func WithForwarder(f *Forwarder) Option {
	return func(c *Collector) {
		c.forwarder = f
	}
}

// WithIngestRetry bounds how often a batch received from the bus is offered
// to the store before it is dropped.
func WithIngestRetry(maxAttempts int, interval time.Duration) Option {
	return func(c *Collector) {
		c.ingestAttempts = maxAttempts
		c.ingestInterval = interval
	}
}

func New(store Store, opts ...Option) *Collector {
	c := &Collector{
		store:          store,
		quiescence:     config.Quiescence,
		now:            time.Now,
		ingestAttempts: config.IngestMaxAttempts,
		ingestInterval: config.IngestRetryInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ingestAttempts < 1 {
		c.ingestAttempts = 1
	}
	return c
}

// NewStore builds the store named by kind: "memory", "mysql" or "sqlite".
func NewStore(ctx context.Context, kind, dsn string, maxTraces int) (Store, error) {
	switch kind {
	case "memory", "":
		return NewMemoryStore(maxTraces)
	case DriverMySQL, DriverSQLite:
		return NewSQLStore(ctx, kind, dsn)
	default:
		return nil, fmt.Errorf("unknown collector store: %s", kind)
	}
}

// Ingest stores a batch. Spans already stored are skipped, malformed ones are
// dropped and counted. A store failure rejects the whole batch.
func (c *Collector) Ingest(ctx context.Context, batch tracer.SpanBatch) error {
	spans := make([]tracer.SpanRecord, 0, len(batch.Spans))
	for _, s := range batch.Spans {
		norm, err := normalize(s, batch.Service)
		if err != nil {
			metricRejected.Inc()
			logrus.WithError(err).WithFields(logrus.Fields{
				"trace": s.TraceID,
				"span":  s.SpanID,
			}).Warn("SpanFlow rejected a malformed span")
			continue
		}
		spans = append(spans, norm)
	}
	if len(spans) == 0 {
		return nil
	}

	stored, err := c.store.Put(ctx, spans, c.now())
	if err != nil {
		return fmt.Errorf("store %d spans: %w", len(spans), err)
	}
	metricIngested.Add(float64(len(stored)))
	metricDuplicates.Add(float64(len(spans) - len(stored)))
	c.forwarder.Forward(ctx, stored)
	return nil
}

// normalize checks the ids of s and rewrites them in lower case.
func normalize(s tracer.SpanRecord, service string) (tracer.SpanRecord, error) {
	traceID, err := tracer.ParseTraceID(s.TraceID)
	if err != nil {
		return s, fmt.Errorf("trace id: %w", err)
	}
	spanID, err := tracer.ParseSpanID(s.SpanID)
	if err != nil {
		return s, fmt.Errorf("span id: %w", err)
	}
	s.TraceID, s.SpanID = traceID.String(), spanID.String()
	if s.ParentSpanID != "" {
		parentID, err := tracer.ParseSpanID(s.ParentSpanID)
		if err != nil {
			return s, fmt.Errorf("parent span id: %w", err)
		}
		if parentID == spanID {
			return s, errors.New("span is its own parent")
		}
		s.ParentSpanID = parentID.String()
	}
	if s.Service == "" {
		s.Service = service
	}
	if s.Service == "" {
		s.Service = config.NameUnknown
	}
	return s, nil
}

// Query assembles the trace as currently stored.
func (c *Collector) Query(ctx context.Context, traceID string) (*Trace, error) {
	id, err := tracer.ParseTraceID(traceID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTraceID, traceID)
	}
	spans, lastSeen, err := c.store.Get(ctx, id.String())
	if err != nil {
		return nil, err
	}
	if len(spans) == 0 {
		return nil, ErrTraceNotFound
	}
	return assemble(id.String(), spans, lastSeen, c.now(), c.quiescence), nil
}

func (c *Collector) Search(ctx context.Context, criteria Criteria) ([]string, error) {
	return c.store.Search(ctx, criteria)
}

// Prune drops traces that have been silent longer than retention.
func (c *Collector) Prune(ctx context.Context, retention time.Duration) (int, error) {
	n, err := c.store.Prune(ctx, c.now().Add(-retention))
	metricPruned.Add(float64(n))
	return n, err
}

// Transport lets an in-process Reporter ship straight into the collector, so
// that store failures reach the Reporter's retry loop.
func (c *Collector) Transport() tracer.Transport {
	return tracer.TransportFunc(c.Ingest)
}

// Subscribe ingests every span batch published on topic. The bus does not
// redeliver, so a batch the store refuses is retried here with backoff and
// dropped only once every attempt failed.
func (c *Collector) Subscribe(ctx context.Context, b bus.Bus, topic string) (func(), error) {
	if topic == "" {
		topic = config.SpanTopic
	}
	return b.Subscribe(ctx, topic, func(ctx context.Context, msg *bus.Message) error {
		batch, err := tracer.DecodeBatch(msg.Payload)
		if err != nil {
			metricBadBatches.Inc()
			return err
		}
		return c.ingestWithRetry(ctx, batch)
	})
}

func (c *Collector) ingestWithRetry(ctx context.Context, batch tracer.SpanBatch) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.ingestInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.ingestAttempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		return c.Ingest(ctx, batch)
	}, policy, func(err error, wait time.Duration) {
		metricIngestRetries.Inc()
		logrus.WithError(err).WithField("wait", wait).Debug("SpanFlow retrying span batch ingest")
	})
	if err != nil {
		metricDroppedBatches.Inc()
		logrus.WithError(err).WithFields(logrus.Fields{
			"service": batch.Service,
			"spans":   len(batch.Spans),
		}).Warn("SpanFlow couldn't store a span batch from the bus, dropped it")
	}
	return err
}

func (c *Collector) Close() error {
	return c.store.Close()
}
