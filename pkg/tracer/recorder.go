package tracer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/config"
)

// SpanReporter receives finished, sampled spans. Report must not block.
type SpanReporter interface {
	Report(rec SpanRecord) bool
}

// Recorder opens and closes spans for one service.
type Recorder struct {
	service  string
	sampler  Sampler
	reporter SpanReporter
	now      func() time.Time
}

type RecorderOption func(*Recorder)

func WithSampler(s Sampler) RecorderOption {
	return func(r *Recorder) {
		r.sampler = s
	}
}

func WithReporter(rep SpanReporter) RecorderOption {
	return func(r *Recorder) {
		r.reporter = rep
	}
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

func NewRecorder(service string, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		service: service,
		sampler: AlwaysSample(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Recorder) Service() string {
	return r.service
}

type startConfig struct {
	parent *TraceContext
	root   bool
	start  time.Time
	tags   map[string]string
}

type StartOption func(*startConfig)

// WithRemoteParent parents the new span to tc instead of the active context.
func WithRemoteParent(tc TraceContext) StartOption {
	return func(c *startConfig) {
		c.parent = &tc
	}
}

// WithRoot ignores the active context of ctx: without WithRemoteParent the
// span starts a new trace.
func WithRoot() StartOption {
	return func(c *startConfig) {
		c.root = true
	}
}

func WithStartTime(t time.Time) StartOption {
	return func(c *startConfig) {
		c.start = t
	}
}

func WithTag(key, value string) StartOption {
	return func(c *startConfig) {
		if c.tags == nil {
			c.tags = make(map[string]string)
		}
		c.tags[key] = value
	}
}

// Start opens a span. It is a child of the active context of ctx (or of the
// WithRemoteParent context); without either it starts a new trace and asks
// the sampler. The returned ctx has the span's scope entered.
func (r *Recorder) Start(ctx context.Context, name string, kind Kind, opts ...StartOption) (context.Context, *Span) {
	var cfg startConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		parent    TraceContext
		hasParent bool
	)
	if !cfg.root {
		parent, hasParent = Current(ctx)
	}
	if cfg.parent != nil && cfg.parent.IsValid() {
		parent, hasParent = *cfg.parent, true
	}

	var tc TraceContext
	if hasParent {
		// 采样决定沿用上游，不再重新计算
		tc = TraceContext{
			TraceID:      parent.TraceID,
			SpanID:       NewSpanID(),
			ParentSpanID: parent.SpanID,
			Sampled:      parent.Sampled,
		}
	} else {
		tc.TraceID = NewTraceID()
		tc.SpanID = NewSpanID()
		tc.Sampled = r.sampler.Decide(tc.TraceID)
	}

	start := cfg.start
	if start.IsZero() {
		start = r.now()
	}
	span := &Span{
		recorder: r,
		tc:       tc,
		name:     name,
		kind:     kind,
		service:  r.service,
		start:    start,
		tags:     cfg.tags,
	}
	ctx, span.scope = enter(ctx, tc, span, false)
	return ctx, span
}

// Finish sets the end time, closes the scope and reports the span if its
// trace is sampled. A second call is a programming error: it is logged and
// otherwise ignored.
func (r *Recorder) Finish(span *Span) {
	if span == nil {
		return
	}
	if !span.finished.CompareAndSwap(false, true) {
		logrus.WithField("span", span.String()).Warn("SpanFlow ignored a span finished twice")
		return
	}
	span.end = r.now()
	if span.end.Before(span.start) {
		span.end = span.start
	}
	span.scope.Close()

	if !span.tc.Sampled || r.reporter == nil {
		return
	}
	rec := span.Record()
	if config.Debug && config.Log4RawSpan != nil {
		config.Log4RawSpan.WithField("span", rec).Debug("finished")
	}
	r.reporter.Report(rec)
}
