package tracer

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Kind tells which side of which transport a span stands for.
type Kind string

const (
	KindClient   Kind = "client"   // 同步调用的发起方
	KindServer   Kind = "server"   // 同步调用的处理方
	KindProducer Kind = "producer" // 异步消息的发送方
	KindConsumer Kind = "consumer" // 异步消息的消费方
)

func (k Kind) Valid() bool {
	switch k {
	case KindClient, KindServer, KindProducer, KindConsumer:
		return true
	}
	return false
}

const (
	TagError        = "error"
	TagErrorMessage = "error.message"
)

// SpanRecord is the immutable form of a finished span, as exported to and
// stored by the collector.
type SpanRecord struct {
	TraceID      string            `json:"trace_id"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Name         string            `json:"operation_name"`
	Kind         Kind              `json:"kind"`
	Service      string            `json:"service"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time"`
	Tags         map[string]string `json:"tags,omitempty"`
}

func (s SpanRecord) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// SpanBatch 是一次导出的单位
type SpanBatch struct {
	Service string       `json:"service"`
	Spans   []SpanRecord `json:"spans"`
}

// Span is one open unit of work. Only the goroutine that started it may
// mutate it; after Finish it is read-only.
type Span struct {
	recorder *Recorder
	scope    *Scope

	tc      TraceContext
	name    string
	kind    Kind
	service string
	start   time.Time
	end     time.Time
	tags    map[string]string

	finished atomic.Bool
}

func (s *Span) Context() TraceContext {
	return s.tc
}

func (s *Span) Name() string {
	return s.name
}

func (s *Span) Kind() Kind {
	return s.kind
}

func (s *Span) StartTime() time.Time {
	return s.start
}

func (s *Span) EndTime() time.Time {
	return s.end
}

func (s *Span) IsFinished() bool {
	return s.finished.Load()
}

// SetTag is ignored once the span is finished.
func (s *Span) SetTag(key, value string) {
	if s.finished.Load() {
		return
	}
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[key] = value
}

func (s *Span) Tag(key string) (string, bool) {
	v, ok := s.tags[key]
	return v, ok
}

// SetError tags err on the span. It never changes err.
func (s *Span) SetError(err error) {
	if err == nil {
		return
	}
	s.SetTag(TagError, "true")
	s.SetTag(TagErrorMessage, err.Error())
}

// Finish closes the span and hands it to the reporter of its recorder.
func (s *Span) Finish() {
	s.recorder.Finish(s)
}

// Record copies the span into its exported form.
func (s *Span) Record() SpanRecord {
	rec := SpanRecord{
		TraceID:   s.tc.TraceID.String(),
		SpanID:    s.tc.SpanID.String(),
		Name:      s.name,
		Kind:      s.kind,
		Service:   s.service,
		StartTime: s.start,
		EndTime:   s.end,
	}
	if s.tc.HasParent() {
		rec.ParentSpanID = s.tc.ParentSpanID.String()
	}
	if len(s.tags) > 0 {
		rec.Tags = make(map[string]string, len(s.tags))
		for k, v := range s.tags {
			rec.Tags[k] = v
		}
	}
	return rec
}

func (s *Span) String() string {
	return fmt.Sprintf("%s[%s] %s", s.name, s.kind, s.tc)
}
