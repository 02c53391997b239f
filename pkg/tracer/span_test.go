package tracer

import (
	"context"
	"errors"
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func TestSpan_Tags(t *testing.T) {
	rec := NewRecorder("foo")
	_, span := rec.Start(context.Background(), "GET /", KindServer, WithTag("http.method", "GET"))

	v, ok := span.Tag("http.method")
	r.True(t, ok)
	r.Equal(t, "GET", v)

	span.SetError(nil)
	_, ok = span.Tag(TagError)
	r.False(t, ok)

	span.SetError(errors.New("boom"))
	v, _ = span.Tag(TagErrorMessage)
	r.Equal(t, "boom", v)

	span.Finish()
	span.SetTag("late", "1")
	_, ok = span.Tag("late")
	r.False(t, ok)
}

func TestSpan_Record(t *testing.T) {
	start := time.Unix(100, 0)
	rec := NewRecorder("foo", WithClock(func() time.Time { return start.Add(time.Second) }))

	parent := mockTraceContext(t, false, true)
	_, span := rec.Start(context.Background(), "call", KindClient,
		WithRemoteParent(parent), WithStartTime(start), WithTag("k", "v"))
	span.Finish()

	sr := span.Record()
	r.Equal(t, hexTrace, sr.TraceID)
	r.Equal(t, hexSpan, sr.ParentSpanID)
	r.Equal(t, "call", sr.Name)
	r.Equal(t, KindClient, sr.Kind)
	r.Equal(t, "foo", sr.Service)
	r.Equal(t, time.Second, sr.Duration())

	sr.Tags["k"] = "changed"
	v, _ := span.Tag("k")
	r.Equal(t, "v", v)
}

func TestSpan_RootRecordHasNoParent(t *testing.T) {
	_, span := NewRecorder("foo").Start(context.Background(), "root", KindServer)
	span.Finish()
	r.Empty(t, span.Record().ParentSpanID)
	r.Nil(t, span.Record().Tags)
}

func TestKind_Valid(t *testing.T) {
	for _, k := range []Kind{KindClient, KindServer, KindProducer, KindConsumer} {
		r.True(t, k.Valid())
	}
	r.False(t, Kind("internal").Valid())
}
