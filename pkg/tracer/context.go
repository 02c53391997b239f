package tracer

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	tr "go.opentelemetry.io/otel/trace"
)

// TraceContext is the causally linked identifier set that crosses process
// boundaries. A zero ParentSpanID means the span is a root.
type TraceContext struct {
	TraceID      tr.TraceID
	SpanID       tr.SpanID
	ParentSpanID tr.SpanID
	Sampled      bool
}

func (tc TraceContext) IsValid() bool {
	return tc.TraceID.IsValid() && tc.SpanID.IsValid()
}

func (tc TraceContext) HasParent() bool {
	return tc.ParentSpanID.IsValid()
}

func (tc TraceContext) String() string {
	return fmt.Sprintf("%s/%s<-%s sampled=%t", tc.TraceID, tc.SpanID, tc.ParentSpanID, tc.Sampled)
}

// NewTraceID 基于 UUIDv4 生成 128 bits 的 TraceID
func NewTraceID() tr.TraceID {
	return tr.TraceID(uuid.New())
}

// NewSpanID 生成非零的 64 bits SpanID
func NewSpanID() tr.SpanID {
	var id tr.SpanID
	for !id.IsValid() {
		binary.BigEndian.PutUint64(id[:], rand.Uint64())
	}
	return id
}

// ParseTraceID accepts the 32 hex digit form in either case.
// demo input: "4BF92F3577B34DA6A3CE929D0E0E4736"
// demo output: 4bf92f3577b34da6a3ce929d0e0e4736, error if malformed or zero.
func ParseTraceID(s string) (tr.TraceID, error) {
	return tr.TraceIDFromHex(strings.ToLower(strings.TrimSpace(s)))
}

// ParseSpanID accepts the 16 hex digit form in either case.
func ParseSpanID(s string) (tr.SpanID, error) {
	return tr.SpanIDFromHex(strings.ToLower(strings.TrimSpace(s)))
}
