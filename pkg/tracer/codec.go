package tracer

import (
	"context"

	"github.com/stleox/spanflow/pkg/config"
	"go.opentelemetry.io/otel/propagation"
)

// Carrier is any string-keyed metadata map travelling with a call or message:
// propagation.HeaderCarrier for HTTP, propagation.MapCarrier for bus messages.
type Carrier = propagation.TextMapCarrier

var carrierKeys = []string{
	config.KeyTraceID,
	config.KeySpanID,
	config.KeyParentSpanID,
	config.KeySampled,
}

// Inject writes tc under the fixed carrier keys. Other keys are left alone.
func Inject(tc TraceContext, carrier Carrier) {
	if carrier == nil || !tc.IsValid() {
		return
	}
	carrier.Set(config.KeyTraceID, tc.TraceID.String())
	carrier.Set(config.KeySpanID, tc.SpanID.String())
	if tc.HasParent() {
		carrier.Set(config.KeyParentSpanID, tc.ParentSpanID.String())
	} else if carrier.Get(config.KeyParentSpanID) != "" {
		// 复用的载体可能残留上一次注入的父 ID
		carrier.Set(config.KeyParentSpanID, "")
	}
	if tc.Sampled {
		carrier.Set(config.KeySampled, "1")
	} else {
		carrier.Set(config.KeySampled, "0")
	}
}

// Extract reads a TraceContext back from carrier.
// 缺少字段或字段格式错误时返回 false，由调用方开启新的 trace，不视为错误。
func Extract(carrier Carrier) (TraceContext, bool) {
	if carrier == nil {
		return TraceContext{}, false
	}
	rawTraceID := carrier.Get(config.KeyTraceID)
	rawSpanID := carrier.Get(config.KeySpanID)
	rawSampled := carrier.Get(config.KeySampled)
	if rawTraceID == "" || rawSpanID == "" || rawSampled == "" {
		return TraceContext{}, false
	}

	var tc TraceContext
	var err error
	if tc.TraceID, err = ParseTraceID(rawTraceID); err != nil {
		return TraceContext{}, false
	}
	if tc.SpanID, err = ParseSpanID(rawSpanID); err != nil {
		return TraceContext{}, false
	}
	if rawParent := carrier.Get(config.KeyParentSpanID); rawParent != "" {
		if tc.ParentSpanID, err = ParseSpanID(rawParent); err != nil {
			return TraceContext{}, false
		}
		if tc.ParentSpanID == tc.SpanID {
			return TraceContext{}, false
		}
	}
	switch rawSampled {
	case "1":
		tc.Sampled = true
	case "0":
		tc.Sampled = false
	default:
		return TraceContext{}, false
	}
	return tc, true
}

// Propagator adapts the codec to OpenTelemetry's TextMapPropagator so it can
// be composed with other propagators.
type Propagator struct{}

var _ propagation.TextMapPropagator = Propagator{}

// Inject writes the context active in ctx, if any.
func (Propagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	if tc, ok := Current(ctx); ok {
		Inject(tc, carrier)
	}
}

// Extract returns ctx with the carrier's context stored as the remote parent.
func (Propagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	tc, ok := Extract(carrier)
	if !ok {
		return ctx
	}
	return ContextWithRemoteParent(ctx, tc)
}

func (Propagator) Fields() []string {
	return carrierKeys
}
