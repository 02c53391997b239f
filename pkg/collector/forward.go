package collector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/config"
	"github.com/stleox/spanflow/pkg/tracer"
	attr "go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
)

const (
	ForwardNone   = "none"
	ForwardStdout = "stdout"
	ForwardOTLP   = "otlp"
)

// Forwarder re-emits stored spans through an OpenTelemetry SDK pipeline with
// their original ids, so any OTel backend can show them.
type Forwarder struct {
	provider *sdktr.TracerProvider
	tracer   tr.Tracer
}

// NewForwarder builds the exporter named by kind. "none" yields a nil
// Forwarder, which forwards nothing.
func NewForwarder(ctx context.Context, kind string) (*Forwarder, error) {
	var (
		exporter sdktr.SpanExporter
		err      error
	)
	switch kind {
	case ForwardNone, "":
		return nil, nil
	case ForwardStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
	case ForwardOTLP:
		// endpoint 等参数读取 OTEL_EXPORTER_OTLP_* 环境变量
		exporter, err = otlptracegrpc.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating gRPC exporter: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown forward exporter: %s", kind)
	}
	return newForwarder(sdktr.WithBatcher(exporter)), nil
}

// NewForwarderWithSyncer exports each span synchronously. For tests.
func NewForwarderWithSyncer(exporter sdktr.SpanExporter) *Forwarder {
	return newForwarder(sdktr.WithSyncer(exporter))
}

func newForwarder(exportOpt sdktr.TracerProviderOption) *Forwarder {
	provider := sdktr.NewTracerProvider(
		exportOpt,
		sdktr.WithSampler(sdktr.AlwaysSample()),
		sdktr.WithIDGenerator(recordIDGenerator{}),
		sdktr.WithResource(resource.NewSchemaless(attr.String("collector", "spanflow"))))
	return &Forwarder{
		provider: provider,
		tracer:   provider.Tracer("github.com/stleox/spanflow/pkg/collector"),
	}
}

func (f *Forwarder) Forward(ctx context.Context, spans []tracer.SpanRecord) {
	if f == nil {
		return
	}
	for _, s := range spans {
		if err := f.emit(ctx, s); err != nil {
			logrus.WithError(err).WithField("span", s.SpanID).Warn("SpanFlow couldn't forward a span")
		}
	}
}

func (f *Forwarder) emit(ctx context.Context, s tracer.SpanRecord) error {
	traceID, err := tr.TraceIDFromHex(s.TraceID)
	if err != nil {
		return err
	}
	spanID, err := tr.SpanIDFromHex(s.SpanID)
	if err != nil {
		return err
	}
	ctx = context.WithValue(ctx, recordIDsKey{}, recordIDs{traceID: traceID, spanID: spanID})

	startOpts := []tr.SpanStartOption{
		tr.WithTimestamp(s.StartTime),
		tr.WithSpanKind(spanKind(s.Kind)),
		tr.WithAttributes(attr.String("service.name", s.Service)),
	}
	for k, v := range s.Tags {
		startOpts = append(startOpts, tr.WithAttributes(attr.String(k, v)))
	}

	if s.ParentSpanID == "" {
		startOpts = append(startOpts, tr.WithNewRoot())
	} else {
		parentID, err := tr.SpanIDFromHex(s.ParentSpanID)
		if err != nil {
			return err
		}
		parentSpanCtx := tr.NewSpanContext(tr.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     parentID,
			TraceFlags: tr.FlagsSampled,
			Remote:     true,
		})
		ctx = tr.ContextWithRemoteSpanContext(ctx, parentSpanCtx)
	}

	_, span := f.tracer.Start(ctx, s.Name, startOpts...)
	if s.Tags[tracer.TagError] == "true" {
		span.SetStatus(codes.Error, s.Tags[tracer.TagErrorMessage])
	}
	span.End(tr.WithTimestamp(s.EndTime))

	if config.Debug {
		if ro, ok := span.(sdktr.ReadOnlySpan); ok {
			logrus.Debugf("forwarded span name: %s, span id: %s, parent span id: %s",
				ro.Name(), ro.SpanContext().SpanID(), ro.Parent().SpanID())
		}
	}
	return nil
}

func (f *Forwarder) Shutdown(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f.provider.Shutdown(ctx)
}

func spanKind(k tracer.Kind) tr.SpanKind {
	switch k {
	case tracer.KindClient:
		return tr.SpanKindClient
	case tracer.KindServer:
		return tr.SpanKindServer
	case tracer.KindProducer:
		return tr.SpanKindProducer
	case tracer.KindConsumer:
		return tr.SpanKindConsumer
	default:
		return tr.SpanKindInternal
	}
}

type recordIDsKey struct{}

type recordIDs struct {
	traceID tr.TraceID
	spanID  tr.SpanID
}

// recordIDGenerator hands the SDK the ids of the record being forwarded
// instead of fresh random ones.
type recordIDGenerator struct{}

func (recordIDGenerator) NewIDs(ctx context.Context) (tr.TraceID, tr.SpanID) {
	if ids, ok := ctx.Value(recordIDsKey{}).(recordIDs); ok {
		return ids.traceID, ids.spanID
	}
	return tracer.NewTraceID(), tracer.NewSpanID()
}

func (recordIDGenerator) NewSpanID(ctx context.Context, _ tr.TraceID) tr.SpanID {
	if ids, ok := ctx.Value(recordIDsKey{}).(recordIDs); ok {
		return ids.spanID
	}
	return tracer.NewSpanID()
}
