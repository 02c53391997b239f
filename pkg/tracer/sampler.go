package tracer

import (
	"context"
	"fmt"

	sdktr "go.opentelemetry.io/otel/sdk/trace"
	tr "go.opentelemetry.io/otel/trace"
)

const (
	SamplerAlways = "always"
	SamplerNever  = "never"
	SamplerRatio  = "ratio"
)

// Sampler decides once, at the origin of a trace, whether it is recorded.
// Downstream processes inherit the decision from the carrier instead.
type Sampler interface {
	Decide(traceID tr.TraceID) bool
}

// SamplerFunc adapts a plain function to Sampler.
type SamplerFunc func(traceID tr.TraceID) bool

func (f SamplerFunc) Decide(traceID tr.TraceID) bool {
	return f(traceID)
}

func AlwaysSample() Sampler {
	return SamplerFunc(func(tr.TraceID) bool { return true })
}

func NeverSample() Sampler {
	return SamplerFunc(func(tr.TraceID) bool { return false })
}

type ratioSampler struct {
	sdk sdktr.Sampler
}

// RatioSample keeps roughly ratio of all traces. The decision only depends on
// the trace id, so every process that evaluates it agrees.
func RatioSample(ratio float64) Sampler {
	return &ratioSampler{sdk: sdktr.TraceIDRatioBased(ratio)}
}

func (s *ratioSampler) Decide(traceID tr.TraceID) bool {
	res := s.sdk.ShouldSample(sdktr.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
	})
	return res.Decision == sdktr.RecordAndSample
}

// NewSampler builds a sampler from its config name.
func NewSampler(strategy string, ratio float64) (Sampler, error) {
	switch strategy {
	case SamplerAlways, "":
		return AlwaysSample(), nil
	case SamplerNever:
		return NeverSample(), nil
	case SamplerRatio:
		if ratio < 0.0 || ratio > 1.0 {
			return nil, fmt.Errorf("sample ratio must be between 0.0 and 1.0, got %f", ratio)
		}
		return RatioSample(ratio), nil
	default:
		return nil, fmt.Errorf("unknown sampler strategy: %s (valid: always, never, ratio)", strategy)
	}
}
