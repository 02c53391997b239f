package tracer

import (
	"testing"

	r "github.com/stretchr/testify/require"
)

func TestSampler_AlwaysNever(t *testing.T) {
	id := NewTraceID()
	r.True(t, AlwaysSample().Decide(id))
	r.False(t, NeverSample().Decide(id))
}

func TestSampler_Ratio(t *testing.T) {
	s := RatioSample(0.5)
	const n = 10000
	kept := 0
	for i := 0; i < n; i++ {
		if s.Decide(NewTraceID()) {
			kept++
		}
	}
	r.InDelta(t, 0.5, float64(kept)/n, 0.05)
}

func TestSampler_RatioIsDeterministic(t *testing.T) {
	s := RatioSample(0.3)
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		r.Equal(t, s.Decide(id), s.Decide(id))
	}
}

func TestSampler_RatioBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewTraceID()
		r.True(t, RatioSample(1).Decide(id))
		r.False(t, RatioSample(0).Decide(id))
	}
}

func TestNewSampler(t *testing.T) {
	s, err := NewSampler("", 0)
	r.NoError(t, err)
	r.True(t, s.Decide(NewTraceID()))

	s, err = NewSampler(SamplerNever, 0)
	r.NoError(t, err)
	r.False(t, s.Decide(NewTraceID()))

	_, err = NewSampler(SamplerRatio, 0.25)
	r.NoError(t, err)

	_, err = NewSampler(SamplerRatio, 1.5)
	r.Error(t, err)

	_, err = NewSampler("sometimes", 0.5)
	r.Error(t, err)
}
