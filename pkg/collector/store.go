package collector

import (
	"context"
	"sort"
	"time"

	"github.com/stleox/spanflow/pkg/tracer"
)

const DefaultSearchLimit = 100

// Criteria selects traces with at least one span that matches all of the set
// fields. Start and End bound the span start time, both inclusive.
type Criteria struct {
	Service string
	Tags    map[string]string
	Start   time.Time
	End     time.Time
	Limit   int
}

// Store persists spans grouped by trace id.
type Store interface {
	// Put stores spans received at receivedAt and returns the ones that were
	// not stored before. Spans are keyed by (trace id, span id).
	Put(ctx context.Context, spans []tracer.SpanRecord, receivedAt time.Time) ([]tracer.SpanRecord, error)

	// Get returns every span of the trace and when its last fragment arrived.
	// An unknown trace yields no spans and no error.
	Get(ctx context.Context, traceID string) ([]tracer.SpanRecord, time.Time, error)

	// Search returns matching trace ids, most recently started first.
	Search(ctx context.Context, c Criteria) ([]string, error)

	// Prune drops traces whose last fragment arrived before the given time.
	Prune(ctx context.Context, before time.Time) (int, error)

	Close() error
}

func (c Criteria) matchSpan(s tracer.SpanRecord) bool {
	if c.Service != "" && s.Service != c.Service {
		return false
	}
	if !c.Start.IsZero() && s.StartTime.Before(c.Start) {
		return false
	}
	if !c.End.IsZero() && s.StartTime.After(c.End) {
		return false
	}
	for k, v := range c.Tags {
		if got, ok := s.Tags[k]; !ok || got != v {
			return false
		}
	}
	return true
}

func (c Criteria) limit() int {
	if c.Limit <= 0 {
		return DefaultSearchLimit
	}
	return c.Limit
}

type searchHit struct {
	traceID string
	latest  time.Time
}

// rankHits orders hits newest first and applies the limit.
func rankHits(hits []searchHit, limit int) []string {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].latest.Equal(hits[j].latest) {
			return hits[i].traceID < hits[j].traceID
		}
		return hits[i].latest.After(hits[j].latest)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.traceID)
	}
	return ids
}
