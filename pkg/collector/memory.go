package collector

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/stleox/spanflow/pkg/tracer"
)

type memTrace struct {
	spans    map[string]tracer.SpanRecord
	lastSeen time.Time
}

// MemoryStore keeps at most maxTraces traces; the least recently touched one
// is evicted first.
type MemoryStore struct {
	mu      sync.RWMutex
	traces  *lru.Cache[string, *memTrace]
	pruning bool
}

func NewMemoryStore(maxTraces int) (*MemoryStore, error) {
	m := &MemoryStore{}
	traces, err := lru.NewWithEvict[string, *memTrace](maxTraces, func(traceID string, t *memTrace) {
		// Remove 也会触发回调，prune 不算淘汰
		if m.pruning {
			return
		}
		metricEvicted.Inc()
		logrus.WithFields(logrus.Fields{
			"trace": traceID,
			"spans": len(t.spans),
		}).Debug("SpanFlow evicted a trace from memory")
	})
	if err != nil {
		return nil, err
	}
	m.traces = traces
	return m, nil
}

func (m *MemoryStore) Put(_ context.Context, spans []tracer.SpanRecord, receivedAt time.Time) ([]tracer.SpanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]tracer.SpanRecord, 0, len(spans))
	for _, s := range spans {
		t, ok := m.traces.Get(s.TraceID)
		if !ok {
			t = &memTrace{spans: make(map[string]tracer.SpanRecord)}
			m.traces.Add(s.TraceID, t)
		}
		if receivedAt.After(t.lastSeen) {
			t.lastSeen = receivedAt
		}
		if _, dup := t.spans[s.SpanID]; dup {
			continue
		}
		s.Tags = copyTags(s.Tags)
		t.spans[s.SpanID] = s
		stored = append(stored, s)
	}
	return stored, nil
}

func (m *MemoryStore) Get(_ context.Context, traceID string) ([]tracer.SpanRecord, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.traces.Get(traceID)
	if !ok {
		return nil, time.Time{}, nil
	}
	spans := make([]tracer.SpanRecord, 0, len(t.spans))
	for _, s := range t.spans {
		s.Tags = copyTags(s.Tags)
		spans = append(spans, s)
	}
	return spans, t.lastSeen, nil
}

func (m *MemoryStore) Search(_ context.Context, c Criteria) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []searchHit
	for _, traceID := range m.traces.Keys() {
		t, ok := m.traces.Peek(traceID)
		if !ok {
			continue
		}
		var (
			latest  time.Time
			matched bool
		)
		for _, s := range t.spans {
			if !c.matchSpan(s) {
				continue
			}
			matched = true
			if s.StartTime.After(latest) {
				latest = s.StartTime
			}
		}
		if matched {
			hits = append(hits, searchHit{traceID: traceID, latest: latest})
		}
	}
	return rankHits(hits, c.limit()), nil
}

func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruning = true
	defer func() { m.pruning = false }()

	n := 0
	for _, traceID := range m.traces.Keys() {
		if t, ok := m.traces.Peek(traceID); ok && t.lastSeen.Before(before) {
			m.traces.Remove(traceID)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len() int {
	return m.traces.Len()
}

func (m *MemoryStore) Close() error {
	return nil
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
