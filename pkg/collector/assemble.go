package collector

import (
	"sort"
	"time"

	"github.com/stleox/spanflow/pkg/tracer"
)

type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// Trace is the assembled view of one trace id at query time.
type Trace struct {
	TraceID  string              `json:"trace_id"`
	Status   Status              `json:"status"`
	Spans    []tracer.SpanRecord `json:"spans"`
	Roots    int                 `json:"roots"`
	Orphans  int                 `json:"orphans"`
	LastSeen time.Time           `json:"last_seen"`
}

// assemble orders spans parent first: a depth first walk from every root,
// siblings by start time. Spans whose parent is not stored yet head their own
// subtrees after the rooted part. It is recomputed on every query, so late
// parents re-link their orphans.
//
// A trace is complete only if it has a root, no orphan, and nothing arrived
// within the quiescence window.
func assemble(traceID string, spans []tracer.SpanRecord, lastSeen, now time.Time, quiescence time.Duration) *Trace {
	byID := make(map[string]int, len(spans))
	for i, s := range spans {
		byID[s.SpanID] = i
	}

	var roots, orphans []int
	children := make(map[string][]int)
	for i, s := range spans {
		switch {
		case s.ParentSpanID == "":
			roots = append(roots, i)
		case !hasKey(byID, s.ParentSpanID):
			orphans = append(orphans, i)
		default:
			children[s.ParentSpanID] = append(children[s.ParentSpanID], i)
		}
	}

	byStart := func(idx []int) {
		sort.Slice(idx, func(a, b int) bool {
			sa, sb := spans[idx[a]], spans[idx[b]]
			if sa.StartTime.Equal(sb.StartTime) {
				return sa.SpanID < sb.SpanID
			}
			return sa.StartTime.Before(sb.StartTime)
		})
	}
	byStart(roots)
	byStart(orphans)
	for _, idx := range children {
		byStart(idx)
	}

	ordered := make([]tracer.SpanRecord, 0, len(spans))
	visited := make([]bool, len(spans))
	var walk func(i int)
	walk = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		ordered = append(ordered, spans[i])
		for _, c := range children[spans[i].SpanID] {
			walk(c)
		}
	}
	for _, i := range roots {
		walk(i)
	}
	for _, i := range orphans {
		walk(i)
	}

	// 成环的 parent 关系无法从任何根到达，按孤儿处理
	var cyclic []int
	for i := range spans {
		if !visited[i] {
			cyclic = append(cyclic, i)
		}
	}
	byStart(cyclic)
	for _, i := range cyclic {
		ordered = append(ordered, spans[i])
	}

	t := &Trace{
		TraceID:  traceID,
		Spans:    ordered,
		Roots:    len(roots),
		Orphans:  len(orphans) + len(cyclic),
		LastSeen: lastSeen,
		Status:   StatusPartial,
	}
	if t.Roots > 0 && t.Orphans == 0 && now.Sub(lastSeen) >= quiescence {
		t.Status = StatusComplete
	}
	return t
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}
