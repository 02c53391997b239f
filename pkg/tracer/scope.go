package tracer

import (
	"context"
	"sync/atomic"
)

type scopeKey struct{}

// Scope binds a TraceContext to one unit of work. It lives inside the
// context.Context handed down the call chain, so concurrent requests never
// share it.
type Scope struct {
	outer  context.Context
	tc     TraceContext
	span   *Span
	remote bool
	closed atomic.Bool
}

// Enter makes tc the active context of the returned ctx. When another scope of
// the same trace is active and tc carries no parent, the active span becomes
// its parent.
func Enter(ctx context.Context, tc TraceContext) (context.Context, *Scope) {
	return enter(ctx, tc, nil, false)
}

// ContextWithRemoteParent marks tc, usually extracted from a carrier, as the
// active context so that the next span started from ctx becomes its child.
func ContextWithRemoteParent(ctx context.Context, tc TraceContext) context.Context {
	ctx, _ = enter(ctx, tc, nil, true)
	return ctx
}

func enter(ctx context.Context, tc TraceContext, span *Span, remote bool) (context.Context, *Scope) {
	if ctx == nil {
		ctx = context.Background()
	}
	if active, ok := Current(ctx); ok && !remote && !tc.HasParent() &&
		active.TraceID == tc.TraceID && active.SpanID != tc.SpanID {
		tc.ParentSpanID = active.SpanID
	}
	s := &Scope{
		outer:  ctx,
		tc:     tc,
		span:   span,
		remote: remote,
	}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// Current returns the active context of ctx. Closed scopes are skipped, so a
// context that outlives its scope sees the enclosing one again.
func Current(ctx context.Context) (TraceContext, bool) {
	s := activeScope(ctx)
	if s == nil {
		return TraceContext{}, false
	}
	return s.tc, true
}

// SpanFromContext returns the open local span bound to ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s := activeScope(ctx)
	if s == nil || s.remote {
		return nil
	}
	return s.span
}

func activeScope(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	for s != nil && s.closed.Load() {
		s, _ = s.outer.Value(scopeKey{}).(*Scope)
	}
	return s
}

func (s *Scope) Context() TraceContext {
	return s.tc
}

// Outer returns the context that was active when the scope was entered.
func (s *Scope) Outer() (TraceContext, bool) {
	return Current(s.outer)
}

func (s *Scope) IsRemote() bool {
	return s.remote
}

// Close deactivates the scope and returns the context to continue with.
// Closing twice is harmless.
func (s *Scope) Close() context.Context {
	s.closed.Store(true)
	return s.outer
}
