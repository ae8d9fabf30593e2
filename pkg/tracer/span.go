package tracer

import (
	"context"
	"sync"
	"time"

	"github.com/stleox/tracepipe/pkg/span"
)

type decision int8

const (
	// 没有 binding，需要在 root 处询问 sampler
	decisionNone decision = iota
	decisionSampled
	decisionNotSampled
)

type bindingKey struct{}

// binding 是挂在 context 上的当前 span
type binding struct {
	handle   *SpanHandle
	decision decision
}

func bindingFrom(ctx context.Context) binding {
	if ctx == nil {
		return binding{}
	}
	b, _ := ctx.Value(bindingKey{}).(binding)
	return b
}

func withBinding(ctx context.Context, b binding) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, bindingKey{}, b)
}

// handleFrom returns the unfinished span bound to ctx, or nil.
func handleFrom(ctx context.Context) *SpanHandle {
	return bindingFrom(ctx).handle
}

// SpanHandle is the producer side of one in-flight span. Its methods may be
// called from several goroutines; once the span is finished every call is
// ignored.
type SpanHandle struct {
	mu       sync.Mutex
	span     *span.Span
	finished bool
}

func newSpanHandle(s *span.Span) *SpanHandle {
	return &SpanHandle{span: s}
}

// ID returns the span id, or 0 for a nil handle.
func (h *SpanHandle) ID() uint64 {
	if h == nil {
		return 0
	}
	return h.span.ID
}

func (h *SpanHandle) TraceID() uint64 {
	if h == nil {
		return 0
	}
	return h.span.TraceID
}

func (h *SpanHandle) Finished() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// update runs fn on the span unless it is finished.
func (h *SpanHandle) update(fn func(s *span.Span)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	fn(h.span)
	return true
}

func (h *SpanHandle) annotate(value string, ts time.Time) bool {
	return h.update(func(s *span.Span) { s.Annotate(value, ts) })
}

// finish 之后 span 交给 pipeline，handle 不再持有写权限
func (h *SpanHandle) finish(value string, ts time.Time) (*span.Span, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return nil, false
	}
	h.span.Annotate(value, ts)
	h.span.Finish()
	h.finished = true
	return h.span, true
}

// abandon marks an unfinished span as dropped.
func (h *SpanHandle) abandon() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return false
	}
	h.finished = true
	return true
}
