package tracer

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/config"
	"github.com/stleox/tracepipe/pkg/sampler"
	"github.com/stleox/tracepipe/pkg/span"
	"github.com/zoobzio/clockz"
)

// Collector accepts finished spans. *pipeline.Pipeline satisfies it.
type Collector interface {
	Collect(s *span.Span) bool
}

type Option func(t *Tracer)

func WithClock(clock clockz.Clock) Option {
	return func(t *Tracer) { t.clock = clock }
}

// WithIDGenerator replaces the random id source. Zero ids are skipped.
func WithIDGenerator(next func() uint64) Option {
	return func(t *Tracer) { t.nextID = next }
}

func WithMaxInFlightSpans(n int) Option {
	return func(t *Tracer) { t.maxInFlight = n }
}

// Tracer is the call-site facade. The active span travels in the context
// returned by StartNewSpan; hand that context (or one derived from it) to
// other goroutines, or carry the span id across and call Resume.
//
// Every method is safe on a nil *Tracer and never panics or returns an
// error to the caller.
type Tracer struct {
	sampler   sampler.Sampler
	collector Collector
	local     *span.Endpoint
	clock     clockz.Clock
	nextID    func() uint64

	maxInFlight int
	// spanID -> 未结束的 span，供 Resume 使用
	inFlight  *lru.Cache[uint64, *SpanHandle]
	abandoned atomic.Int64
}

func New(s sampler.Sampler, c Collector, local *span.Endpoint, opts ...Option) *Tracer {
	t := &Tracer{
		sampler:     s,
		collector:   c,
		local:       local,
		clock:       clockz.RealClock,
		nextID:      rand.Uint64,
		maxInFlight: config.DefaultMaxInFlightSpans,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxInFlight <= 0 {
		t.maxInFlight = config.DefaultMaxInFlightSpans
	}
	// 被挤出的未结束 span 视为丢弃
	t.inFlight, _ = lru.NewWithEvict[uint64, *SpanHandle](t.maxInFlight, func(id uint64, h *SpanHandle) {
		if h.abandon() {
			t.abandoned.Add(1)
			logrus.WithField("span", h.span.String()).Debug("TracePipe abandoned unfinished span")
		}
	})
	return t
}

// StartNewSpan starts a span as a child of the span bound to ctx, or as a
// new trace root. The sample decision is made once at the root and inherited
// by every child. A nil handle means the span is not recorded.
func (t *Tracer) StartNewSpan(ctx context.Context, name string) (retCtx context.Context, h *SpanHandle) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t == nil {
		return ctx, nil
	}
	defer t.guard("StartNewSpan", func() { retCtx, h = ctx, nil })

	parent := bindingFrom(ctx)
	switch {
	case parent.decision == decisionNotSampled:
		return ctx, nil
	case parent.handle != nil:
		s := t.newSpan(parent.handle.TraceID(), parent.handle.ID(), name)
		return t.bind(ctx, s)
	}

	if !t.sampler.ShouldSample(ctx) {
		return withBinding(ctx, binding{decision: decisionNotSampled}), nil
	}
	// root span 的 id 与 trace id 相同
	traceID := t.id()
	s := span.New(traceID, traceID, 0, name)
	s.Local = t.local
	return t.bind(ctx, s)
}

func (t *Tracer) newSpan(traceID, parentID uint64, name string) *span.Span {
	s := span.New(traceID, t.id(), parentID, name)
	s.Local = t.local
	return s
}

func (t *Tracer) bind(ctx context.Context, s *span.Span) (context.Context, *SpanHandle) {
	h := newSpanHandle(s)
	t.inFlight.Add(s.ID, h)
	return withBinding(ctx, binding{handle: h, decision: decisionSampled}), h
}

func (t *Tracer) id() uint64 {
	for {
		if id := t.nextID(); id != 0 {
			return id
		}
	}
}

// Resume binds the in-flight span spanID to ctx. It reports false when the
// span is unknown, already finished or was evicted.
func (t *Tracer) Resume(ctx context.Context, spanID uint64) (retCtx context.Context, ok bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t == nil {
		return ctx, false
	}
	defer t.guard("Resume", func() { retCtx, ok = ctx, false })

	h, hit := t.inFlight.Get(spanID)
	if !hit || h.Finished() {
		return ctx, false
	}
	return withBinding(ctx, binding{handle: h, decision: decisionSampled}), true
}

func (t *Tracer) SetClientSent(ctx context.Context) {
	t.annotate(ctx, "SetClientSent", span.ClientSend)
}

// SetClientReceived records "cr", finalizes the span and hands it to the
// collector. Later calls on the same span are ignored.
func (t *Tracer) SetClientReceived(ctx context.Context) {
	if t == nil {
		return
	}
	defer t.guard("SetClientReceived", nil)

	h := handleFrom(ctx)
	if h == nil {
		return
	}
	s, ok := h.finish(span.ClientReceive, t.clock.Now())
	if !ok {
		return
	}
	t.inFlight.Remove(s.ID)
	t.collector.Collect(s)
}

func (t *Tracer) SubmitAnnotation(ctx context.Context, name string) {
	t.annotate(ctx, "SubmitAnnotation", name)
}

// SubmitAnnotationDuration records an event that lasted from start to end.
func (t *Tracer) SubmitAnnotationDuration(ctx context.Context, name string, start, end time.Time) {
	if t == nil {
		return
	}
	defer t.guard("SubmitAnnotationDuration", nil)

	if h := handleFrom(ctx); h != nil {
		h.update(func(s *span.Span) { s.AnnotateDuration(name, start, end) })
	}
}

func (t *Tracer) SubmitBinaryAnnotation(ctx context.Context, key, value string) {
	t.addBinary(ctx, "SubmitBinaryAnnotation", span.StringAnnotation(key, value))
}

func (t *Tracer) SubmitBinaryAnnotationInt(ctx context.Context, key string, value int32) {
	t.addBinary(ctx, "SubmitBinaryAnnotationInt", span.Int32Annotation(key, value))
}

func (t *Tracer) annotate(ctx context.Context, op, value string) {
	if t == nil {
		return
	}
	defer t.guard(op, nil)

	if h := handleFrom(ctx); h != nil {
		h.annotate(value, t.clock.Now())
	}
}

func (t *Tracer) addBinary(ctx context.Context, op string, ba span.BinaryAnnotation) {
	if t == nil {
		return
	}
	defer t.guard(op, nil)

	if h := handleFrom(ctx); h != nil {
		h.update(func(s *span.Span) { s.AddBinaryAnnotation(ba) })
	}
}

// InFlight reports the number of started spans not yet finished or evicted.
func (t *Tracer) InFlight() int {
	if t == nil {
		return 0
	}
	return t.inFlight.Len()
}

// Abandoned reports how many unfinished spans were evicted from the
// in-flight registry.
func (t *Tracer) Abandoned() int64 {
	if t == nil {
		return 0
	}
	return t.abandoned.Load()
}

// guard 吞掉 tracing 自身的 panic，不影响业务
func (t *Tracer) guard(op string, onPanic func()) {
	if rec := recover(); rec != nil {
		logrus.WithField("op", op).WithField("panic", rec).Error("TracePipe recovered from panic")
		if onPanic != nil {
			onPanic()
		}
	}
}
