package tracer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stleox/tracepipe/pkg/sampler"
	"github.com/stleox/tracepipe/pkg/span"
	r "github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

type mockCollector struct {
	mu    sync.Mutex
	spans []*span.Span
}

func (c *mockCollector) Collect(s *span.Span) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spans = append(c.spans, s)
	return true
}

func (c *mockCollector) collected() []*span.Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*span.Span(nil), c.spans...)
}

type panicSampler struct{}

func (panicSampler) ShouldSample(context.Context) bool { panic("sampler exploded") }
func (panicSampler) Rate() int                         { return 1 }
func (panicSampler) Close() error                      { return nil }

func mockIDs() func() uint64 {
	var n atomic.Uint64
	return func() uint64 { return n.Add(1) }
}

var mockLocal = &span.Endpoint{IPv4: "10.0.0.1", Port: 8080, ServiceName: "foo"}

func mockNewTracer(s sampler.Sampler, opts ...Option) (*Tracer, *mockCollector, *clockz.FakeClock) {
	c := &mockCollector{}
	clock := clockz.NewFakeClock()
	opts = append([]Option{WithClock(clock), WithIDGenerator(mockIDs())}, opts...)
	return New(s, c, mockLocal, opts...), c, clock
}

func annotationValues(s *span.Span) []string {
	values := make([]string, 0, len(s.Annotations))
	for _, a := range s.Annotations {
		values = append(values, a.Value)
	}
	return values
}

func TestTracer_RootSpanLifecycle(t *testing.T) {
	tracer, c, clock := mockNewTracer(sampler.NewFixedRate(1))
	start := clock.Now()

	ctx, h := tracer.StartNewSpan(context.Background(), "get /users")
	r.NotNil(t, h)
	r.Equal(t, uint64(1), h.TraceID())
	r.Equal(t, uint64(1), h.ID())
	r.Equal(t, 1, tracer.InFlight())

	tracer.SetClientSent(ctx)
	clock.Advance(2 * time.Millisecond)
	tracer.SubmitAnnotation(ctx, "cache.miss")
	tracer.SubmitBinaryAnnotation(ctx, "http.method", "GET")
	tracer.SubmitBinaryAnnotationInt(ctx, "http.status_code", 200)
	clock.Advance(3 * time.Millisecond)
	tracer.SetClientReceived(ctx)

	spans := c.collected()
	r.Len(t, spans, 1)
	s := spans[0]
	r.True(t, s.IsRoot())
	r.Equal(t, "get /users", s.Name)
	r.Equal(t, mockLocal, s.Local)
	r.Equal(t, []string{span.ClientSend, "cache.miss", span.ClientReceive}, annotationValues(s))
	r.Equal(t, span.Micros(start), s.Timestamp)
	r.Equal(t, int64(5000), s.Duration)
	r.Equal(t, []span.BinaryAnnotation{
		span.StringAnnotation("http.method", "GET"),
		span.Int32Annotation("http.status_code", 200),
	}, s.BinaryAnnotations)

	r.True(t, h.Finished())
	r.Equal(t, 0, tracer.InFlight())
}

func TestTracer_FinishedSpanIgnoresCalls(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(1))

	ctx, _ := tracer.StartNewSpan(context.Background(), "op")
	tracer.SetClientSent(ctx)
	tracer.SetClientReceived(ctx)
	tracer.SetClientReceived(ctx)
	tracer.SubmitAnnotation(ctx, "late")
	tracer.SubmitBinaryAnnotation(ctx, "late", "x")

	spans := c.collected()
	r.Len(t, spans, 1)
	r.Equal(t, []string{span.ClientSend, span.ClientReceive}, annotationValues(spans[0]))
	r.Empty(t, spans[0].BinaryAnnotations)
}

func TestTracer_ChildInheritsTrace(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(1))

	rootCtx, root := tracer.StartNewSpan(context.Background(), "root")
	childCtx, child := tracer.StartNewSpan(rootCtx, "child")
	r.NotNil(t, child)
	r.Equal(t, root.TraceID(), child.TraceID())
	r.NotEqual(t, root.ID(), child.ID())

	tracer.SetClientReceived(childCtx)
	tracer.SetClientReceived(rootCtx)

	spans := c.collected()
	r.Len(t, spans, 2)
	r.Equal(t, "child", spans[0].Name)
	r.Equal(t, root.ID(), spans[0].ParentID)
	r.Equal(t, "root", spans[1].Name)
}

func TestTracer_DecisionMadeOnceAtRoot(t *testing.T) {
	s := sampler.NewFixedRate(2)
	tracer, c, _ := mockNewTracer(s)

	// 第 1 次调用不采样，子 span 继承该决定且不再询问 sampler
	ctx, h := tracer.StartNewSpan(context.Background(), "root")
	r.Nil(t, h)
	for i := 0; i < 3; i++ {
		childCtx, child := tracer.StartNewSpan(ctx, "child")
		r.Nil(t, child)
		tracer.SetClientSent(childCtx)
		tracer.SetClientReceived(childCtx)
	}
	tracer.SetClientReceived(ctx)
	r.Empty(t, c.collected())

	// 第 2 次调用采样
	ctx, h = tracer.StartNewSpan(context.Background(), "root")
	r.NotNil(t, h)
	tracer.SetClientReceived(ctx)
	r.Len(t, c.collected(), 1)
}

func TestTracer_TracingOff(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(0))
	for i := 0; i < 10; i++ {
		ctx, h := tracer.StartNewSpan(context.Background(), "op")
		r.Nil(t, h)
		tracer.SetClientReceived(ctx)
	}
	r.Empty(t, c.collected())
	r.Equal(t, 0, tracer.InFlight())
}

func TestTracer_NilSafe(t *testing.T) {
	var tracer *Tracer
	r.NotPanics(t, func() {
		ctx, h := tracer.StartNewSpan(context.Background(), "op")
		r.NotNil(t, ctx)
		r.Nil(t, h)
		tracer.SetClientSent(ctx)
		tracer.SubmitAnnotation(ctx, "a")
		tracer.SubmitAnnotationDuration(ctx, "a", time.Now(), time.Now())
		tracer.SubmitBinaryAnnotation(ctx, "k", "v")
		tracer.SubmitBinaryAnnotationInt(ctx, "k", 1)
		tracer.SetClientReceived(ctx)
		_, ok := tracer.Resume(ctx, 1)
		r.False(t, ok)
		r.Zero(t, tracer.InFlight())
		r.Zero(t, tracer.Abandoned())
	})

	var h *SpanHandle
	r.Zero(t, h.ID())
	r.Zero(t, h.TraceID())
	r.True(t, h.Finished())
}

func TestTracer_RecoversPanic(t *testing.T) {
	tracer, c, _ := mockNewTracer(panicSampler{})
	r.NotPanics(t, func() {
		ctx, h := tracer.StartNewSpan(context.Background(), "op")
		r.Nil(t, h)
		tracer.SetClientReceived(ctx)
	})
	r.Empty(t, c.collected())
}

func TestTracer_SubmitAnnotationDuration(t *testing.T) {
	tracer, c, clock := mockNewTracer(sampler.NewFixedRate(1))
	start := clock.Now()

	ctx, _ := tracer.StartNewSpan(context.Background(), "op")
	tracer.SetClientSent(ctx)
	tracer.SubmitAnnotationDuration(ctx, "db", start.Add(time.Millisecond), start.Add(4*time.Millisecond))
	clock.Advance(2 * time.Millisecond)
	tracer.SetClientReceived(ctx)

	s := c.collected()[0]
	r.Equal(t, "db=3ms", s.Annotations[1].Value)
	r.Equal(t, int64(3000), s.Annotations[1].Duration)
	// 结束时间取最晚的 annotation
	r.Equal(t, int64(4000), s.Duration)
}

func TestTracer_Resume(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(1))

	ctx, h := tracer.StartNewSpan(context.Background(), "async")
	tracer.SetClientSent(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resumed, ok := tracer.Resume(context.Background(), h.ID())
		if ok {
			tracer.SetClientReceived(resumed)
		}
	}()
	<-done

	r.Len(t, c.collected(), 1)
	_, ok := tracer.Resume(context.Background(), h.ID())
	r.False(t, ok)
	_, ok = tracer.Resume(context.Background(), 999)
	r.False(t, ok)
}

func TestTracer_EvictionAbandonsSpan(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(1), WithMaxInFlightSpans(2))

	ctx1, h1 := tracer.StartNewSpan(context.Background(), "first")
	ctx2, _ := tracer.StartNewSpan(context.Background(), "second")
	ctx3, _ := tracer.StartNewSpan(context.Background(), "third")

	r.Equal(t, 2, tracer.InFlight())
	r.Equal(t, int64(1), tracer.Abandoned())
	r.True(t, h1.Finished())

	_, ok := tracer.Resume(context.Background(), h1.ID())
	r.False(t, ok)

	tracer.SetClientReceived(ctx1)
	tracer.SetClientReceived(ctx2)
	tracer.SetClientReceived(ctx3)
	spans := c.collected()
	r.Len(t, spans, 2)
	r.Equal(t, "second", spans[0].Name)
	r.Equal(t, "third", spans[1].Name)
	// 正常结束的 span 不计入 abandoned
	r.Equal(t, int64(1), tracer.Abandoned())
}

func TestTracer_ConcurrentRoots(t *testing.T) {
	tracer, c, _ := mockNewTracer(sampler.NewFixedRate(1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ctx, _ := tracer.StartNewSpan(context.Background(), "op")
				tracer.SetClientSent(ctx)
				tracer.SetClientReceived(ctx)
			}
		}()
	}
	wg.Wait()

	r.Len(t, c.collected(), 400)
	r.Equal(t, 0, tracer.InFlight())
	r.Zero(t, tracer.Abandoned())
}
