package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stleox/tracepipe/pkg/span"
	r "github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// mockClient 记录收到的 span，可按 span id 注入失败
type mockClient struct {
	mu      sync.Mutex
	sent    []*span.Span
	failIDs map[uint64]error
	panicID uint64
	block   chan struct{}
	closed  atomic.Bool
}

func newMockClient() *mockClient {
	return &mockClient{failIDs: make(map[uint64]error)}
}

func (c *mockClient) Send(ctx context.Context, s *span.Span) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.ID == c.panicID {
		panic("boom")
	}
	if err, hit := c.failIDs[s.ID]; hit {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *mockClient) Close() error {
	c.closed.Store(true)
	return nil
}

func mockPipeline(t *testing.T, client Client, opts ...Option) *Pipeline {
	p, err := New(client, opts...)
	r.NoError(t, err)
	return p
}

func (c *mockClient) sentIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.sent))
	for _, s := range c.sent {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestWorker_StopReportsProcessed(t *testing.T) {
	q := NewQueue(10)
	client := newMockClient()
	w := NewWorker(q, client, 0)

	result := make(chan int64)
	go func() { result <- w.Run() }()

	for i := uint64(1); i <= 5; i++ {
		r.True(t, q.Offer(mockSpan(i)))
	}
	r.Eventually(t, func() bool { return w.Processed() == 5 }, time.Second, time.Millisecond)

	w.Stop()
	w.Stop()
	processed := <-result
	r.Equal(t, int64(5), processed)
	r.Equal(t, []uint64{1, 2, 3, 4, 5}, client.sentIDs())

	// worker 退出后不再消费
	r.True(t, q.Offer(mockSpan(6)))
	time.Sleep(10 * time.Millisecond)
	r.Equal(t, 1, q.Len())
	r.Equal(t, 5, len(client.sentIDs()))
}

func TestWorker_FailuresDoNotStopLoop(t *testing.T) {
	q := NewQueue(10)
	client := newMockClient()
	client.failIDs[2] = errors.New("collector unreachable")
	client.failIDs[3] = status.Error(codes.Unavailable, "connection refused")
	client.panicID = 4
	w := NewWorker(q, client, time.Second)

	result := make(chan int64)
	go func() { result <- w.Run() }()

	for i := uint64(1); i <= 5; i++ {
		r.True(t, q.Offer(mockSpan(i)))
	}
	r.Eventually(t, func() bool { return w.Processed()+w.Failed() == 5 }, time.Second, time.Millisecond)
	w.Stop()

	r.Equal(t, int64(2), <-result)
	r.Equal(t, int64(3), w.Failed())
	r.Equal(t, []uint64{1, 5}, client.sentIDs())
}

func TestPipeline_EndToEnd(t *testing.T) {
	client := newMockClient()
	p := mockPipeline(t, client, WithCapacity(2))

	// worker 未启动，第三个 span 被丢弃
	r.True(t, p.Collect(mockSpan(1)))
	r.True(t, p.Collect(mockSpan(2)))
	r.False(t, p.Collect(mockSpan(3)))

	p.Start()
	p.Start()
	r.Eventually(t, func() bool { return len(client.sentIDs()) == 2 }, time.Second, time.Millisecond)
	r.Equal(t, []uint64{1, 2}, client.sentIDs())

	processed, err := p.Close()
	r.NoError(t, err)
	r.Equal(t, int64(2), processed)
	r.True(t, client.closed.Load())

	stats := p.Stats()
	r.Equal(t, int64(3), stats.Offered)
	r.Equal(t, int64(2), stats.Enqueued)
	r.Equal(t, int64(1), stats.Dropped)
	r.Equal(t, int64(2), stats.Processed)
	r.Equal(t, 2, stats.Capacity)

	// 关闭后的 span 直接丢弃
	r.False(t, p.Collect(mockSpan(4)))
	r.False(t, p.Collect(nil))

	processed, err = p.Close()
	r.NoError(t, err)
	r.Equal(t, int64(2), processed)
}

func TestPipeline_DefaultAnnotations(t *testing.T) {
	client := newMockClient()
	p := mockPipeline(t, client)

	r.NoError(t, p.AddDefaultAnnotation("service.name", "foo"))
	r.NoError(t, p.AddDefaultAnnotation("host.address", "10.0.0.1:8080"))
	r.NoError(t, p.AddDefaultAnnotation("service.name", "foo"))
	r.Error(t, p.AddDefaultAnnotation("", "x"))
	r.Len(t, p.DefaultAnnotations(), 2)

	s := mockSpan(1)
	s.AddBinaryAnnotation(span.StringAnnotation("service.name", "foo"))
	p.Start()
	r.ErrorIs(t, p.AddDefaultAnnotation("late", "x"), ErrDefaultsSealed)

	r.True(t, p.Collect(s))
	r.Eventually(t, func() bool { return len(client.sentIDs()) == 1 }, time.Second, time.Millisecond)
	_, err := p.Close()
	r.NoError(t, err)

	r.Equal(t, []span.BinaryAnnotation{
		span.StringAnnotation("service.name", "foo"),
		span.StringAnnotation("host.address", "10.0.0.1:8080"),
	}, client.sent[0].BinaryAnnotations)
}

func TestPipeline_CloseDiscardsQueued(t *testing.T) {
	client := newMockClient()
	p := mockPipeline(t, client, WithCapacity(5))
	for i := uint64(1); i <= 3; i++ {
		r.True(t, p.Collect(mockSpan(i)))
	}

	processed, err := p.Close()
	r.NoError(t, err)
	r.Zero(t, processed)
	r.Equal(t, int64(3), p.Stats().Discarded)
	r.Empty(t, client.sentIDs())
	r.True(t, client.closed.Load())
}

func TestPipeline_CloseTimeout(t *testing.T) {
	client := newMockClient()
	client.block = make(chan struct{})
	defer close(client.block)

	p := mockPipeline(t, client, WithShutdownTimeout(20*time.Millisecond))
	p.Start()
	r.True(t, p.Collect(mockSpan(1)))
	r.Eventually(t, func() bool { return p.Stats().QueueLength == 0 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := p.Close()
	r.ErrorIs(t, err, ErrShutdownTimeout)
	r.Less(t, time.Since(start), time.Second)
	r.True(t, client.closed.Load())
}

func TestPipeline_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	client := newMockClient()
	client.failIDs[2] = errors.New("protocol error")
	p := mockPipeline(t, client, WithCapacity(2), WithRegisterer(reg))

	r.True(t, p.Collect(mockSpan(1)))
	r.True(t, p.Collect(mockSpan(2)))
	r.False(t, p.Collect(mockSpan(3)))
	r.Equal(t, float64(2), testutil.ToFloat64(p.metrics.enqueued))
	r.Equal(t, float64(1), testutil.ToFloat64(p.metrics.dropped))

	p.Start()
	r.Eventually(t, func() bool { return p.Stats().Processed+p.Stats().Failed == 2 }, time.Second, time.Millisecond)
	r.Equal(t, float64(1), testutil.ToFloat64(p.metrics.sent))
	r.Equal(t, float64(1), testutil.ToFloat64(p.metrics.failed))

	n, err := testutil.GatherAndCount(reg)
	r.NoError(t, err)
	r.Equal(t, 6, n)

	_, err = p.Close()
	r.NoError(t, err)

	// Close 释放注册
	n, err = testutil.GatherAndCount(reg)
	r.NoError(t, err)
	r.Zero(t, n)
}

func TestPipeline_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := mockPipeline(t, newMockClient(), WithRegisterer(reg))

	second, err := New(newMockClient(), WithRegisterer(reg))
	r.ErrorIs(t, err, ErrMetricsRegistered)
	r.Nil(t, second)

	// 失败的 New 不残留注册，第一个 pipeline 的指标保持不变
	n, err := testutil.GatherAndCount(reg)
	r.NoError(t, err)
	r.Equal(t, 6, n)

	_, err = first.Close()
	r.NoError(t, err)
	third := mockPipeline(t, newMockClient(), WithRegisterer(reg))
	_, err = third.Close()
	r.NoError(t, err)
}

func TestPipeline_ConcurrentCloseWaitsForFirst(t *testing.T) {
	client := newMockClient()
	client.block = make(chan struct{})

	p := mockPipeline(t, client)
	p.Start()
	r.True(t, p.Collect(mockSpan(1)))
	r.Eventually(t, func() bool { return p.Stats().QueueLength == 0 }, time.Second, time.Millisecond)

	first := make(chan int64, 1)
	go func() {
		n, _ := p.Close()
		first <- n
	}()
	r.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.closed
	}, time.Second, time.Millisecond)

	second := make(chan int64, 1)
	secondErr := make(chan error, 1)
	go func() {
		n, err := p.Close()
		secondErr <- err
		second <- n
	}()
	select {
	case <-secondErr:
		t.Fatal("second Close returned while the first was still waiting")
	case <-time.After(20 * time.Millisecond):
	}

	// worker 完成在途发送后两次 Close 得到同一结果
	close(client.block)
	r.Equal(t, int64(1), <-first)
	r.NoError(t, <-secondErr)
	r.Equal(t, int64(1), <-second)
	r.Equal(t, []uint64{1}, client.sentIDs())
}
