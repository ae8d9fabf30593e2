package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/span"
	"google.golang.org/grpc/status"
)

// Client forwards spans to a trace collector. Send is called by a single
// goroutine, one span at a time.
type Client interface {
	Send(ctx context.Context, s *span.Span) error
	Close() error
}

// Worker drains a Queue into a Client. Delivery is at most once: a failed
// span is logged and forgotten.
type Worker struct {
	queue       *Queue
	client      Client
	sendTimeout time.Duration
	metrics     *metrics

	processed atomic.Int64
	failed    atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewWorker(queue *Queue, client Client, sendTimeout time.Duration) *Worker {
	// newMetrics never fails with a nil registerer
	m, _ := newMetrics(nil, queue)
	return newWorker(queue, client, sendTimeout, m)
}

func newWorker(queue *Queue, client Client, sendTimeout time.Duration, m *metrics) *Worker {
	return &Worker{
		queue:       queue,
		client:      client,
		sendTimeout: sendTimeout,
		metrics:     m,
		stop:        make(chan struct{}),
	}
}

// Run loops until Stop is called or the queue is closed, and returns the
// number of spans the client accepted.
func (w *Worker) Run() int64 {
	for {
		// 优先响应 stop，进行中的发送不会被打断
		select {
		case <-w.stop:
			return w.processed.Load()
		default:
		}

		s, ok := w.queue.Take(w.stop)
		if !ok {
			return w.processed.Load()
		}
		if err := w.send(s); err != nil {
			w.failed.Add(1)
			w.metrics.failed.Inc()
			entry := logrus.WithError(err).WithField("span", s.String())
			if st, ok := status.FromError(err); ok {
				entry = entry.WithField("code", st.Code().String())
			}
			entry.Warn("TracePipe couldn't send span to collector")
			continue
		}
		w.processed.Add(1)
		w.metrics.sent.Inc()
	}
}

func (w *Worker) send(s *span.Span) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("collector client panicked: %v", rec)
		}
	}()

	ctx := context.Background()
	if w.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.sendTimeout)
		defer cancel()
	}
	return w.client.Send(ctx, s)
}

// Stop asks Run to return after the current span. Safe to call repeatedly.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

func (w *Worker) Failed() int64 {
	return w.failed.Load()
}
