package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/span"
)

const DefaultShutdownTimeout = 5 * time.Second

var (
	ErrDefaultsSealed  = errors.New("default annotations can't change after the pipeline started")
	ErrShutdownTimeout = errors.New("dispatch worker did not stop in time")
)

type options struct {
	capacity        int
	sendTimeout     time.Duration
	shutdownTimeout time.Duration
	registerer      prometheus.Registerer
}

type Option func(o *options)

func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithSendTimeout bounds every Client.Send. Zero means no bound.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithShutdownTimeout bounds how long Close waits for the worker.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	Offered     int64
	Enqueued    int64
	Dropped     int64
	Processed   int64
	Failed      int64
	Discarded   int64
	QueueLength int
	Capacity    int
}

// Pipeline is the asynchronous span dispatch path: Collect enriches a span
// with the default annotations and offers it to a bounded queue, and one
// background worker forwards queued spans to the Client.
//
// The pipeline never blocks producers and never retries: spans are dropped
// when the queue is full, lost when the client fails, and discarded when
// still queued at Close.
type Pipeline struct {
	queue   *Queue
	client  Client
	worker  *Worker
	metrics *metrics

	shutdownTimeout time.Duration

	// copy-on-write，Collect 无锁读取
	defaults atomic.Pointer[[]span.BinaryAnnotation]

	mu        sync.Mutex
	started   bool
	closed    bool
	result    chan int64
	closeDone chan struct{}
	processed int64

	offered   atomic.Int64
	enqueued  atomic.Int64
	dropped   atomic.Int64
	discarded atomic.Int64
}

// New builds a stopped pipeline around client. It fails only when the
// metrics cannot be registered; the caller keeps ownership of client then.
func New(client Client, opts ...Option) (*Pipeline, error) {
	o := options{
		capacity:        DefaultCapacity,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.shutdownTimeout <= 0 {
		o.shutdownTimeout = DefaultShutdownTimeout
	}

	q := NewQueue(o.capacity)
	m, err := newMetrics(o.registerer, q)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		queue:           q,
		client:          client,
		worker:          newWorker(q, client, o.sendTimeout, m),
		metrics:         m,
		shutdownTimeout: o.shutdownTimeout,
		result:          make(chan int64, 1),
		closeDone:       make(chan struct{}),
	}
	p.defaults.Store(&[]span.BinaryAnnotation{})
	return p, nil
}

// AddDefaultAnnotation registers a string annotation applied to every span.
// The set only grows, and only until Start.
func (p *Pipeline) AddDefaultAnnotation(key, value string) error {
	if key == "" {
		return errors.New("default annotation key is empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return ErrDefaultsSealed
	}

	ba := span.StringAnnotation(key, value)
	cur := *p.defaults.Load()
	for _, d := range cur {
		if d == ba {
			return nil
		}
	}
	next := make([]span.BinaryAnnotation, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, ba)
	p.defaults.Store(&next)
	return nil
}

func (p *Pipeline) DefaultAnnotations() []span.BinaryAnnotation {
	cur := *p.defaults.Load()
	out := make([]span.BinaryAnnotation, len(cur))
	copy(out, cur)
	return out
}

// Start launches the dispatch worker. Only the first call has an effect.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	go func() {
		p.result <- p.worker.Run()
	}()
	logrus.WithField("capacity", p.queue.Cap()).Debug("TracePipe started dispatch worker")
}

// Collect applies the default annotations to s and enqueues it. It never
// blocks; false means the span was dropped. s must not be touched afterwards.
func (p *Pipeline) Collect(s *span.Span) bool {
	if s == nil {
		return false
	}
	p.offered.Add(1)
	for _, ba := range *p.defaults.Load() {
		s.AddBinaryAnnotation(ba)
	}
	if !p.queue.Offer(s) {
		p.dropped.Add(1)
		p.metrics.dropped.Inc()
		logrus.WithField("span", s.String()).Debug("TracePipe couldn't submit span to queue")
		return false
	}
	p.enqueued.Add(1)
	p.metrics.enqueued.Inc()
	return true
}

// Close stops the worker, waits for it at most the shutdown timeout, then
// closes the client. Spans still queued are discarded. It returns the number
// of spans the worker handed to the client. Later calls wait for the first
// one to finish and return the same count with a nil error.
func (p *Pipeline) Close() (int64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.closeDone
		return p.processed, nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	logrus.Info("TracePipe stopping dispatch worker")
	p.worker.Stop()
	p.queue.Close()

	var err error
	processed := p.worker.Processed()
	if started {
		timer := time.NewTimer(p.shutdownTimeout)
		defer timer.Stop()
		select {
		case processed = <-p.result:
			logrus.WithField("processed", processed).Info("TracePipe dispatch worker stopped")
		case <-timer.C:
			processed = p.worker.Processed()
			err = fmt.Errorf("%w after %s", ErrShutdownTimeout, p.shutdownTimeout)
			logrus.WithError(err).WithField("processed", processed).Warn("TracePipe gave up waiting for dispatch worker")
		}
	}

	if n := p.queue.Drain(); n > 0 {
		p.discarded.Add(int64(n))
		p.metrics.discarded.Add(float64(n))
		logrus.WithField("discarded", n).Info("TracePipe discarded queued spans at shutdown")
	}

	if cerr := p.client.Close(); cerr != nil {
		logrus.WithError(cerr).Error("TracePipe couldn't close collector client")
		err = errors.Join(err, cerr)
	}

	p.metrics.unregister()

	// closeDone 关闭前写入，后续 Close 读取无需加锁
	p.processed = processed
	close(p.closeDone)
	logrus.Info("TracePipe pipeline closed")
	return processed, err
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Offered:     p.offered.Load(),
		Enqueued:    p.enqueued.Load(),
		Dropped:     p.dropped.Load(),
		Processed:   p.worker.Processed(),
		Failed:      p.worker.Failed(),
		Discarded:   p.discarded.Load(),
		QueueLength: p.queue.Len(),
		Capacity:    p.queue.Cap(),
	}
}
