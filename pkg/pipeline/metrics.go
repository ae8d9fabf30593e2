package pipeline

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tracepipe"

var ErrMetricsRegistered = errors.New("pipeline metrics are already registered")

type metrics struct {
	enqueued  prometheus.Counter
	dropped   prometheus.Counter
	sent      prometheus.Counter
	failed    prometheus.Counter
	discarded prometheus.Counter

	reg        prometheus.Registerer
	collectors []prometheus.Collector
}

// newMetrics builds the pipeline collectors and registers them on reg. A nil
// reg leaves them unregistered. Registering twice on one registry fails with
// ErrMetricsRegistered and leaves nothing registered.
func newMetrics(reg prometheus.Registerer, q *Queue) (*metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		})
	}
	m := &metrics{
		enqueued:  counter("spans_enqueued_total", "Spans accepted by the span queue."),
		dropped:   counter("spans_dropped_total", "Spans dropped because the span queue was full or closed."),
		sent:      counter("spans_sent_total", "Spans handed to the collector client."),
		failed:    counter("spans_failed_total", "Spans the collector client failed to send."),
		discarded: counter("spans_discarded_total", "Spans left in the queue at shutdown."),
	}
	if reg == nil {
		return m, nil
	}

	queueLength := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_length",
		Help:      "Spans waiting in the span queue.",
	}, func() float64 { return float64(q.Len()) })

	m.reg = reg
	for _, c := range []prometheus.Collector{m.enqueued, m.dropped, m.sent, m.failed, m.discarded, queueLength} {
		if err := reg.Register(c); err != nil {
			m.unregister()
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return nil, fmt.Errorf("%w: %v", ErrMetricsRegistered, err)
			}
			return nil, err
		}
		m.collectors = append(m.collectors, c)
	}
	return m, nil
}

// unregister 释放注册，便于同一 registry 上重建 pipeline
func (m *metrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
	m.collectors = nil
}
