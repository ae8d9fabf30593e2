package tracer

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/collector"
	"github.com/stleox/tracepipe/pkg/config"
	"github.com/stleox/tracepipe/pkg/coord"
	"github.com/stleox/tracepipe/pkg/pipeline"
	"github.com/stleox/tracepipe/pkg/sampler"
	"github.com/stleox/tracepipe/pkg/span"
)

// 每个 span 都带上的默认 binary annotation
const (
	AnnotationHostAddress = "host.address"
	AnnotationServiceName = "service.name"
)

type managerOptions struct {
	client     pipeline.Client
	store      coord.Store
	registerer prometheus.Registerer
	output     io.Writer
	tracerOpts []Option
}

type ManagerOption func(o *managerOptions)

// WithClient skips building a collector client from the config.
func WithClient(c pipeline.Client) ManagerOption {
	return func(o *managerOptions) { o.client = c }
}

// WithStore skips connecting to ZooKeeper. The Manager takes ownership of s.
func WithStore(s coord.Store) ManagerOption {
	return func(o *managerOptions) { o.store = s }
}

func WithRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(o *managerOptions) { o.registerer = reg }
}

// WithOutput sets where the stdout collector writes. Defaults to os.Stdout.
func WithOutput(w io.Writer) ManagerOption {
	return func(o *managerOptions) { o.output = w }
}

func WithTracerOptions(opts ...Option) ManagerOption {
	return func(o *managerOptions) { o.tracerOpts = append(o.tracerOpts, opts...) }
}

// 当前进程内的 Manager，Shutdown 后清空
var (
	muProcess sync.Mutex
	process   *Manager
)

// Manager owns the process-wide tracing components and their lifecycle.
type Manager struct {
	local    *span.Endpoint
	pipeline *pipeline.Pipeline
	sampler  sampler.Sampler
	tracer   *Tracer

	shutdownOnce sync.Once
	shutdownErr  error
}

// Initialize validates cfg and wires endpoint, collector client, pipeline,
// sampler and tracer. Invalid configuration fails. A sampler that cannot be
// built leaves the Manager without a tracer, so every facade call is a no-op.
//
// There is at most one live Manager per process: while one is running,
// Initialize returns it and ignores cfg and opts, so the caller keeps any
// client or store passed in them. After its Shutdown the next call builds a
// new one.
func Initialize(cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	muProcess.Lock()
	defer muProcess.Unlock()
	if process != nil {
		logrus.Debug("TracePipe is already initialized")
		return process, nil
	}

	m, err := initialize(cfg, opts...)
	if err != nil {
		return nil, err
	}
	process = m
	return m, nil
}

func initialize(cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("tracepipe config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := managerOptions{output: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	address := cfg.Service.Address
	if address == "" {
		address = span.LocalAddress()
	}
	local := &span.Endpoint{
		IPv4:        address,
		Port:        cfg.Service.Port,
		ServiceName: cfg.Service.Name,
	}

	client := o.client
	if client == nil {
		var err error
		client, err = collector.New(context.Background(), cfg.Collector, o.output)
		if err != nil {
			return nil, err
		}
	}

	p, err := pipeline.New(client,
		pipeline.WithCapacity(cfg.QueueCapacity),
		pipeline.WithSendTimeout(cfg.SendTimeout),
		pipeline.WithShutdownTimeout(cfg.ShutdownTimeout),
		pipeline.WithRegisterer(o.registerer),
	)
	if err != nil {
		// 尚未交给 pipeline 的资源由这里释放
		if cerr := client.Close(); cerr != nil {
			logrus.WithError(cerr).Error("TracePipe couldn't close collector client")
		}
		if o.store != nil {
			o.store.Close()
		}
		return nil, err
	}
	for _, kv := range [][2]string{
		{AnnotationHostAddress, local.HostPort()},
		{AnnotationServiceName, local.ServiceName},
	} {
		if err := p.AddDefaultAnnotation(kv[0], kv[1]); err != nil {
			_, _ = p.Close()
			if o.store != nil {
				o.store.Close()
			}
			return nil, err
		}
	}
	p.Start()

	m := &Manager{local: local, pipeline: p}

	s, err := newSampler(cfg, o.store)
	if err != nil {
		logrus.WithError(err).Error("TracePipe couldn't build sampler, tracing is disabled")
		return m, nil
	}
	m.sampler = s
	m.tracer = New(s, p, local, append([]Option{WithMaxInFlightSpans(cfg.MaxInFlightSpans)}, o.tracerOpts...)...)

	logrus.WithField("service", local.HostPort()).
		WithField("name", local.ServiceName).
		WithField("collector", cfg.Collector.Kind).
		WithField("sampler", s.Rate()).
		Info("TracePipe initialized")
	return m, nil
}

func newSampler(cfg *config.Config, store coord.Store) (sampler.Sampler, error) {
	if cfg.SkipCoordinationStore {
		if store != nil {
			store.Close()
		}
		return sampler.NewFixedRate(cfg.FixedRate), nil
	}
	if store == nil {
		servers, err := config.ParseConnectString(cfg.Coordination.ConnectString)
		if err != nil {
			return nil, err
		}
		zs, err := coord.NewZkStore(servers, cfg.Coordination.SessionTimeout)
		if err != nil {
			return nil, err
		}
		store = zs
	}
	return sampler.NewWatched(store, cfg.Coordination.RateNode, cfg.FixedRate), nil
}

// Tracer returns the facade, nil when tracing is disabled. A nil *Tracer is
// still safe to call.
func (m *Manager) Tracer() *Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

func (m *Manager) Pipeline() *pipeline.Pipeline {
	if m == nil {
		return nil
	}
	return m.pipeline
}

func (m *Manager) Sampler() sampler.Sampler {
	if m == nil {
		return nil
	}
	return m.sampler
}

func (m *Manager) Local() *span.Endpoint {
	if m == nil {
		return nil
	}
	return m.local
}

// Shutdown closes the pipeline, bounded by the shutdown timeout, then the
// sampler, and frees the process slot for the next Initialize. It is safe on
// a nil or partially initialized Manager and only the first call does
// anything.
func (m *Manager) Shutdown() error {
	if m == nil {
		return nil
	}
	m.shutdownOnce.Do(func() {
		var errs []error
		if m.pipeline != nil {
			processed, err := m.pipeline.Close()
			logrus.WithField("processed", processed).Info("TracePipe closed span collector")
			errs = append(errs, err)
		}
		if m.sampler != nil {
			errs = append(errs, m.sampler.Close())
		}
		m.shutdownErr = errors.Join(errs...)

		muProcess.Lock()
		if process == m {
			process = nil
		}
		muProcess.Unlock()
	})
	return m.shutdownErr
}
