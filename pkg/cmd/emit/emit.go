package emit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	pkgbgtask "github.com/stleox/tracepipe/pkg/bgtask"
	"github.com/stleox/tracepipe/pkg/config"
	pkgtracer "github.com/stleox/tracepipe/pkg/tracer"
)

const defaultServiceName = "tracepipe-emit"

var (
	emitOpts struct {
		count       int
		workers     int
		pause       time.Duration
		metricsAddr string
	}

	// 直接映射到配置 key 的 flag
	configFlags = pflag.NewFlagSet("config", pflag.ContinueOnError)
)

func init() {
	configFlags.String(config.KeyServiceName, "", fmt.Sprintf("Name of the traced service (default %q)", defaultServiceName))
	configFlags.String(config.KeyCollectorKind, config.DefaultCollectorKind, "Collector kind: otlp, stdout or olap")
	configFlags.String(config.KeyCollectorAddress, "", "Collector host (otlp)")
	configFlags.Int(config.KeyFixedRate, config.DefaultFallbackSampleRate, "Fixed sample rate, also the fallback when the coordination store is unavailable")
	configFlags.Bool(config.KeySkipCoordination, false, "Use --fixed-rate instead of watching the coordination store")
	configFlags.Int(config.KeyQueueCapacity, config.DefaultQueueCapacity, "Span queue capacity")
}

func New(vp *viper.Viper) *cobra.Command {
	emit := &cobra.Command{
		Use:   "emit",
		Short: "Emit synthetic traces through the span pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			// init main context of `emit`
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
			defer cancel()

			if vp.GetString(config.KeyServiceName) == "" {
				vp.Set(config.KeyServiceName, defaultServiceName)
			}
			cfg, err := config.Load(vp)
			if err != nil {
				return err
			}

			// init metrics
			reg := prometheus.NewRegistry()
			if emitOpts.metricsAddr != "" {
				stop := serveMetrics(emitOpts.metricsAddr, reg)
				defer stop()
			}

			// init tracerManager
			manager, err := pkgtracer.Initialize(cfg, pkgtracer.WithRegisterer(reg))
			if err != nil {
				return err
			}
			defer func() {
				if err := manager.Shutdown(); err != nil {
					logrus.WithError(err).Error("TracePipe couldn't shut down cleanly")
				}
			}()

			// init bgTaskManager
			bgTaskManager := pkgbgtask.NewBgTaskManager(manager, cfg.StatsInterval)
			bgTaskManager.StartAll()
			defer bgTaskManager.StopAll()

			n := Spans(ctx, manager.Tracer(), Options{
				Count:   emitOpts.count,
				Workers: emitOpts.workers,
				Pause:   emitOpts.pause,
			})
			logrus.WithField("traces", n).Info("TracePipe finished emitting")
			return nil
		},
	}

	flags := emit.Flags()
	flags.IntVar(&emitOpts.count, "count", 100, "Number of traces to emit, 0 means until interrupted")
	flags.IntVar(&emitOpts.workers, "workers", 4, "Number of concurrent producers")
	flags.DurationVar(&emitOpts.pause, "pause", 10*time.Millisecond, "Pause between two traces of one producer")
	flags.StringVar(&emitOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.AddFlagSet(configFlags)
	if err := vp.BindPFlags(configFlags); err != nil {
		logrus.WithError(err).Fatal("TracePipe couldn't bind emit flags")
	}
	return emit
}

// serveMetrics exposes reg on /metrics and returns the shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logrus.WithField("addr", addr).Info("TracePipe serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("TracePipe metrics server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

type Options struct {
	Count   int
	Workers int
	Pause   time.Duration
}

// Spans drives synthetic traces through t until opts.Count traces were
// started or ctx is done, and returns the number of traces started. Each
// trace is a client root span with one child span.
func Spans(ctx context.Context, t *pkgtracer.Tracer, opts Options) int64 {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	var (
		started atomic.Int64
		wg      sync.WaitGroup
	)
	next := func() (int64, bool) {
		seq := started.Add(1)
		if opts.Count > 0 && seq > int64(opts.Count) {
			started.Add(-1)
			return 0, false
		}
		return seq, true
	}

	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil {
				seq, ok := next()
				if !ok {
					return
				}
				emitTrace(ctx, t, worker, seq)
				if opts.Pause > 0 {
					select {
					case <-ctx.Done():
					case <-time.After(opts.Pause):
					}
				}
			}
		}(w)
	}
	wg.Wait()
	return started.Load()
}

func emitTrace(ctx context.Context, t *pkgtracer.Tracer, worker int, seq int64) {
	rootCtx, _ := t.StartNewSpan(ctx, "emit")
	t.SetClientSent(rootCtx)
	t.SubmitBinaryAnnotation(rootCtx, "emit.worker", fmt.Sprintf("%d", worker))
	t.SubmitBinaryAnnotationInt(rootCtx, "emit.seq", int32(seq))

	childCtx, _ := t.StartNewSpan(rootCtx, "emit.child")
	t.SetClientSent(childCtx)
	start := time.Now()
	t.SubmitAnnotation(childCtx, "work")
	t.SubmitAnnotationDuration(childCtx, "work", start, time.Now())
	t.SetClientReceived(childCtx)

	t.SetClientReceived(rootCtx)
}
