package sampler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stleox/tracepipe/pkg/coord"
	"github.com/zoobzio/clockz"
	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultBackoff paces watch re-establishment while the store is unreachable.
var DefaultBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    8,
	Cap:      30 * time.Second,
}

// Watched follows an integer rate kept at a coordination store node.
//
// Every value read from the node is wrapped into a fresh FixedRate snapshot
// and published with an atomic swap, so ShouldSample is a single lock-free
// load. Whenever the node cannot be read, or the session is lost, the
// fallback snapshot is published instead and the watch is retried in the
// background.
type Watched struct {
	store    coord.Store
	path     string
	fallback *FixedRate

	current atomic.Pointer[FixedRate]

	// 会话断开期间读到的值不生效
	connected atomic.Bool

	clock   clockz.Clock
	backoff wait.Backoff

	resync    chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

type WatchedOption func(w *Watched)

func WithClock(clock clockz.Clock) WatchedOption {
	return func(w *Watched) { w.clock = clock }
}

func WithBackoff(b wait.Backoff) WatchedOption {
	return func(w *Watched) { w.backoff = b }
}

// NewWatched starts following path on store. It never fails: until the node
// has been read the fallback rate is in effect. The Watched owns store and
// closes it on Close.
func NewWatched(store coord.Store, path string, fallback int, opts ...WatchedOption) *Watched {
	w := &Watched{
		store:    store,
		path:     path,
		fallback: NewFixedRate(fallback),
		clock:    clockz.RealClock,
		backoff:  DefaultBackoff,
		resync:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.current.Store(w.fallback)
	w.connected.Store(true)

	store.OnStateChange(w.onStateChange)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watch(ctx)
	return w
}

func (w *Watched) ShouldSample(ctx context.Context) bool {
	return w.current.Load().ShouldSample(ctx)
}

func (w *Watched) Rate() int {
	return w.current.Load().Rate()
}

// onStateChange runs on the store's notification goroutine.
func (w *Watched) onStateChange(connected bool) {
	w.connected.Store(connected)
	if !connected {
		w.fallBack(errors.New("session lost"))
		return
	}
	select {
	case w.resync <- struct{}{}:
	default:
	}
}

func (w *Watched) watch(ctx context.Context) {
	defer close(w.done)

	backoff := w.backoff
	for {
		rate, changed, err := w.store.WatchValue(w.path)
		if errors.Is(err, coord.ErrClosed) {
			return
		}
		if err != nil {
			w.fallBack(err)
			delay := backoff.Step()
			// changed 为 nil 时该分支永远不会触发
			select {
			case <-ctx.Done():
				return
			case <-changed:
			case <-w.resync:
			case <-w.clock.After(delay):
			}
			continue
		}

		backoff = w.backoff
		w.apply(rate)

		select {
		case <-ctx.Done():
			return
		case <-changed:
		case <-w.resync:
		}
	}
}

// apply publishes rate unless the session was lost after it was read. The
// second check covers a disconnect racing with the Store.
func (w *Watched) apply(rate int) {
	if !w.connected.Load() {
		logrus.WithField("path", w.path).Debug("TracePipe ignored a sample rate read before the session was lost")
		return
	}
	old := w.current.Load()
	if old != w.fallback && old.Rate() == rate {
		return
	}
	w.current.Store(NewFixedRate(rate))
	if !w.connected.Load() {
		w.fallBack(errors.New("session lost"))
		return
	}
	logrus.WithFields(logrus.Fields{
		"path": w.path,
		"old":  old.Rate(),
		"new":  rate,
	}).Info("TracePipe applied a new sample rate")
}

func (w *Watched) fallBack(reason error) {
	old := w.current.Swap(w.fallback)
	if old == w.fallback {
		logrus.WithError(reason).WithField("path", w.path).Debug("TracePipe still can't read the sample rate")
		return
	}
	logrus.WithError(reason).WithFields(logrus.Fields{
		"path":     w.path,
		"fallback": w.fallback.Rate(),
	}).Warn("TracePipe fell back to the default sample rate")
}

// Close stops the watch and closes the store.
func (w *Watched) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		// 先关闭 store，使阻塞中的 WatchValue 立即返回
		w.store.Close()
		<-w.done
	})
	return nil
}
