package sampler

import (
	"sync"
	"testing"
	"time"

	"github.com/stleox/tracepipe/pkg/coord"
	r "github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

const ratePath = "/tracepipe/config/samplerate"

var fastBackoff = wait.Backoff{
	Duration: 5 * time.Millisecond,
	Factor:   2,
	Steps:    3,
	Cap:      20 * time.Millisecond,
}

func mockWatched(t *testing.T, store coord.Store, fallback int) *Watched {
	w := NewWatched(store, ratePath, fallback, WithBackoff(fastBackoff))
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func waitRate(t *testing.T, w *Watched, want int) {
	r.Eventually(t, func() bool { return w.Rate() == want }, time.Second, time.Millisecond,
		"rate never became %d", want)
}

func TestWatched_FollowsNode(t *testing.T) {
	store := coord.NewMemStore()
	r.NoError(t, store.SetValue(ratePath, 5))

	w := mockWatched(t, store, 0)
	waitRate(t, w, 5)
	r.Equal(t, []bool{false, false, false, false, true}, collectDecisions(w, 5))

	// 5 -> 0 后立即停止采样，无需重启
	r.NoError(t, store.SetValue(ratePath, 0))
	waitRate(t, w, 0)
	for _, d := range collectDecisions(w, 50) {
		r.False(t, d)
	}

	r.NoError(t, store.SetValue(ratePath, 1))
	waitRate(t, w, 1)
	for _, d := range collectDecisions(w, 10) {
		r.True(t, d)
	}
}

func TestWatched_FallbackWhileNodeMissing(t *testing.T) {
	store := coord.NewMemStore()
	w := mockWatched(t, store, 2)
	r.Equal(t, 2, w.Rate())

	// 节点创建后通过 exists watch 生效
	r.NoError(t, store.SetValue(ratePath, 4))
	waitRate(t, w, 4)

	store.Delete(ratePath)
	waitRate(t, w, 2)
}

func TestWatched_FallbackOnBadValue(t *testing.T) {
	store := coord.NewMemStore()
	r.NoError(t, store.SetValue(ratePath, 3))
	w := mockWatched(t, store, 0)
	waitRate(t, w, 3)

	store.SetRaw(ratePath, "three")
	waitRate(t, w, 0)

	store.SetRaw(ratePath, "6")
	waitRate(t, w, 6)
}

func TestWatched_DisconnectAndReconnect(t *testing.T) {
	store := coord.NewMemStore()
	r.NoError(t, store.SetValue(ratePath, 5))
	w := mockWatched(t, store, 1)
	waitRate(t, w, 5)

	store.Disconnect()
	r.Equal(t, 1, w.Rate())

	store.Reconnect()
	waitRate(t, w, 5)
}

// sessionDropStore 模拟 zookeeper：断线只通知 state handler，已有 watch 不触发
type sessionDropStore struct {
	*coord.MemStore

	mu         sync.Mutex
	handler    coord.StateHandler
	dropOnRead bool
}

func (s *sessionDropStore) OnStateChange(h coord.StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *sessionDropStore) notify(connected bool) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	h(connected)
}

// WatchValue 读成功后、返回前断开会话
func (s *sessionDropStore) WatchValue(path string) (int, <-chan struct{}, error) {
	v, changed, err := s.MemStore.WatchValue(path)
	s.mu.Lock()
	drop := s.dropOnRead
	s.dropOnRead = false
	s.mu.Unlock()
	if drop && err == nil {
		s.notify(false)
	}
	return v, changed, err
}

func TestWatched_DisconnectDuringRead(t *testing.T) {
	store := &sessionDropStore{MemStore: coord.NewMemStore(), dropOnRead: true}
	r.NoError(t, store.SetValue(ratePath, 5))

	w := mockWatched(t, store, 2)
	// 断线前读到的 5 不能覆盖 fallback
	r.Never(t, func() bool { return w.Rate() == 5 }, 50*time.Millisecond, time.Millisecond)
	r.Equal(t, 2, w.Rate())

	store.notify(true)
	waitRate(t, w, 5)
}

func TestWatched_CloseStopsWatch(t *testing.T) {
	store := coord.NewMemStore()
	r.NoError(t, store.SetValue(ratePath, 5))
	w := NewWatched(store, ratePath, 0, WithBackoff(fastBackoff))
	waitRate(t, w, 5)

	r.NoError(t, w.Close())
	r.NoError(t, w.Close())

	// store 已关闭，读写都失败
	r.ErrorIs(t, store.SetValue(ratePath, 1), coord.ErrClosed)
	r.Equal(t, 5, w.Rate())
}
