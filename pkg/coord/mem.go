package coord

import (
	"fmt"
	"sync"
)

// MemStore is an in-process Store. It is handy for tests and for running the
// watched sampler without an ensemble.
type MemStore struct {
	mu       sync.Mutex
	values   map[string]int
	raw      map[string]string
	watchers map[string][]chan struct{}
	handler  StateHandler
	down     bool
	closed   bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		values:   make(map[string]int),
		raw:      make(map[string]string),
		watchers: make(map[string][]chan struct{}),
	}
}

func (m *MemStore) GetValue(path string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readLocked(path)
}

func (m *MemStore) readLocked(path string) (int, error) {
	if m.closed {
		return 0, fmt.Errorf("%w: %s", ErrClosed, path)
	}
	if m.down {
		return 0, fmt.Errorf("memstore %s: connection lost", path)
	}
	if raw, hit := m.raw[path]; hit {
		return parseValue(path, []byte(raw))
	}
	v, hit := m.values[path]
	if !hit {
		return 0, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	return v, nil
}

func (m *MemStore) WatchValue(path string) (int, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.readLocked(path)
	if m.closed || m.down {
		return 0, nil, err
	}
	ch := make(chan struct{})
	m.watchers[path] = append(m.watchers[path], ch)
	return v, ch, err
}

func (m *MemStore) SetValue(path string, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: %s", ErrClosed, path)
	}
	delete(m.raw, path)
	m.values[path] = value
	m.fireLocked(path)
	return nil
}

// SetRaw stores an arbitrary payload, e.g. a value that is not an integer.
func (m *MemStore) SetRaw(path string, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raw[path] = raw
	m.fireLocked(path)
}

func (m *MemStore) Delete(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.raw, path)
	delete(m.values, path)
	m.fireLocked(path)
}

// Disconnect simulates losing the session: every watch fires and reads fail
// until Reconnect.
func (m *MemStore) Disconnect() {
	m.mu.Lock()
	m.down = true
	for path := range m.watchers {
		m.fireLocked(path)
	}
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(false)
	}
}

func (m *MemStore) Reconnect() {
	m.mu.Lock()
	m.down = false
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(true)
	}
}

func (m *MemStore) fireLocked(path string) {
	for _, ch := range m.watchers[path] {
		close(ch)
	}
	delete(m.watchers, path)
}

func (m *MemStore) OnStateChange(h StateHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *MemStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for path := range m.watchers {
		m.fireLocked(path)
	}
}
