package coord

import (
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
)

// ZkStore is a Store backed by ZooKeeper. The connection is established in
// the background; requests made while disconnected fail and the caller is
// expected to retry.
type ZkStore struct {
	conn *zk.Conn

	muHandler sync.RWMutex
	handler   StateHandler

	done      chan struct{}
	closeOnce sync.Once
}

// NewZkStore dials servers ("host:port" entries). It only fails on malformed
// input; an unreachable ensemble is reported through the state handler.
func NewZkStore(servers []string, sessionTimeout time.Duration) (*ZkStore, error) {
	conn, events, err := zk.Connect(servers, sessionTimeout,
		zk.WithLogger(logrus.WithField("component", "zookeeper")))
	if err != nil {
		return nil, fmt.Errorf("connecting zookeeper %v: %w", servers, err)
	}
	s := &ZkStore{
		conn: conn,
		done: make(chan struct{}),
	}
	go s.watchSession(events)
	return s, nil
}

func (s *ZkStore) watchSession(events <-chan zk.Event) {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			connected, changed := sessionState(ev)
			if !changed {
				continue
			}
			if connected {
				logrus.WithField("server", ev.Server).Info("TracePipe got a zookeeper session")
			} else {
				logrus.WithField("state", ev.State.String()).Warn("TracePipe lost the zookeeper session")
			}
			s.notify(connected)
		}
	}
}

// sessionState maps a zk event to the session state it reports. changed is
// false for node events and for intermediate states such as connecting.
func sessionState(ev zk.Event) (connected, changed bool) {
	if ev.Type != zk.EventSession {
		return false, false
	}
	switch ev.State {
	case zk.StateHasSession:
		return true, true
	case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
		return false, true
	}
	return false, false
}

func (s *ZkStore) notify(connected bool) {
	s.muHandler.RLock()
	h := s.handler
	s.muHandler.RUnlock()
	if h != nil {
		h(connected)
	}
}

func (s *ZkStore) OnStateChange(h StateHandler) {
	s.muHandler.Lock()
	s.handler = h
	s.muHandler.Unlock()
}

func (s *ZkStore) GetValue(p string) (int, error) {
	data, _, err := s.conn.Get(p)
	if err != nil {
		return 0, s.wrap(p, err)
	}
	return parseValue(p, data)
}

func (s *ZkStore) WatchValue(p string) (int, <-chan struct{}, error) {
	data, _, events, err := s.conn.GetW(p)
	if errors.Is(err, zk.ErrNoNode) {
		// 节点不存在时监听其创建
		exists, _, existEvents, existErr := s.conn.ExistsW(p)
		if existErr != nil {
			return 0, nil, s.wrap(p, existErr)
		}
		if exists {
			// 刚好被创建，让调用方立即重读
			fired := make(chan struct{})
			close(fired)
			return 0, fired, s.wrap(p, err)
		}
		return 0, s.forward(existEvents), s.wrap(p, err)
	}
	if err != nil {
		return 0, nil, s.wrap(p, err)
	}
	v, err := parseValue(p, data)
	return v, s.forward(events), err
}

// forward turns a one-shot zk watch into a channel closed on the first event.
func (s *ZkStore) forward(events <-chan zk.Event) <-chan struct{} {
	changed := make(chan struct{})
	go func() {
		defer close(changed)
		select {
		case ev := <-events:
			logrus.WithFields(logrus.Fields{
				"path": ev.Path,
				"type": ev.Type.String(),
			}).Debug("TracePipe got a zookeeper watch event")
		case <-s.done:
		}
	}()
	return changed
}

func (s *ZkStore) SetValue(p string, value int) error {
	_, err := s.conn.Set(p, formatValue(value), -1)
	if errors.Is(err, zk.ErrNoNode) {
		if err := s.ensureParents(path.Dir(p)); err != nil {
			return err
		}
		_, err = s.conn.Create(p, formatValue(value), 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = s.conn.Set(p, formatValue(value), -1)
		}
	}
	if err != nil {
		return s.wrap(p, err)
	}
	return nil
}

// ensureParents creates every missing node on the way to dir, one by one.
func (s *ZkStore) ensureParents(dir string) error {
	if dir == "/" || dir == "." {
		return nil
	}
	if err := s.ensureParents(path.Dir(dir)); err != nil {
		return err
	}
	_, err := s.conn.Create(dir, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return s.wrap(dir, err)
	}
	return nil
}

func (s *ZkStore) wrap(p string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %s", ErrNoNode, p)
	case errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrConnectionClosed):
		select {
		case <-s.done:
			return fmt.Errorf("%w: %s", ErrClosed, p)
		default:
		}
	}
	return fmt.Errorf("zookeeper %s: %w", p, err)
}

func (s *ZkStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}
