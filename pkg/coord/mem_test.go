package coord

import (
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

const ratePath = "/tracepipe/config/samplerate"

func TestMemStore_WatchFiresOnSet(t *testing.T) {
	m := NewMemStore()
	r.NoError(t, m.SetValue(ratePath, 5))

	v, changed, err := m.WatchValue(ratePath)
	r.NoError(t, err)
	r.Equal(t, 5, v)

	r.NoError(t, m.SetValue(ratePath, 0))
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}

	v, err = m.GetValue(ratePath)
	r.NoError(t, err)
	r.Equal(t, 0, v)
}

func TestMemStore_MissingNode(t *testing.T) {
	m := NewMemStore()
	_, changed, err := m.WatchValue(ratePath)
	r.ErrorIs(t, err, ErrNoNode)
	r.NotNil(t, changed)

	r.NoError(t, m.SetValue(ratePath, 1))
	<-changed
}

func TestMemStore_BadValue(t *testing.T) {
	m := NewMemStore()
	m.SetRaw(ratePath, "five")
	_, err := m.GetValue(ratePath)
	r.ErrorIs(t, err, ErrBadValue)

	m.SetRaw(ratePath, " 7\n")
	v, err := m.GetValue(ratePath)
	r.NoError(t, err)
	r.Equal(t, 7, v)
}

func TestMemStore_DisconnectAndClose(t *testing.T) {
	m := NewMemStore()
	r.NoError(t, m.SetValue(ratePath, 5))

	states := make(chan bool, 2)
	m.OnStateChange(func(connected bool) { states <- connected })

	_, changed, err := m.WatchValue(ratePath)
	r.NoError(t, err)

	m.Disconnect()
	<-changed
	r.False(t, <-states)
	_, err = m.GetValue(ratePath)
	r.Error(t, err)

	m.Reconnect()
	r.True(t, <-states)
	v, err := m.GetValue(ratePath)
	r.NoError(t, err)
	r.Equal(t, 5, v)

	m.Close()
	_, err = m.GetValue(ratePath)
	r.ErrorIs(t, err, ErrClosed)
	r.ErrorIs(t, m.SetValue(ratePath, 1), ErrClosed)
}
