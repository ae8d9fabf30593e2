// Package coord reads and watches integer values kept in an external
// coordination store. The sampler uses it to follow the live sampling rate.
package coord

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrNoNode   = errors.New("coordination node does not exist")
	ErrBadValue = errors.New("coordination node does not hold an integer")
	ErrClosed   = errors.New("coordination store closed")
)

// StateHandler is told whenever the store session is gained or lost.
type StateHandler func(connected bool)

type Store interface {
	// GetValue reads the integer stored at path.
	GetValue(path string) (int, error)

	// WatchValue reads path and arms a one-shot watch on it. The returned
	// channel is closed when the node changes or the watch is lost. When the
	// node is missing the error wraps ErrNoNode and the channel, if not nil,
	// fires once the node is created.
	WatchValue(path string) (int, <-chan struct{}, error)

	// SetValue writes value at path, creating missing parents.
	SetValue(path string, value int) error

	OnStateChange(h StateHandler)

	Close()
}

func parseValue(path string, data []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadValue, path, string(data))
	}
	return v, nil
}

func formatValue(value int) []byte {
	return []byte(strconv.Itoa(value))
}
