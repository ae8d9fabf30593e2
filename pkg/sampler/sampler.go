package sampler

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Sampler decides, once per trace root, whether the trace is recorded.
// Implementations are safe for concurrent use.
type Sampler interface {
	ShouldSample(ctx context.Context) bool

	// Rate reports the rate currently in effect.
	Rate() int

	Close() error
}

// FixedRate samples every rate-th call.
//   - rate <= 0: never
//   - rate == 1: always
//   - rate > 1: calls rate, 2*rate, ... (counter % rate == 0)
type FixedRate struct {
	rate    int
	counter atomic.Uint64
}

func NewFixedRate(rate int) *FixedRate {
	return &FixedRate{rate: rate}
}

func (f *FixedRate) ShouldSample(_ context.Context) bool {
	switch {
	case f.rate <= 0:
		return false
	case f.rate == 1:
		return true
	}
	return f.counter.Add(1)%uint64(f.rate) == 0
}

func (f *FixedRate) Rate() int {
	return f.rate
}

func (f *FixedRate) Close() error {
	return nil
}

func (f *FixedRate) String() string {
	return fmt.Sprintf("FixedRate{%d}", f.rate)
}
