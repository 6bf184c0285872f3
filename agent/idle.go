package agent

import (
	"runtime"
	"time"

	"github.com/c360/mediadriver/errors"
)

// IdleStrategy decides what to do after an unproductive duty cycle. A
// productive cycle (workCount > 0) resets the strategy.
type IdleStrategy interface {
	Idle(workCount int)
	Reset()
}

// Idle strategy names accepted by NewIdleStrategy.
const (
	IdleBusySpin = "busy-spin"
	IdleYield    = "yield"
	IdleBackoff  = "backoff"
	IdleSleep    = "sleep"
)

// NewIdleStrategy builds a named strategy with its default tuning.
func NewIdleStrategy(name string) (IdleStrategy, error) {
	switch name {
	case IdleBusySpin:
		return BusySpinIdleStrategy{}, nil
	case IdleYield:
		return YieldIdleStrategy{}, nil
	case IdleBackoff, "":
		return NewBackoffIdleStrategy(100, 10, time.Microsecond, time.Millisecond), nil
	case IdleSleep:
		return SleepIdleStrategy{Period: time.Millisecond}, nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agent", "NewIdleStrategy",
			"unknown idle strategy "+name)
	}
}

// BusySpinIdleStrategy never yields the CPU. Lowest latency, one core per
// agent.
type BusySpinIdleStrategy struct{}

func (BusySpinIdleStrategy) Idle(int) {}
func (BusySpinIdleStrategy) Reset()   {}

// YieldIdleStrategy cedes the scheduler slot without sleeping.
type YieldIdleStrategy struct{}

func (YieldIdleStrategy) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}
func (YieldIdleStrategy) Reset() {}

// SleepIdleStrategy parks for a fixed period when idle.
type SleepIdleStrategy struct {
	Period time.Duration
}

func (s SleepIdleStrategy) Idle(workCount int) {
	if workCount == 0 {
		time.Sleep(s.Period)
	}
}
func (SleepIdleStrategy) Reset() {}

// BackoffIdleStrategy spins, then yields, then parks for doubling periods
// up to a maximum. The standard choice when latency matters but burning a
// core per agent does not pay for itself.
type BackoffIdleStrategy struct {
	maxSpins  int
	maxYields int
	minPark   time.Duration
	maxPark   time.Duration

	spins  int
	yields int
	park   time.Duration
}

// NewBackoffIdleStrategy builds a backoff strategy with explicit tuning.
func NewBackoffIdleStrategy(maxSpins, maxYields int, minPark, maxPark time.Duration) *BackoffIdleStrategy {
	return &BackoffIdleStrategy{
		maxSpins:  maxSpins,
		maxYields: maxYields,
		minPark:   minPark,
		maxPark:   maxPark,
	}
}

func (b *BackoffIdleStrategy) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}

	switch {
	case b.spins < b.maxSpins:
		b.spins++
	case b.yields < b.maxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.park == 0 {
			b.park = b.minPark
		}
		time.Sleep(b.park)
		if b.park < b.maxPark {
			b.park *= 2
			if b.park > b.maxPark {
				b.park = b.maxPark
			}
		}
	}
}

func (b *BackoffIdleStrategy) Reset() {
	b.spins = 0
	b.yields = 0
	b.park = 0
}
