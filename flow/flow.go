// Package flow implements the sender-side flow-control strategies that
// compute how far a publication may advance ahead of its receivers. The
// strategy set is closed: unicast, multicast-min and multicast-tagged,
// selected by configuration.
package flow

import (
	"time"

	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/protocol"
)

// Strategy names accepted by NewStrategy.
const (
	StrategyUnicast         = "unicast"
	StrategyMulticastMin    = "multicast-min"
	StrategyMulticastTagged = "multicast-tagged"
)

// FlowControl computes the limit position a sender may write up to. All
// methods are called only from the sender/conductor side, never
// concurrently; the resulting limit is published to producers atomically
// by the publication.
type FlowControl interface {
	// OnStatusMessage folds a receiver's reported position into the
	// strategy and returns the new limit. The returned limit never
	// decreases.
	OnStatusMessage(sm protocol.StatusMessage, initialTermID int32, positionBits uint8, now time.Time) int64

	// OnIdle runs timeout-based receiver eviction and returns the
	// possibly advanced limit. Evicting a receiver may only hold or
	// raise the limit.
	OnIdle(now time.Time, senderLimit int64) int64

	// HasRequiredReceivers reports whether enough receivers are live for
	// the publication to count as connected under this strategy.
	HasRequiredReceivers() bool
}

// Options selects and parameterizes a strategy.
type Options struct {
	Strategy        string
	ReceiverTimeout time.Duration // evict a receiver silent for this long
	MinGroupSize    int           // multicast: receivers required before the limit advances
	GroupTag        int64         // multicast-tagged: receivers must carry this tag
}

// NewStrategy builds the configured strategy. Unknown names are an
// invalid-configuration error.
func NewStrategy(opts Options) (FlowControl, error) {
	if opts.ReceiverTimeout <= 0 {
		opts.ReceiverTimeout = 5 * time.Second
	}
	switch opts.Strategy {
	case StrategyUnicast, "":
		return &unicastFlowControl{}, nil
	case StrategyMulticastMin:
		return newMinFlowControl(opts, false), nil
	case StrategyMulticastTagged:
		return newMinFlowControl(opts, true), nil
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "flow", "NewStrategy",
			"unknown flow control strategy "+opts.Strategy)
	}
}

// unicastFlowControl tracks the single receiver of a point-to-point
// channel: the limit is its reported position plus its advertised window.
type unicastFlowControl struct {
	limit     int64
	connected bool
}

func (u *unicastFlowControl) OnStatusMessage(sm protocol.StatusMessage, initialTermID int32,
	positionBits uint8, _ time.Time) int64 {
	u.connected = true
	if limit := sm.Position(initialTermID, positionBits) + int64(sm.ReceiverWindow); limit > u.limit {
		u.limit = limit
	}
	return u.limit
}

func (u *unicastFlowControl) OnIdle(_ time.Time, senderLimit int64) int64 {
	if senderLimit > u.limit {
		u.limit = senderLimit
	}
	return u.limit
}

func (u *unicastFlowControl) HasRequiredReceivers() bool {
	return u.connected
}
