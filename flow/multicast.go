package flow

import (
	"time"

	"github.com/c360/mediadriver/protocol"
)

// receiverState tracks one live member of a multicast group. Receivers are
// kept in receipt order so timeout evictions process deterministically.
type receiverState struct {
	receiverID        int64
	lastPosition      int64
	lastPositionPlusW int64
	lastStatusTime    time.Time
}

// minFlowControl is the slowest-receiver strategy: the limit is the
// minimum over all live receivers of (reported position + window). The
// tagged variant only admits receivers carrying the configured group tag.
type minFlowControl struct {
	receivers       []*receiverState
	limit           int64
	receiverTimeout time.Duration
	minGroupSize    int
	tagged          bool
	groupTag        int64
}

func newMinFlowControl(opts Options, tagged bool) *minFlowControl {
	minGroup := opts.MinGroupSize
	if minGroup < 1 {
		minGroup = 1
	}
	return &minFlowControl{
		receiverTimeout: opts.ReceiverTimeout,
		minGroupSize:    minGroup,
		tagged:          tagged,
		groupTag:        opts.GroupTag,
	}
}

func (m *minFlowControl) OnStatusMessage(sm protocol.StatusMessage, initialTermID int32,
	positionBits uint8, now time.Time) int64 {
	if m.tagged && (!sm.HasGroupTag || sm.GroupTag != m.groupTag) {
		// Untagged receivers consume but never govern the limit.
		return m.limit
	}

	position := sm.Position(initialTermID, positionBits)
	windowEdge := position + int64(sm.ReceiverWindow)

	existing := m.find(sm.ReceiverID)
	if existing == nil {
		m.receivers = append(m.receivers, &receiverState{
			receiverID:        sm.ReceiverID,
			lastPosition:      position,
			lastPositionPlusW: windowEdge,
			lastStatusTime:    now,
		})
	} else {
		// Positions are monotonic per receiver; a reordered older
		// status message must not pull the receiver backwards.
		if position > existing.lastPosition {
			existing.lastPosition = position
		}
		if windowEdge > existing.lastPositionPlusW {
			existing.lastPositionPlusW = windowEdge
		}
		existing.lastStatusTime = now
	}

	return m.recomputeLimit()
}

func (m *minFlowControl) OnIdle(now time.Time, _ int64) int64 {
	// Evict in receipt order; each receiver is examined exactly once per
	// idle pass so nothing can be double-evicted.
	live := m.receivers[:0]
	for _, r := range m.receivers {
		if now.Sub(r.lastStatusTime) <= m.receiverTimeout {
			live = append(live, r)
		}
	}
	for i := len(live); i < len(m.receivers); i++ {
		m.receivers[i] = nil
	}
	m.receivers = live

	return m.recomputeLimit()
}

func (m *minFlowControl) HasRequiredReceivers() bool {
	return len(m.receivers) >= m.minGroupSize
}

func (m *minFlowControl) find(receiverID int64) *receiverState {
	for _, r := range m.receivers {
		if r.receiverID == receiverID {
			return r
		}
	}
	return nil
}

// recomputeLimit takes the minimum window edge over the live group and
// clamps it to be non-decreasing: losing the slowest receiver may advance
// the limit but can never retract bytes the sender was already granted.
func (m *minFlowControl) recomputeLimit() int64 {
	if len(m.receivers) < m.minGroupSize {
		return m.limit
	}

	minEdge := int64(0)
	for i, r := range m.receivers {
		if i == 0 || r.lastPositionPlusW < minEdge {
			minEdge = r.lastPositionPlusW
		}
	}
	if minEdge > m.limit {
		m.limit = minEdge
	}
	return m.limit
}
