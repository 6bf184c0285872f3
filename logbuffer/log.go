// Package logbuffer implements the term-buffer storage model: fixed-size
// append-only log segments rotated in a ring of three, giving a stream an
// unbounded logical position space over bounded physical storage.
package logbuffer

import (
	"sync/atomic"

	"github.com/c360/mediadriver/errors"
)

// PartitionCount is the number of term buffers in a log. One is active for
// writing, one holds the previous term for late readers and retransmission,
// and one is clean, ready to become the next active term.
const PartitionCount = 3

// MaxTermLength and MinTermLength bound the configurable term size.
const (
	MinTermLength = 64 * 1024
	MaxTermLength = 1024 * 1024 * 1024
)

// Allocator maps raw storage for log buffers. The operating-system-specific
// shared-memory machinery lives behind this interface; the driver treats
// whatever comes back as plain addressable bytes.
type Allocator interface {
	Map(size int) ([]byte, error)
	Unmap(region []byte) error
}

// HeapAllocator backs log buffers with ordinary garbage-collected memory.
// It is the default for single-process deployments and tests.
type HeapAllocator struct{}

// Map allocates a zeroed region of the given size.
func (HeapAllocator) Map(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.ErrInvalidConfig
	}
	return make([]byte, size), nil
}

// Unmap releases the region. For heap memory the collector does the work.
func (HeapAllocator) Unmap([]byte) error {
	return nil
}

// LogBuffer is a rotating set of three term buffers plus metadata, forming
// one logical unbounded stream. At most one partition is active for writes;
// the partition two terms behind the active one is eligible for reuse.
//
// Reuse safety: producers never advance past the flow-control limit, and
// the receiver window is capped at half a term. When term T fills and the
// log rotates, every consumer position is therefore inside term T's second
// half, two full terms past the partition being recycled, so no live reader
// or retransmission can still need those bytes.
type LogBuffer struct {
	partitions    [PartitionCount]*TermBuffer
	regions       [PartitionCount][]byte
	alloc         Allocator
	termLength    int32
	bitsToShift   uint8
	initialTermID int32
	sessionID     int32
	streamID      int32
	activeTermID  atomic.Int32
	closed        atomic.Bool
}

// NewLogBuffer maps three term buffers of termLength bytes each.
// termLength must be a power of two within [MinTermLength, MaxTermLength].
func NewLogBuffer(alloc Allocator, termLength, initialTermID, sessionID, streamID int32) (*LogBuffer, error) {
	if !IsPowerOfTwo(int64(termLength)) || termLength < MinTermLength || termLength > MaxTermLength {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "LogBuffer", "NewLogBuffer",
			"term length must be a power of two within bounds")
	}
	if alloc == nil {
		alloc = HeapAllocator{}
	}

	l := &LogBuffer{
		alloc:         alloc,
		termLength:    termLength,
		bitsToShift:   PositionBitsToShift(termLength),
		initialTermID: initialTermID,
		sessionID:     sessionID,
		streamID:      streamID,
	}
	l.activeTermID.Store(initialTermID)

	for i := 0; i < PartitionCount; i++ {
		region, err := alloc.Map(int(termLength))
		if err != nil {
			l.unmapAll()
			return nil, errors.WrapFatal(err, "LogBuffer", "NewLogBuffer", "mapping term region")
		}
		l.regions[i] = region
		termID := initialTermID + int32(i)
		l.partitions[(int(termID)%PartitionCount+PartitionCount)%PartitionCount] = NewTermBuffer(region, termID)
	}

	return l, nil
}

// TermLength returns the length of each term buffer.
func (l *LogBuffer) TermLength() int32 {
	return l.termLength
}

// InitialTermID returns the term-id of position zero.
func (l *LogBuffer) InitialTermID() int32 {
	return l.initialTermID
}

// SessionID returns the owning stream's session identifier.
func (l *LogBuffer) SessionID() int32 {
	return l.sessionID
}

// StreamID returns the owning stream's identifier.
func (l *LogBuffer) StreamID() int32 {
	return l.streamID
}

// PositionBits returns log2 of the term length for position math.
func (l *LogBuffer) PositionBits() uint8 {
	return l.bitsToShift
}

// ActiveTermID returns the term currently accepting writes.
func (l *LogBuffer) ActiveTermID() int32 {
	return l.activeTermID.Load()
}

// Partition returns the term buffer holding the given term-id, or nil when
// that term has already been recycled or does not exist yet.
func (l *LogBuffer) Partition(termID int32) *TermBuffer {
	p := l.partitions[(int(termID)%PartitionCount+PartitionCount)%PartitionCount]
	if p.TermID() != termID {
		return nil
	}
	return p
}

// Claim reserves space for payloadLength bytes in the active term. When the
// active term is exhausted the log rotates and ErrAdminAction is returned;
// the caller retries and lands in the fresh term. ErrClosed is terminal.
func (l *LogBuffer) Claim(payloadLength int32, flags uint8) (BufferClaim, error) {
	if l.closed.Load() {
		return BufferClaim{}, errors.ErrClosed
	}

	activeTermID := l.activeTermID.Load()
	partition := l.partitions[(int(activeTermID)%PartitionCount+PartitionCount)%PartitionCount]
	if partition.TermID() != activeTermID {
		// Rotation won by another writer is still in progress.
		return BufferClaim{}, errors.ErrAdminAction
	}

	claim, err := partition.Claim(payloadLength, flags, l.sessionID, l.streamID)
	if err != nil {
		l.rotate(activeTermID)
		return BufferClaim{}, err
	}
	return claim, nil
}

// MapTerm forces the partition for termID to hold that term, recycling
// whatever older term occupied its slot. Terms only roll forward; asking
// for a term older than the slot's current occupant returns nil. Used on
// the receive side, where term transitions are driven by arriving frames
// rather than by local claims.
func (l *LogBuffer) MapTerm(termID int32) *TermBuffer {
	p := l.partitions[(int(termID)%PartitionCount+PartitionCount)%PartitionCount]
	current := p.TermID()
	if current == termID {
		return p
	}
	if current > termID {
		return nil
	}
	p.Reset(termID)
	return p
}

// ClaimBlock reserves alignedLength raw bytes in the active term for a
// multi-frame layout, rotating on overflow like Claim. The caller writes
// the frame headers and must commit the first frame's length last so the
// whole block becomes visible atomically.
func (l *LogBuffer) ClaimBlock(alignedLength int32) (*TermBuffer, int32, error) {
	if l.closed.Load() {
		return nil, 0, errors.ErrClosed
	}

	activeTermID := l.activeTermID.Load()
	partition := l.partitions[(int(activeTermID)%PartitionCount+PartitionCount)%PartitionCount]
	if partition.TermID() != activeTermID {
		return nil, 0, errors.ErrAdminAction
	}

	offset, _, err := partition.ClaimBlock(alignedLength, l.sessionID, l.streamID)
	if err != nil {
		l.rotate(activeTermID)
		return nil, 0, err
	}
	return partition, offset, nil
}

// rotate CAS-advances the active term-id. Exactly one writer wins; the
// winner recycles the partition for the incoming term before any claimer
// can use it, because Claim checks the partition's term-id first.
func (l *LogBuffer) rotate(expectedTermID int32) {
	newTermID := expectedTermID + 1
	if !l.activeTermID.CompareAndSwap(expectedTermID, newTermID) {
		return
	}
	partition := l.partitions[(int(newTermID)%PartitionCount+PartitionCount)%PartitionCount]
	if partition.TermID() != newTermID {
		partition.Reset(newTermID)
	}
}

// Position returns the current producer position: the tail of the active
// term expressed in position space.
func (l *LogBuffer) Position() Position {
	for {
		activeTermID := l.activeTermID.Load()
		partition := l.partitions[(int(activeTermID)%PartitionCount+PartitionCount)%PartitionCount]
		tail := partition.TailOffset()
		if l.activeTermID.Load() != activeTermID {
			continue // raced a rotation, re-read
		}
		return ComputePosition(activeTermID, l.initialTermID, l.bitsToShift, tail)
	}
}

// Close marks the log closed for claims. Storage is released by Unmap.
func (l *LogBuffer) Close() {
	l.closed.Store(true)
}

// IsClosed reports whether the log has been closed for claims.
func (l *LogBuffer) IsClosed() bool {
	return l.closed.Load()
}

// Unmap releases the mapped term regions. Callers must ensure no reader or
// writer can still touch the log; the conductor enforces this with the
// linger period.
func (l *LogBuffer) Unmap() error {
	l.closed.Store(true)
	return l.unmapAll()
}

func (l *LogBuffer) unmapAll() error {
	var firstErr error
	for i, region := range l.regions {
		if region == nil {
			continue
		}
		if err := l.alloc.Unmap(region); err != nil && firstErr == nil {
			firstErr = err
		}
		l.regions[i] = nil
	}
	return firstErr
}
