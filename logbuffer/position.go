package logbuffer

import "math/bits"

// Position is a monotonically non-decreasing 64-bit logical offset into a
// stream's infinite address space. All flow-control, liveness and ordering
// reasoning is expressed in position space, never raw buffer offsets.
type Position = int64

// PositionBitsToShift returns log2 of the term length, used to compose and
// decompose positions. Term length must be a power of two.
func PositionBitsToShift(termLength int32) uint8 {
	return uint8(bits.TrailingZeros32(uint32(termLength)))
}

// ComputePosition composes a position from an active term-id and an offset
// within that term.
func ComputePosition(activeTermID, initialTermID int32, positionBitsToShift uint8, termOffset int32) Position {
	termCount := int64(activeTermID) - int64(initialTermID)
	return (termCount << positionBitsToShift) + int64(termOffset)
}

// ComputeTermBeginPosition is the position of offset zero in the term.
func ComputeTermBeginPosition(activeTermID, initialTermID int32, positionBitsToShift uint8) Position {
	return ComputePosition(activeTermID, initialTermID, positionBitsToShift, 0)
}

// TermIDFromPosition decomposes a position back into its term-id.
func TermIDFromPosition(position Position, initialTermID int32, positionBitsToShift uint8) int32 {
	return initialTermID + int32(position>>positionBitsToShift)
}

// TermOffsetFromPosition decomposes a position back into its term offset.
func TermOffsetFromPosition(position Position, positionBitsToShift uint8) int32 {
	return int32(position & ((1 << positionBitsToShift) - 1))
}
