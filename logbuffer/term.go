package logbuffer

import (
	"sync/atomic"

	"github.com/c360/mediadriver/errors"
)

// TermBuffer is one fixed-size log segment. Producers reserve space with a
// single atomic fetch-and-add on the tail and publish frames by writing the
// frame length last; readers never observe a frame whose length is not yet
// committed. Multiple local producers may claim concurrently without locks.
type TermBuffer struct {
	buf      []byte
	capacity int32
	tail     atomic.Int64 // monotonic within the term, may overshoot capacity
	termID   atomic.Int32
}

// NewTermBuffer wraps a mapped region as a term. Capacity must be a power
// of two; the caller (LogBuffer) validates that.
func NewTermBuffer(buf []byte, termID int32) *TermBuffer {
	t := &TermBuffer{
		buf:      buf,
		capacity: int32(len(buf)),
	}
	t.termID.Store(termID)
	return t
}

// Capacity returns the term length in bytes.
func (t *TermBuffer) Capacity() int32 {
	return t.capacity
}

// TermID returns the term-id currently assigned to this partition.
func (t *TermBuffer) TermID() int32 {
	return t.termID.Load()
}

// TailOffset returns the tail clamped to capacity, which is the offset the
// next claim would start at.
func (t *TermBuffer) TailOffset() int32 {
	tail := t.tail.Load()
	if tail > int64(t.capacity) {
		return t.capacity
	}
	return int32(tail)
}

// Claim atomically reserves space for a frame of payloadLength bytes and
// writes every header field except the length. On success the returned
// claim must be committed or aborted.
//
// When the reservation would run past the end of the term, the remaining
// space is sealed with a pad frame and ErrAdminAction is returned so the
// caller rotates to the next term and retries.
func (t *TermBuffer) Claim(payloadLength int32, flags uint8, sessionID, streamID int32) (BufferClaim, error) {
	frameLength := HeaderLength + payloadLength
	alignedLength := Align(frameLength, FrameAlignment)

	rawTail := t.tail.Add(int64(alignedLength))
	frameOffset := int32(rawTail - int64(alignedLength))

	if rawTail > int64(t.capacity) {
		t.sealRemainder(frameOffset, sessionID, streamID)
		return BufferClaim{}, errors.ErrAdminAction
	}

	termID := t.termID.Load()
	WriteFrameHeader(t.buf, frameOffset, TypeData, flags, frameOffset, sessionID, streamID, termID)
	return BufferClaim{term: t, termID: termID, frameOffset: frameOffset, frameLength: frameLength}, nil
}

// ClaimBlock atomically reserves alignedLength bytes without writing any
// headers, for callers that lay out several frames in one reservation
// (message fragmentation). Returns the base offset and the term-id the
// reservation landed in. Overflow seals the term like Claim.
func (t *TermBuffer) ClaimBlock(alignedLength int32, sessionID, streamID int32) (int32, int32, error) {
	rawTail := t.tail.Add(int64(alignedLength))
	blockOffset := int32(rawTail - int64(alignedLength))

	if rawTail > int64(t.capacity) {
		t.sealRemainder(blockOffset, sessionID, streamID)
		return 0, 0, errors.ErrAdminAction
	}
	return blockOffset, t.termID.Load(), nil
}

// Buffer exposes the raw term storage for block claimers that write their
// own frame headers inside a reservation.
func (t *TermBuffer) Buffer() []byte {
	return t.buf
}

// sealRemainder pads out the space between frameOffset and the end of the
// term. Only the claimer whose reservation straddles the boundary writes
// the pad; later overshooting claimers see frameOffset >= capacity and do
// nothing.
func (t *TermBuffer) sealRemainder(frameOffset, sessionID, streamID int32) {
	if frameOffset >= t.capacity {
		return
	}
	padLength := t.capacity - frameOffset
	WriteFrameHeader(t.buf, frameOffset, TypePad, FlagUnfragmented, frameOffset, sessionID, streamID, t.termID.Load())
	SetFrameLengthOrdered(t.buf, frameOffset, padLength)
}

// WriteFrameAt copies a complete received frame (header and payload) into
// the term at the given offset, committing the length last. Out-of-order
// writes are safe because the offset is derived from the frame's position;
// duplicate writes of identical frames are idempotent.
func (t *TermBuffer) WriteFrameAt(offset int32, frame []byte) error {
	frameLength := int32(len(frame))
	if offset < 0 || offset+Align(frameLength, FrameAlignment) > t.capacity {
		return errors.ErrInsufficientSpace
	}
	if frameLength < HeaderLength {
		return errors.ErrInvalidFrame
	}

	copy(t.buf[offset+FrameLengthOffset+4:], frame[4:])
	SetFrameLengthOrdered(t.buf, offset, frameLength)
	return nil
}

// WritePadAt commits a received pad frame from its header alone. Pads
// travel header-only with the length field carrying the full padded
// range, so only the header is copied and the commit exposes the whole
// range to the rebuild scan.
func (t *TermBuffer) WritePadAt(offset int32, header []byte, frameLength int32) error {
	if len(header) < HeaderLength || frameLength < HeaderLength {
		return errors.ErrInvalidFrame
	}
	if offset < 0 || offset+Align(frameLength, FrameAlignment) > t.capacity {
		return errors.ErrInsufficientSpace
	}

	copy(t.buf[offset+FrameLengthOffset+4:], header[4:HeaderLength])
	SetFrameLengthOrdered(t.buf, offset, frameLength)
	return nil
}

// CommittedBlock returns a view of contiguous committed bytes starting at
// offset, at most maxLength long, ending early at the first uncommitted
// frame. Pad frames are included so receivers can advance past the end of
// a term. The returned slice aliases the term's storage; committed frames
// are immutable so the view is safe to hand to the transport.
func (t *TermBuffer) CommittedBlock(offset, maxLength int32) []byte {
	limit := offset + maxLength
	if limit > t.capacity {
		limit = t.capacity
	}

	scan := offset
	for scan < limit {
		frameLength := FrameLengthVolatile(t.buf, scan)
		if frameLength <= 0 {
			break
		}
		alignedLength := Align(frameLength, FrameAlignment)
		if scan+alignedLength > limit {
			// Frame would exceed the block bound; send it next cycle
			// unless nothing has been gathered yet and it fits the term.
			// Data frames are MTU bounded, but a pad sealing the term can
			// be far larger than any datagram, so an oversized pad goes
			// out as its header alone with the length field carrying the
			// full padded range.
			if scan == offset && scan+alignedLength <= t.capacity {
				if IsPaddingFrame(t.buf, scan) {
					return t.buf[scan : scan+HeaderLength]
				}
				scan += alignedLength
			}
			break
		}
		scan += alignedLength
	}

	if scan == offset {
		return nil
	}
	return t.buf[offset:scan]
}

// ReadFrame returns a view of the committed frame at offset, or nil when
// the frame there has not been committed. Used by the retransmit path to
// re-read immutable frames directly from storage.
func (t *TermBuffer) ReadFrame(offset int32) []byte {
	if offset < 0 || offset >= t.capacity {
		return nil
	}
	frameLength := FrameLengthVolatile(t.buf, offset)
	if frameLength <= 0 || offset+frameLength > t.capacity {
		return nil
	}
	return t.buf[offset : offset+frameLength]
}

// Reset prepares the partition for reuse as a new term: the storage is
// zeroed, the tail rewound, and the term-id published last so concurrent
// claimers cannot use the partition until it is fully clean.
func (t *TermBuffer) Reset(termID int32) {
	clear(t.buf)
	t.tail.Store(0)
	t.termID.Store(termID)
}
