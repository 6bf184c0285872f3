package logbuffer

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Frame header layout. Every frame written into a term buffer carries this
// header in-line, immediately followed by the payload. All fields are
// little-endian on the wire; the in-memory atomic stores below assume a
// little-endian host, which is the only platform class the driver targets.
//
//	0:  frame length  (int32, written last with release ordering)
//	4:  version       (uint8)
//	5:  flags         (uint8)
//	6:  frame type    (uint16)
//	8:  term offset   (int32)
//	12: session id    (int32)
//	16: stream id     (int32)
//	20: term id       (int32)
//	24: reserved      (int64)
//	32: payload
const (
	FrameLengthOffset   = 0
	VersionOffset       = 4
	FlagsOffset         = 5
	TypeOffset          = 6
	TermOffsetOffset    = 8
	SessionIDOffset     = 12
	StreamIDOffset      = 16
	TermIDOffset        = 20
	ReservedValueOffset = 24

	// HeaderLength is the size of the in-line frame header.
	HeaderLength = 32

	// FrameAlignment is the byte alignment of every frame in a term.
	// Claimed lengths are rounded up to this so the frame-length word of
	// the next frame always sits on an aligned address.
	FrameAlignment = 32

	// CurrentVersion of the frame header layout.
	CurrentVersion = 0x01
)

// Frame types shared with the network protocol.
const (
	TypePad   uint16 = 0x00
	TypeData  uint16 = 0x01
	TypeNAK   uint16 = 0x02
	TypeSM    uint16 = 0x03
	TypeErr   uint16 = 0x04
	TypeSetup uint16 = 0x05
)

// Fragment flags. A message that fits one MTU carries both.
const (
	FlagBeginFragment uint8 = 0x80
	FlagEndFragment   uint8 = 0x40
	FlagUnfragmented  uint8 = FlagBeginFragment | FlagEndFragment
	// FlagEndOfStream marks the final frame of a closing publication.
	FlagEndOfStream uint8 = 0x20
)

// Align rounds length up to the next multiple of alignment, which must be
// a power of two.
func Align(length, alignment int32) int32 {
	return (length + alignment - 1) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v int64) bool {
	return v > 0 && v&(v-1) == 0
}

// FrameLengthVolatile reads the frame length at offset with acquire
// ordering. Zero means the frame is claimed but not yet committed.
func FrameLengthVolatile(buf []byte, offset int32) int32 {
	return atomic.LoadInt32((*int32)(unsafe.Pointer(&buf[offset])))
}

// SetFrameLengthOrdered commits a frame by storing its length with release
// ordering. Readers using FrameLengthVolatile observe all header and
// payload bytes written before this store.
func SetFrameLengthOrdered(buf []byte, offset, length int32) {
	atomic.StoreInt32((*int32)(unsafe.Pointer(&buf[offset])), length)
}

// WriteFrameHeader fills every header field except the frame length, which
// stays zero until commit.
func WriteFrameHeader(buf []byte, offset int32, frameType uint16, flags uint8,
	termOffset, sessionID, streamID, termID int32) {
	buf[offset+VersionOffset] = CurrentVersion
	buf[offset+FlagsOffset] = flags
	binary.LittleEndian.PutUint16(buf[offset+TypeOffset:], frameType)
	binary.LittleEndian.PutUint32(buf[offset+TermOffsetOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(buf[offset+SessionIDOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(buf[offset+StreamIDOffset:], uint32(streamID))
	binary.LittleEndian.PutUint32(buf[offset+TermIDOffset:], uint32(termID))
	binary.LittleEndian.PutUint64(buf[offset+ReservedValueOffset:], 0)
}

// FrameType reads the type field of the frame at offset.
func FrameType(buf []byte, offset int32) uint16 {
	return binary.LittleEndian.Uint16(buf[offset+TypeOffset:])
}

// FrameFlags reads the flags field of the frame at offset.
func FrameFlags(buf []byte, offset int32) uint8 {
	return buf[offset+FlagsOffset]
}

// FrameTermOffset reads the term-offset field of the frame at offset.
func FrameTermOffset(buf []byte, offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offset+TermOffsetOffset:]))
}

// FrameSessionID reads the session-id field of the frame at offset.
func FrameSessionID(buf []byte, offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offset+SessionIDOffset:]))
}

// FrameStreamID reads the stream-id field of the frame at offset.
func FrameStreamID(buf []byte, offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offset+StreamIDOffset:]))
}

// FrameTermID reads the term-id field of the frame at offset.
func FrameTermID(buf []byte, offset int32) int32 {
	return int32(binary.LittleEndian.Uint32(buf[offset+TermIDOffset:]))
}

// IsPaddingFrame reports whether the frame at offset is a pad frame.
func IsPaddingFrame(buf []byte, offset int32) bool {
	return FrameType(buf, offset) == TypePad
}
