// Package protocol defines the UDP wire frame formats: data, setup, NAK,
// status-message and heartbeat frames. Layouts are fixed and little-endian
// for protocol-level interoperability; data frames on the wire are exactly
// the in-line term-buffer frames, so the send path never re-encodes
// committed bytes.
package protocol

import (
	"encoding/binary"

	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/logbuffer"
)

// Frame types, shared with the term-buffer header layout.
const (
	TypePad   = logbuffer.TypePad
	TypeData  = logbuffer.TypeData
	TypeNAK   = logbuffer.TypeNAK
	TypeSM    = logbuffer.TypeSM
	TypeErr   = logbuffer.TypeErr
	TypeSetup = logbuffer.TypeSetup
)

// CurrentVersion of all wire frames.
const CurrentVersion = logbuffer.CurrentVersion

// Status-message flags.
const (
	// FlagSMEndOfStream marks the receiver's final status message: the
	// image has consumed the stream to its end and is going away.
	FlagSMEndOfStream uint8 = 0x80
	// FlagSMSendSetup asks the sender to re-send a setup frame.
	FlagSMSendSetup uint8 = 0x40
)

// Frame sizes.
const (
	// DataHeaderLength is the on-wire size of a data frame header, equal
	// to the in-line term-buffer header.
	DataHeaderLength = logbuffer.HeaderLength
	SetupFrameLength = 40
	NakFrameLength   = 28
	SMFrameLength    = 36
	// SMTaggedFrameLength is a status message with the optional trailing
	// group tag used by tagged multicast flow control.
	SMTaggedFrameLength = 44
)

// baseHeader is common to every frame:
//
//	0: frame length (int32)
//	4: version      (uint8)
//	5: flags        (uint8)
//	6: type         (uint16)
const (
	frameLengthOffset = 0
	versionOffset     = 4
	flagsOffset       = 5
	typeOffset        = 6
)

// FrameLength reads the length field of any frame.
func FrameLength(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf[frameLengthOffset:]))
}

// FrameType reads the type field of any frame. The buffer must hold at
// least the base header.
func FrameType(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[typeOffset:])
}

// FrameFlags reads the flags field of any frame.
func FrameFlags(buf []byte) uint8 {
	return buf[flagsOffset]
}

// FrameVersion reads the version field of any frame.
func FrameVersion(buf []byte) uint8 {
	return buf[versionOffset]
}

func putBaseHeader(buf []byte, frameLength int32, flags uint8, frameType uint16) {
	binary.LittleEndian.PutUint32(buf[frameLengthOffset:], uint32(frameLength))
	buf[versionOffset] = CurrentVersion
	buf[flagsOffset] = flags
	binary.LittleEndian.PutUint16(buf[typeOffset:], frameType)
}

func checkFrame(buf []byte, wantType uint16, wantLength int) error {
	if len(buf) < wantLength {
		return errors.ErrInvalidFrame
	}
	if FrameType(buf) != wantType {
		return errors.ErrInvalidFrame
	}
	if int(FrameLength(buf)) < wantLength {
		return errors.ErrInvalidFrame
	}
	return nil
}

// DataHeader is the decoded view of a data (or pad, or heartbeat) frame
// header. A heartbeat is a data frame whose length equals the header alone.
type DataHeader struct {
	FrameLength int32
	Flags       uint8
	Type        uint16
	TermOffset  int32
	SessionID   int32
	StreamID    int32
	TermID      int32
}

// DecodeDataHeader validates and decodes a data or pad frame header.
func DecodeDataHeader(buf []byte) (DataHeader, error) {
	if len(buf) < DataHeaderLength {
		return DataHeader{}, errors.ErrInvalidFrame
	}
	t := FrameType(buf)
	if t != TypeData && t != TypePad {
		return DataHeader{}, errors.ErrInvalidFrame
	}
	// Pad frames travel header-only, so their length field may exceed the
	// datagram; data frames must fit what arrived.
	if FrameLength(buf) < 0 || (t == TypeData && int(FrameLength(buf)) > len(buf)) {
		return DataHeader{}, errors.ErrInvalidFrame
	}
	return DataHeader{
		FrameLength: FrameLength(buf),
		Flags:       FrameFlags(buf),
		Type:        t,
		TermOffset:  int32(binary.LittleEndian.Uint32(buf[logbuffer.TermOffsetOffset:])),
		SessionID:   int32(binary.LittleEndian.Uint32(buf[logbuffer.SessionIDOffset:])),
		StreamID:    int32(binary.LittleEndian.Uint32(buf[logbuffer.StreamIDOffset:])),
		TermID:      int32(binary.LittleEndian.Uint32(buf[logbuffer.TermIDOffset:])),
	}, nil
}

// EncodeHeartbeat writes a zero-length data frame used to keep a
// connection alive and to advertise the sender's current position.
// Returns the encoded length.
func EncodeHeartbeat(buf []byte, sessionID, streamID, termID, termOffset int32, eos bool) int {
	flags := logbuffer.FlagUnfragmented
	if eos {
		flags |= logbuffer.FlagEndOfStream
	}
	putBaseHeader(buf, DataHeaderLength, flags, TypeData)
	binary.LittleEndian.PutUint32(buf[logbuffer.TermOffsetOffset:], uint32(termOffset))
	binary.LittleEndian.PutUint32(buf[logbuffer.SessionIDOffset:], uint32(sessionID))
	binary.LittleEndian.PutUint32(buf[logbuffer.StreamIDOffset:], uint32(streamID))
	binary.LittleEndian.PutUint32(buf[logbuffer.TermIDOffset:], uint32(termID))
	binary.LittleEndian.PutUint64(buf[logbuffer.ReservedValueOffset:], 0)
	return DataHeaderLength
}

// IsHeartbeat reports whether a decoded data header is a heartbeat.
func (h DataHeader) IsHeartbeat() bool {
	return h.Type == TypeData && h.FrameLength == DataHeaderLength
}

// IsEndOfStream reports whether the frame carries the end-of-stream flag.
func (h DataHeader) IsEndOfStream() bool {
	return h.Flags&logbuffer.FlagEndOfStream != 0
}

// SetupFrame announces a new publication to receivers and carries the
// parameters an image needs to allocate and address its log buffer.
//
//	8:  term offset     (int32)
//	12: session id      (int32)
//	16: stream id       (int32)
//	20: initial term id (int32)
//	24: active term id  (int32)
//	28: term length     (int32)
//	32: mtu length      (int32)
//	36: ttl             (int32)
type SetupFrame struct {
	TermOffset    int32
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	MTU           int32
	TTL           int32
}

// Encode writes the setup frame and returns the encoded length.
func (f SetupFrame) Encode(buf []byte) int {
	putBaseHeader(buf, SetupFrameLength, 0, TypeSetup)
	binary.LittleEndian.PutUint32(buf[8:], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(buf[12:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[20:], uint32(f.InitialTermID))
	binary.LittleEndian.PutUint32(buf[24:], uint32(f.ActiveTermID))
	binary.LittleEndian.PutUint32(buf[28:], uint32(f.TermLength))
	binary.LittleEndian.PutUint32(buf[32:], uint32(f.MTU))
	binary.LittleEndian.PutUint32(buf[36:], uint32(f.TTL))
	return SetupFrameLength
}

// DecodeSetupFrame validates and decodes a setup frame.
func DecodeSetupFrame(buf []byte) (SetupFrame, error) {
	if err := checkFrame(buf, TypeSetup, SetupFrameLength); err != nil {
		return SetupFrame{}, err
	}
	return SetupFrame{
		TermOffset:    int32(binary.LittleEndian.Uint32(buf[8:])),
		SessionID:     int32(binary.LittleEndian.Uint32(buf[12:])),
		StreamID:      int32(binary.LittleEndian.Uint32(buf[16:])),
		InitialTermID: int32(binary.LittleEndian.Uint32(buf[20:])),
		ActiveTermID:  int32(binary.LittleEndian.Uint32(buf[24:])),
		TermLength:    int32(binary.LittleEndian.Uint32(buf[28:])),
		MTU:           int32(binary.LittleEndian.Uint32(buf[32:])),
		TTL:           int32(binary.LittleEndian.Uint32(buf[36:])),
	}, nil
}

// NakFrame requests retransmission of a byte range.
//
//	8:  session id  (int32)
//	12: stream id   (int32)
//	16: term id     (int32)
//	20: term offset (int32)
//	24: length      (int32)
type NakFrame struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
	Length     int32
}

// Encode writes the NAK frame and returns the encoded length.
func (f NakFrame) Encode(buf []byte) int {
	putBaseHeader(buf, NakFrameLength, 0, TypeNAK)
	binary.LittleEndian.PutUint32(buf[8:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(f.TermID))
	binary.LittleEndian.PutUint32(buf[20:], uint32(f.TermOffset))
	binary.LittleEndian.PutUint32(buf[24:], uint32(f.Length))
	return NakFrameLength
}

// DecodeNakFrame validates and decodes a NAK frame.
func DecodeNakFrame(buf []byte) (NakFrame, error) {
	if err := checkFrame(buf, TypeNAK, NakFrameLength); err != nil {
		return NakFrame{}, err
	}
	return NakFrame{
		SessionID:  int32(binary.LittleEndian.Uint32(buf[8:])),
		StreamID:   int32(binary.LittleEndian.Uint32(buf[12:])),
		TermID:     int32(binary.LittleEndian.Uint32(buf[16:])),
		TermOffset: int32(binary.LittleEndian.Uint32(buf[20:])),
		Length:     int32(binary.LittleEndian.Uint32(buf[24:])),
	}, nil
}

// StatusMessage reports a receiver's consumption position and window,
// feeding the sender's flow control.
//
//	8:  session id              (int32)
//	12: stream id               (int32)
//	16: consumption term id     (int32)
//	20: consumption term offset (int32)
//	24: receiver window         (int32)
//	28: receiver id             (int64)
//	36: group tag               (int64, optional)
type StatusMessage struct {
	Flags                 uint8
	SessionID             int32
	StreamID              int32
	ConsumptionTermID     int32
	ConsumptionTermOffset int32
	ReceiverWindow        int32
	ReceiverID            int64
	GroupTag              int64
	HasGroupTag           bool
}

// Encode writes the status message and returns the encoded length.
func (f StatusMessage) Encode(buf []byte) int {
	length := int32(SMFrameLength)
	if f.HasGroupTag {
		length = SMTaggedFrameLength
	}
	putBaseHeader(buf, length, f.Flags, TypeSM)
	binary.LittleEndian.PutUint32(buf[8:], uint32(f.SessionID))
	binary.LittleEndian.PutUint32(buf[12:], uint32(f.StreamID))
	binary.LittleEndian.PutUint32(buf[16:], uint32(f.ConsumptionTermID))
	binary.LittleEndian.PutUint32(buf[20:], uint32(f.ConsumptionTermOffset))
	binary.LittleEndian.PutUint32(buf[24:], uint32(f.ReceiverWindow))
	binary.LittleEndian.PutUint64(buf[28:], uint64(f.ReceiverID))
	if f.HasGroupTag {
		binary.LittleEndian.PutUint64(buf[36:], uint64(f.GroupTag))
	}
	return int(length)
}

// DecodeStatusMessage validates and decodes a status message. A frame long
// enough to carry the optional group tag has it decoded as well.
func DecodeStatusMessage(buf []byte) (StatusMessage, error) {
	if err := checkFrame(buf, TypeSM, SMFrameLength); err != nil {
		return StatusMessage{}, err
	}
	sm := StatusMessage{
		Flags:                 FrameFlags(buf),
		SessionID:             int32(binary.LittleEndian.Uint32(buf[8:])),
		StreamID:              int32(binary.LittleEndian.Uint32(buf[12:])),
		ConsumptionTermID:     int32(binary.LittleEndian.Uint32(buf[16:])),
		ConsumptionTermOffset: int32(binary.LittleEndian.Uint32(buf[20:])),
		ReceiverWindow:        int32(binary.LittleEndian.Uint32(buf[24:])),
		ReceiverID:            int64(binary.LittleEndian.Uint64(buf[28:])),
	}
	if FrameLength(buf) >= SMTaggedFrameLength && len(buf) >= SMTaggedFrameLength {
		sm.GroupTag = int64(binary.LittleEndian.Uint64(buf[36:]))
		sm.HasGroupTag = true
	}
	return sm, nil
}

// IsEndOfStream reports whether the receiver signalled end-of-stream.
func (f StatusMessage) IsEndOfStream() bool {
	return f.Flags&FlagSMEndOfStream != 0
}

// IsSendSetup reports whether the receiver is asking for a setup frame.
func (f StatusMessage) IsSendSetup() bool {
	return f.Flags&FlagSMSendSetup != 0
}

// Position returns the consumption position the message reports, given the
// stream's initial term id and position bits.
func (f StatusMessage) Position(initialTermID int32, positionBits uint8) int64 {
	return logbuffer.ComputePosition(f.ConsumptionTermID, initialTermID, positionBits, f.ConsumptionTermOffset)
}
