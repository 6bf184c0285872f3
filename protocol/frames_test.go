package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/logbuffer"
)

func TestSetupFrame_WireLayout(t *testing.T) {
	f := SetupFrame{
		TermOffset:    4096,
		SessionID:     -2,
		StreamID:      1001,
		InitialTermID: -100,
		ActiveTermID:  -98,
		TermLength:    1 << 16,
		MTU:           1408,
		TTL:           8,
	}

	buf := make([]byte, SetupFrameLength)
	n := f.Encode(buf)
	require.Equal(t, SetupFrameLength, n)

	// Fixed byte positions, little-endian.
	assert.Equal(t, byte(SetupFrameLength), buf[0])
	assert.Equal(t, byte(CurrentVersion), buf[4])
	assert.Equal(t, byte(TypeSetup), buf[6])

	got, err := DecodeSetupFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestNakFrame_Roundtrip(t *testing.T) {
	f := NakFrame{SessionID: 7, StreamID: 1001, TermID: 42, TermOffset: 65504, Length: 1024}

	buf := make([]byte, NakFrameLength)
	f.Encode(buf)

	got, err := DecodeNakFrame(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestStatusMessage_PositionAndEOS(t *testing.T) {
	f := StatusMessage{
		Flags:                 FlagSMEndOfStream,
		SessionID:             7,
		StreamID:              1001,
		ConsumptionTermID:     12,
		ConsumptionTermOffset: 2048,
		ReceiverWindow:        1 << 15,
		ReceiverID:            0x1122334455667788,
	}

	buf := make([]byte, SMFrameLength)
	f.Encode(buf)

	got, err := DecodeStatusMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	assert.True(t, got.IsEndOfStream())

	bits := logbuffer.PositionBitsToShift(1 << 16)
	assert.Equal(t, int64(12)<<16+2048, got.Position(0, bits))
	assert.Equal(t, int64(2)<<16+2048, got.Position(10, bits))
}

func TestStatusMessage_GroupTag(t *testing.T) {
	f := StatusMessage{
		SessionID:      7,
		StreamID:       1001,
		ReceiverWindow: 4096,
		ReceiverID:     99,
		GroupTag:       12345,
		HasGroupTag:    true,
	}

	buf := make([]byte, SMTaggedFrameLength)
	n := f.Encode(buf)
	require.Equal(t, SMTaggedFrameLength, n)

	got, err := DecodeStatusMessage(buf)
	require.NoError(t, err)
	assert.True(t, got.HasGroupTag)
	assert.Equal(t, int64(12345), got.GroupTag)

	// An untagged decode of a short frame must not invent a tag.
	short := make([]byte, SMFrameLength)
	StatusMessage{SessionID: 7}.Encode(short)
	got, err = DecodeStatusMessage(short)
	require.NoError(t, err)
	assert.False(t, got.HasGroupTag)
}

func TestDecode_RejectsShortAndMistyped(t *testing.T) {
	buf := make([]byte, SetupFrameLength)
	SetupFrame{}.Encode(buf)

	_, err := DecodeSetupFrame(buf[:10])
	assert.Error(t, err)

	_, err = DecodeNakFrame(buf) // wrong type
	assert.Error(t, err)

	_, err = DecodeStatusMessage(buf) // wrong type
	assert.Error(t, err)
}

func TestHeartbeat_EncodeDecode(t *testing.T) {
	buf := make([]byte, DataHeaderLength)
	n := EncodeHeartbeat(buf, 7, 1001, 42, 512, false)
	require.Equal(t, DataHeaderLength, n)

	h, err := DecodeDataHeader(buf)
	require.NoError(t, err)
	assert.True(t, h.IsHeartbeat())
	assert.False(t, h.IsEndOfStream())
	assert.Equal(t, int32(7), h.SessionID)
	assert.Equal(t, int32(1001), h.StreamID)
	assert.Equal(t, int32(42), h.TermID)
	assert.Equal(t, int32(512), h.TermOffset)

	EncodeHeartbeat(buf, 7, 1001, 42, 512, true)
	h, err = DecodeDataHeader(buf)
	require.NoError(t, err)
	assert.True(t, h.IsEndOfStream())
}

// A committed term frame decodes unchanged as a wire data header: the send
// path relies on the two layouts being identical.
func TestDataHeader_MatchesTermFrame(t *testing.T) {
	term := logbuffer.NewTermBuffer(make([]byte, logbuffer.MinTermLength), 42)
	claim, err := term.Claim(64, logbuffer.FlagUnfragmented, 7, 1001)
	require.NoError(t, err)
	claim.Commit()

	frame := term.ReadFrame(0)
	require.NotNil(t, frame)

	h, err := DecodeDataHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(logbuffer.HeaderLength+64), h.FrameLength)
	assert.Equal(t, uint16(TypeData), h.Type)
	assert.Equal(t, int32(7), h.SessionID)
	assert.Equal(t, int32(1001), h.StreamID)
	assert.Equal(t, int32(42), h.TermID)
	assert.Equal(t, int32(0), h.TermOffset)
	assert.False(t, h.IsHeartbeat())
}
