package driver

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/pkg/retry"
	"github.com/c360/mediadriver/protocol"
	"github.com/c360/mediadriver/transport"
)

const (
	testTermLength = int32(logbuffer.MinTermLength)
	testWindow     = int32(16 * 1024)
	testNakDelay   = 10 * time.Millisecond
	testSMInterval = 50 * time.Millisecond
)

// imageFixture wires an image to a loopback endpoint pair: frames fed
// directly into the image, control traffic observed on the sink socket
// standing in for the publisher.
type imageFixture struct {
	img  *Image
	sink *transport.ReceiveChannelEndpoint
}

func newImageFixture(t *testing.T, now time.Time) *imageFixture {
	t.Helper()

	uri, err := transport.ParseChannelURI("aeron:udp?endpoint=127.0.0.1:0")
	require.NoError(t, err)

	endpoint, err := transport.NewReceiveChannelEndpoint(uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = endpoint.Close() })

	sink, err := transport.NewReceiveChannelEndpoint(uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	img, err := NewImage(ImageOptions{
		CorrelationID: 42,
		ReceiverID:    7001,
		SessionID:     9,
		StreamID:      1001,
		InitialTermID: 3,
		ActiveTermID:  3,
		TermLength:    testTermLength,
		Window:        testWindow,
		Endpoint:      endpoint,
		ControlAddr:   sink.LocalAddr(),
		SMInterval:    testSMInterval,
		NakDelay: retry.Config{
			InitialDelay: testNakDelay,
			MaxDelay:     8 * testNakDelay,
			Multiplier:   2.0,
		},
	}, now)
	require.NoError(t, err)
	t.Cleanup(func() { img.close() })

	return &imageFixture{img: img, sink: sink}
}

// feed builds a data frame and hands it to the image as if it arrived
// from the network.
func (f *imageFixture) feed(t *testing.T, termID, termOffset int32, payloadLen int, flags uint8, now time.Time) {
	t.Helper()
	frame := make([]byte, logbuffer.HeaderLength+payloadLen)
	logbuffer.WriteFrameHeader(frame, 0, logbuffer.TypeData, flags,
		termOffset, f.img.SessionID(), f.img.StreamID(), termID)
	logbuffer.SetFrameLengthOrdered(frame, 0, int32(len(frame)))

	h, err := protocol.DecodeDataHeader(frame)
	require.NoError(t, err)
	f.img.OnDataFrame(h, frame, now)
}

// feedHeartbeat hands the image a heartbeat advertising the sender's
// tail at the given offset.
func (f *imageFixture) feedHeartbeat(t *testing.T, termID, termOffset int32, eos bool, now time.Time) {
	t.Helper()
	buf := make([]byte, protocol.DataHeaderLength)
	protocol.EncodeHeartbeat(buf, f.img.SessionID(), f.img.StreamID(), termID, termOffset, eos)

	h, err := protocol.DecodeDataHeader(buf)
	require.NoError(t, err)
	f.img.OnDataFrame(h, buf, now)
}

// feedPad hands the image a header-only pad frame covering padLength
// bytes from the given offset.
func (f *imageFixture) feedPad(t *testing.T, termID, termOffset, padLength int32, now time.Time) {
	t.Helper()
	frame := make([]byte, logbuffer.HeaderLength)
	logbuffer.WriteFrameHeader(frame, 0, logbuffer.TypePad, logbuffer.FlagUnfragmented,
		termOffset, f.img.SessionID(), f.img.StreamID(), termID)
	logbuffer.SetFrameLengthOrdered(frame, 0, padLength)

	h, err := protocol.DecodeDataHeader(frame)
	require.NoError(t, err)
	f.img.OnDataFrame(h, frame, now)
}

// awaitControlFrame polls the sink until a control datagram arrives.
func (f *imageFixture) awaitControlFrame(t *testing.T) []byte {
	t.Helper()
	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.sink.Poll(func(buf []byte, _ *net.UDPAddr) {
			got = append([]byte(nil), buf...)
		})
		if got != nil {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no control frame arrived")
	return nil
}

func (f *imageFixture) assertNoControlFrame(t *testing.T) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	received := f.sink.Poll(func([]byte, *net.UDPAddr) {})
	assert.Zero(t, received)
}

func alignedFrameLength(payloadLen int) int64 {
	return int64(logbuffer.Align(logbuffer.HeaderLength+int32(payloadLen), logbuffer.FrameAlignment))
}

func TestImage_InOrderDelivery(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	f.feed(t, 3, int32(alignedFrameLength(32)), 32, logbuffer.FlagUnfragmented, now)

	want := 2 * alignedFrameLength(32)
	assert.Equal(t, want, f.img.Position())
	assert.Equal(t, want, f.img.HighWaterMark())
}

func TestImage_GapStallsPositionNotHighWaterMark(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	// Skip the frame at offset frameLen: position stalls behind the gap.
	f.feed(t, 3, int32(2*frameLen), 32, logbuffer.FlagUnfragmented, now)

	assert.Equal(t, frameLen, f.img.Position())
	assert.Equal(t, 3*frameLen, f.img.HighWaterMark())

	// Late arrival fills the gap and the position catches up.
	f.feed(t, 3, int32(frameLen), 32, logbuffer.FlagUnfragmented, now)
	assert.Equal(t, 3*frameLen, f.img.Position())
}

func TestImage_NakAfterPersistentGap(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	f.feed(t, 3, int32(2*frameLen), 32, logbuffer.FlagUnfragmented, now)

	// First poll only arms the delay: reordered frames get a chance to
	// fill the gap without any network traffic.
	sent := f.img.Poll(now)
	assert.Zero(t, sent)
	f.assertNoControlFrame(t)

	// Past the deadline the NAK goes out, naming the gap exactly: it ends
	// at the frame already held, which is not re-requested.
	sent = f.img.Poll(now.Add(2 * testNakDelay))
	require.Equal(t, 1, sent)

	nak, err := protocol.DecodeNakFrame(f.awaitControlFrame(t))
	require.NoError(t, err)
	assert.Equal(t, f.img.SessionID(), nak.SessionID)
	assert.Equal(t, f.img.StreamID(), nak.StreamID)
	assert.Equal(t, int32(3), nak.TermID)
	assert.Equal(t, int32(frameLen), nak.TermOffset)
	assert.Equal(t, int32(frameLen), nak.Length)

	// Immediately repolling stays silent: one retransmission request per
	// backoff cycle, not one per duty cycle.
	sent = f.img.Poll(now.Add(2*testNakDelay + time.Millisecond))
	assert.Zero(t, sent)

	// Filling the gap clears the pending NAK state.
	f.feed(t, 3, int32(frameLen), 32, logbuffer.FlagUnfragmented, now)
	sent = f.img.Poll(now.Add(time.Hour))
	if sent > 0 {
		// Only a status message may remain due this far in the future.
		sm, err := protocol.DecodeStatusMessage(f.awaitControlFrame(t))
		require.NoError(t, err)
		assert.Equal(t, f.img.SessionID(), sm.SessionID)
	}
}

// A frame dropped at the stream tail leaves no later data frame to
// reveal it; the publisher's heartbeat must advance the high-water mark
// so the NAK machinery engages.
func TestImage_HeartbeatRevealsTailGap(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	// The frame at offset frameLen is lost; only the heartbeat reports
	// the sender's tail beyond it.
	f.feedHeartbeat(t, 3, int32(2*frameLen), false, now)

	assert.Equal(t, frameLen, f.img.Position())
	assert.Equal(t, 2*frameLen, f.img.HighWaterMark())

	sent := f.img.Poll(now)
	assert.Zero(t, sent)
	sent = f.img.Poll(now.Add(2 * testNakDelay))
	require.Equal(t, 1, sent)

	nak, err := protocol.DecodeNakFrame(f.awaitControlFrame(t))
	require.NoError(t, err)
	assert.Equal(t, int32(frameLen), nak.TermOffset)
	assert.Equal(t, int32(frameLen), nak.Length)

	// The retransmission fills the gap and delivery is whole again.
	f.feed(t, 3, int32(frameLen), 32, logbuffer.FlagUnfragmented, now)
	assert.Equal(t, 2*frameLen, f.img.Position())
}

func TestImage_EndOfStreamHeartbeatAfterTailLoss(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	f.feedHeartbeat(t, 3, int32(2*frameLen), true, now)

	// End-of-stream is not reached while the tail frame is missing.
	assert.False(t, f.img.IsEndOfStream())

	f.feed(t, 3, int32(frameLen), 32, logbuffer.FlagUnfragmented, now)
	assert.True(t, f.img.IsEndOfStream())

	sent := f.img.Poll(now.Add(time.Millisecond))
	require.Equal(t, 1, sent)
	sm, err := protocol.DecodeStatusMessage(f.awaitControlFrame(t))
	require.NoError(t, err)
	assert.True(t, sm.IsEndOfStream())
	assert.True(t, f.img.IsLingering())
}

// A pad sealing the remainder of a term arrives as its header alone;
// committing the full padded range carries the position to the term
// boundary.
func TestImage_PadHeaderAdvancesToTermEnd(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	f.feedPad(t, 3, int32(frameLen), testTermLength-int32(frameLen), now)

	assert.Equal(t, int64(testTermLength), f.img.Position())
	assert.Equal(t, int64(testTermLength), f.img.HighWaterMark())
}

func TestImage_StatusMessageCadence(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)

	f.feed(t, 3, 0, 64, logbuffer.FlagUnfragmented, now)

	// Inside the interval with little consumed: nothing due.
	sent := f.img.Poll(now.Add(testSMInterval / 2))
	assert.Zero(t, sent)

	sent = f.img.Poll(now.Add(testSMInterval))
	require.Equal(t, 1, sent)

	sm, err := protocol.DecodeStatusMessage(f.awaitControlFrame(t))
	require.NoError(t, err)
	assert.Equal(t, f.img.SessionID(), sm.SessionID)
	assert.Equal(t, f.img.StreamID(), sm.StreamID)
	assert.Equal(t, testWindow, sm.ReceiverWindow)
	assert.Equal(t, int64(7001), sm.ReceiverID)
	assert.Equal(t, f.img.Position(), sm.Position(3, logbuffer.PositionBitsToShift(testTermLength)))
}

func TestImage_StatusMessageOnQuarterWindowConsumed(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)

	// Consume more than a quarter window in-order; an SM becomes due even
	// though the cadence interval has not elapsed.
	payload := 1024
	frames := int(int64(testWindow/4)/alignedFrameLength(payload)) + 1
	offset := int32(0)
	for i := 0; i < frames; i++ {
		f.feed(t, 3, offset, payload, logbuffer.FlagUnfragmented, now)
		offset += int32(alignedFrameLength(payload))
	}

	sent := f.img.Poll(now.Add(time.Millisecond))
	assert.Equal(t, 1, sent)
}

func TestImage_EndOfStreamLingers(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)
	frameLen := alignedFrameLength(32)

	f.feed(t, 3, 0, 32, logbuffer.FlagUnfragmented, now)
	f.feed(t, 3, int32(frameLen), 32, logbuffer.FlagUnfragmented|logbuffer.FlagEndOfStream, now)

	require.True(t, f.img.IsEndOfStream())
	assert.False(t, f.img.IsLingering())

	sent := f.img.Poll(now.Add(time.Millisecond))
	require.Equal(t, 1, sent)

	sm, err := protocol.DecodeStatusMessage(f.awaitControlFrame(t))
	require.NoError(t, err)
	assert.True(t, sm.IsEndOfStream())
	assert.True(t, f.img.IsLingering())

	// A lingering image runs no further duties.
	assert.Zero(t, f.img.Poll(now.Add(time.Hour)))
}

func TestImage_DropsFramesOutsideRebuildRange(t *testing.T) {
	now := time.Now()
	f := newImageFixture(t, now)

	// A frame a full term ahead of the rebuild position is dropped rather
	// than recycling a partition a live reader may still need.
	farTermID := int32(3 + logbuffer.PartitionCount)
	f.feed(t, farTermID, 0, 32, logbuffer.FlagUnfragmented, now)

	assert.Equal(t, int64(0), f.img.Position())
	assert.Equal(t, int64(0), f.img.HighWaterMark())
}
