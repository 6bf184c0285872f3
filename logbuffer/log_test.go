package logbuffer

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	driverrors "github.com/c360/mediadriver/errors"
)

func newTestLog(t *testing.T, initialTermID int32) *LogBuffer {
	t.Helper()
	l, err := NewLogBuffer(HeapAllocator{}, MinTermLength, initialTermID, testSessionID, testStreamID)
	require.NoError(t, err)
	return l
}

func TestNewLogBuffer_ValidatesTermLength(t *testing.T) {
	_, err := NewLogBuffer(HeapAllocator{}, MinTermLength-1, 0, 1, 1)
	assert.Error(t, err)

	_, err = NewLogBuffer(HeapAllocator{}, 12345, 0, 1, 1)
	assert.Error(t, err)

	l, err := NewLogBuffer(nil, MinTermLength, 0, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(MinTermLength), l.TermLength())
}

// offerAll claims, fills and commits one frame, retrying through term
// rotations the way a publication does.
func offerAll(t *testing.T, l *LogBuffer, payload []byte) Position {
	t.Helper()
	for {
		claim, err := l.Claim(int32(len(payload)), FlagUnfragmented)
		if err != nil {
			if errors.Is(err, driverrors.ErrAdminAction) {
				continue
			}
			t.Fatalf("claim: %v", err)
		}
		copy(claim.Buffer(), payload)
		claim.Commit()
		return ComputePosition(claim.TermID(), l.InitialTermID(), l.PositionBits(),
			claim.FrameOffset()+Align(claim.FrameLength(), FrameAlignment))
	}
}

// Term rotation is loss-free: frames spanning several full terms read back
// unchanged and in order, as long as the reader keeps within the window
// the rotation invariant guarantees.
func TestLogBuffer_RotationLossFree(t *testing.T) {
	l := newTestLog(t, 100)

	const payloadLen = 1000
	alignedFrame := Align(HeaderLength+payloadLen, FrameAlignment)
	framesPerTerm := int(MinTermLength / alignedFrame)
	total := framesPerTerm*2 + 10 // spans three terms

	type readFrame struct {
		seq     uint64
		termID  int32
		offset  int32
		payload byte
	}
	var read []readFrame

	readPosition := Position(0)
	consume := func() {
		for {
			termID := TermIDFromPosition(readPosition, l.InitialTermID(), l.PositionBits())
			offset := TermOffsetFromPosition(readPosition, l.PositionBits())
			partition := l.Partition(termID)
			require.NotNil(t, partition, "reader fell behind the rotation window")
			frameLength := FrameLengthVolatile(partition.buf, offset)
			if frameLength <= 0 {
				return
			}
			if !IsPaddingFrame(partition.buf, offset) {
				payload := partition.buf[offset+HeaderLength : offset+frameLength]
				read = append(read, readFrame{
					seq:     binary.LittleEndian.Uint64(payload),
					termID:  termID,
					offset:  offset,
					payload: payload[8],
				})
			}
			readPosition += int64(Align(frameLength, FrameAlignment))
		}
	}

	payload := make([]byte, payloadLen)
	var lastPosition Position
	for i := 0; i < total; i++ {
		binary.LittleEndian.PutUint64(payload, uint64(i))
		for j := 8; j < payloadLen; j++ {
			payload[j] = byte(i)
		}
		pos := offerAll(t, l, payload)
		assert.Greater(t, pos, lastPosition, "position must be monotonic")
		lastPosition = pos
		consume() // reader keeps pace, as flow control guarantees
	}

	require.Len(t, read, total)
	for i, f := range read {
		assert.Equal(t, uint64(i), f.seq, "frame order")
		assert.Equal(t, byte(i), f.payload, "frame content")
	}
	// The stream crossed at least two rotations.
	assert.GreaterOrEqual(t, int(read[len(read)-1].termID), 102)
}

// Exactly one writer wins each rotation race; concurrent producers never
// lose or duplicate a frame across term boundaries.
func TestLogBuffer_ConcurrentRotation(t *testing.T) {
	l := newTestLog(t, 0)

	const (
		producers = 4
		perWriter = 300
		// Payload sized so the stream crosses a term boundary mid-test.
		payloadLen = MinTermLength/64 - HeaderLength
	)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		positions []Position
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload := make([]byte, payloadLen)
			local := make([]Position, 0, perWriter)
			for i := 0; i < perWriter; i++ {
				local = append(local, offerAll(t, l, payload))
			}
			mu.Lock()
			positions = append(positions, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Every claim produced a distinct resulting position.
	seen := make(map[Position]bool, len(positions))
	for _, pos := range positions {
		require.False(t, seen[pos], "duplicate position %d", pos)
		seen[pos] = true
	}
	assert.Len(t, seen, producers*perWriter)
	assert.GreaterOrEqual(t, l.ActiveTermID(), int32(1), "stream must have rotated")
}

func TestLogBuffer_ClaimAfterClose(t *testing.T) {
	l := newTestLog(t, 0)
	l.Close()

	_, err := l.Claim(32, FlagUnfragmented)
	assert.ErrorIs(t, err, driverrors.ErrClosed)
	assert.True(t, l.IsClosed())
	assert.NoError(t, l.Unmap())
}

func TestLogBuffer_PartitionLookup(t *testing.T) {
	l := newTestLog(t, 10)

	assert.NotNil(t, l.Partition(10))
	assert.NotNil(t, l.Partition(11))
	assert.NotNil(t, l.Partition(12))
	// Term 13 does not exist until two rotations recycle term 10's slot.
	assert.Nil(t, l.Partition(13))
	assert.Nil(t, l.Partition(9))
}

func TestPosition_Roundtrip(t *testing.T) {
	const termLength = int32(1 << 20)
	bits := PositionBitsToShift(termLength)
	assert.Equal(t, uint8(20), bits)

	initial := int32(-5)
	for _, tc := range []struct {
		termID int32
		offset int32
	}{
		{-5, 0}, {-5, 4096}, {0, 128}, {7, termLength - 32},
	} {
		pos := ComputePosition(tc.termID, initial, bits, tc.offset)
		assert.Equal(t, tc.termID, TermIDFromPosition(pos, initial, bits))
		assert.Equal(t, tc.offset, TermOffsetFromPosition(pos, bits))
	}

	begin := ComputeTermBeginPosition(-4, initial, bits)
	assert.Equal(t, int64(termLength), begin)
}
