package retransmit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/mediadriver/pkg/retry"
)

func fixedDelayOpts(delay, linger time.Duration) Options {
	return Options{
		DelayPolicy:   retry.Config{InitialDelay: delay, MaxDelay: delay, Multiplier: 1.0},
		LingerTimeout: linger,
	}
}

type resendRecorder struct {
	calls []struct{ termID, termOffset, length int32 }
}

func (r *resendRecorder) resend(termID, termOffset, length int32) {
	r.calls = append(r.calls, struct{ termID, termOffset, length int32 }{termID, termOffset, length})
}

func TestHandler_DelayedThenFired(t *testing.T) {
	h := NewHandler(fixedDelayOpts(10*time.Millisecond, 40*time.Millisecond))
	rec := &resendRecorder{}

	start := time.Now()
	h.OnNak(5, 1024, 2048, start)
	require.Equal(t, 1, h.PendingCount())

	// Still inside the delay window: nothing fires.
	assert.Equal(t, 0, h.Process(start.Add(5*time.Millisecond), rec.resend))
	assert.Empty(t, rec.calls)

	assert.Equal(t, 1, h.Process(start.Add(10*time.Millisecond), rec.resend))
	require.Len(t, rec.calls, 1)
	assert.Equal(t, int32(5), rec.calls[0].termID)
	assert.Equal(t, int32(1024), rec.calls[0].termOffset)
	assert.Equal(t, int32(2048), rec.calls[0].length)
}

// A single NAK produces exactly one retransmission cycle: duplicates
// arriving before or after the resend are absorbed by the delay and
// linger states.
func TestHandler_SingleRetransmissionPerNakCycle(t *testing.T) {
	h := NewHandler(fixedDelayOpts(10*time.Millisecond, 40*time.Millisecond))
	rec := &resendRecorder{}

	start := time.Now()
	h.OnNak(5, 1024, 1024, start)
	h.OnNak(5, 1024, 1024, start.Add(time.Millisecond))
	h.OnNak(5, 1024, 1024, start.Add(2*time.Millisecond))
	assert.Equal(t, 1, h.PendingCount())

	h.Process(start.Add(10*time.Millisecond), rec.resend)
	require.Len(t, rec.calls, 1)

	// A duplicate NAK during the linger is suppressed.
	h.OnNak(5, 1024, 1024, start.Add(20*time.Millisecond))
	h.Process(start.Add(30*time.Millisecond), rec.resend)
	assert.Len(t, rec.calls, 1)

	// Once the linger expires the record is dropped and a fresh NAK
	// starts a new cycle.
	h.Process(start.Add(50*time.Millisecond), rec.resend)
	assert.Equal(t, 0, h.PendingCount())

	h.OnNak(5, 1024, 1024, start.Add(60*time.Millisecond))
	h.Process(start.Add(70*time.Millisecond), rec.resend)
	assert.Len(t, rec.calls, 2)
}

func TestHandler_DuplicateNakGrowsLength(t *testing.T) {
	h := NewHandler(fixedDelayOpts(10*time.Millisecond, 40*time.Millisecond))
	rec := &resendRecorder{}

	start := time.Now()
	h.OnNak(5, 1024, 512, start)
	h.OnNak(5, 1024, 4096, start.Add(time.Millisecond))
	require.Equal(t, 1, h.PendingCount())

	h.Process(start.Add(10*time.Millisecond), rec.resend)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, int32(4096), rec.calls[0].length)
}

func TestHandler_PositionAdvanceCancelsRetransmit(t *testing.T) {
	h := NewHandler(fixedDelayOpts(10*time.Millisecond, 40*time.Millisecond))
	rec := &resendRecorder{}

	// 64 KiB terms, initial term-id 5: the gap spans positions 1024-2048.
	start := time.Now()
	h.OnNak(5, 1024, 1024, start)
	require.Equal(t, 1, h.PendingCount())

	// A receiver short of the gap end changes nothing.
	h.OnPositionAdvanced(1536, 5, 16)
	assert.Equal(t, 1, h.PendingCount())

	// At the gap end the range is confirmed held and the resend dropped.
	h.OnPositionAdvanced(2048, 5, 16)
	assert.Equal(t, 0, h.PendingCount())

	h.Process(start.Add(time.Second), rec.resend)
	assert.Empty(t, rec.calls)
}

func TestHandler_TokenBucketDropsExcessNaks(t *testing.T) {
	h := NewHandler(Options{
		DelayPolicy:             retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0},
		MaxRetransmitsPerSecond: 1,
		MaxBurst:                2,
		MaxPending:              16,
	})

	now := time.Now()
	h.OnNak(5, 0, 1024, now)
	h.OnNak(5, 1024, 1024, now)
	h.OnNak(5, 2048, 1024, now)
	assert.Equal(t, 2, h.PendingCount(), "third NAK exceeds the burst budget")
}

func TestHandler_MaxPendingBoundsTrackedGaps(t *testing.T) {
	h := NewHandler(Options{
		DelayPolicy: retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0},
		MaxPending:  2,
	})

	now := time.Now()
	h.OnNak(5, 0, 1024, now)
	h.OnNak(5, 1024, 1024, now)
	h.OnNak(5, 2048, 1024, now)
	assert.Equal(t, 2, h.PendingCount())
}

func TestHandler_ClearDropsEverything(t *testing.T) {
	h := NewHandler(fixedDelayOpts(time.Millisecond, time.Millisecond))

	now := time.Now()
	h.OnNak(5, 0, 1024, now)
	h.OnNak(6, 0, 1024, now)
	require.Equal(t, 2, h.PendingCount())

	h.Clear()
	assert.Equal(t, 0, h.PendingCount())
}

func TestHandler_JitteredDelayStaysInBounds(t *testing.T) {
	h := NewHandler(Options{
		DelayPolicy: retry.Config{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   1.0,
			AddJitter:    true,
		},
	})
	rec := &resendRecorder{}

	start := time.Now()
	h.OnNak(5, 0, 1024, start)

	// Jitter adds at most a quarter of the base delay.
	assert.Equal(t, 0, h.Process(start.Add(9*time.Millisecond), rec.resend))
	assert.Equal(t, 1, h.Process(start.Add(13*time.Millisecond), rec.resend))
}
