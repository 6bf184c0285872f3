// Package retransmit tracks outstanding NAKed gaps on the send side and
// schedules their retransmission with jittered delay, de-duplication and a
// token-bucket bandwidth cap so a burst of NAKs from many receivers cannot
// amplify into a retransmission storm.
package retransmit

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/pkg/retry"
)

type actionState int

const (
	// stateDelayed: the gap is registered and waiting out its delay so
	// NAKs arriving from several receivers collapse into one resend.
	stateDelayed actionState = iota
	// stateLingering: the range was just retransmitted; duplicate NAKs
	// for it are ignored until the linger expires.
	stateLingering
)

type gapKey struct {
	termID     int32
	termOffset int32
}

type action struct {
	key      gapKey
	length   int32
	deadline time.Time
	state    actionState
	attempts int
	backoff  *retry.Backoff
}

// Resender sends the requested range back out, re-reading the committed
// immutable bytes directly from the term buffer.
type Resender func(termID, termOffset, length int32)

// Options tunes the handler. Zero values take the defaults below.
type Options struct {
	// DelayPolicy generates the per-gap delay sequence. The first delay
	// is applied before the initial retransmission, later ones between
	// repeat NAK cycles for the same gap.
	DelayPolicy retry.Config
	// LingerTimeout suppresses duplicate NAKs after a retransmission.
	LingerTimeout time.Duration
	// MaxRetransmitsPerSecond caps retransmission actions; bursts up to
	// MaxBurst are allowed.
	MaxRetransmitsPerSecond float64
	MaxBurst                int
	// MaxPending bounds the number of distinct outstanding gaps.
	MaxPending int
}

// Handler is owned by a single sender agent; it is not safe for
// concurrent use.
type Handler struct {
	pending map[gapKey]*action
	opts    Options
	limiter *rate.Limiter
}

// NewHandler creates a retransmit handler with the given options.
func NewHandler(opts Options) *Handler {
	if opts.DelayPolicy.InitialDelay == 0 {
		// The protocol-tuning curve is configurable; the default is a
		// short jittered delay that collapses NAK bursts without
		// adding visible latency.
		opts.DelayPolicy = retry.Config{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
	if opts.LingerTimeout <= 0 {
		opts.LingerTimeout = 40 * time.Millisecond
	}
	if opts.MaxRetransmitsPerSecond <= 0 {
		opts.MaxRetransmitsPerSecond = 1000
	}
	if opts.MaxBurst <= 0 {
		opts.MaxBurst = 64
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 16
	}
	return &Handler{
		pending: make(map[gapKey]*action),
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.MaxRetransmitsPerSecond), opts.MaxBurst),
	}
}

// OnNak registers a gap reported by a receiver. Duplicate NAKs for an
// already-tracked gap are absorbed; over-limit or over-capacity NAKs are
// dropped and the receiver's next NAK cycle retries.
func (h *Handler) OnNak(termID, termOffset, length int32, now time.Time) {
	key := gapKey{termID: termID, termOffset: termOffset}

	if existing, ok := h.pending[key]; ok {
		if existing.state == stateDelayed && length > existing.length {
			existing.length = length
		}
		return
	}

	if len(h.pending) >= h.opts.MaxPending {
		return
	}
	if !h.limiter.AllowN(now, 1) {
		return
	}

	backoff := retry.NewBackoff(h.opts.DelayPolicy)
	h.pending[key] = &action{
		key:      key,
		length:   length,
		deadline: now.Add(backoff.Next()),
		backoff:  backoff,
	}
}

// OnPositionAdvanced drops pending gaps whose whole range lies below a
// position a receiver has confirmed consuming, observed from its status
// messages. Receivers still missing the range will NAK it again.
func (h *Handler) OnPositionAdvanced(position int64, initialTermID int32, positionBits uint8) {
	for key, a := range h.pending {
		end := logbuffer.ComputePosition(key.termID, initialTermID, positionBits, key.termOffset+a.length)
		if end <= position {
			delete(h.pending, key)
		}
	}
}

// PendingCount returns the number of outstanding gaps.
func (h *Handler) PendingCount() int {
	return len(h.pending)
}

// Clear discards all outstanding state, used when the owning publication
// goes away.
func (h *Handler) Clear() {
	clear(h.pending)
}

// Process fires due retransmissions and expires lingers. Returns the
// number of ranges resent, for duty-cycle accounting.
func (h *Handler) Process(now time.Time, resend Resender) int {
	workCount := 0
	for key, a := range h.pending {
		if now.Before(a.deadline) {
			continue
		}
		switch a.state {
		case stateDelayed:
			resend(a.key.termID, a.key.termOffset, a.length)
			a.attempts++
			a.state = stateLingering
			a.deadline = now.Add(h.opts.LingerTimeout)
			workCount++
		case stateLingering:
			delete(h.pending, key)
		}
	}
	return workCount
}
