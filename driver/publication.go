// Package driver assembles the media driver: publications and images over
// the log-buffer storage, the sender and receiver duty cycles, and the
// conductor that owns all control-plane state.
package driver

import (
	"sync/atomic"
	"time"

	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/flow"
	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/retransmit"
	"github.com/c360/mediadriver/transport"
)

// Publication states. Transitions only move forward.
const (
	pubStateActive int32 = iota
	pubStateDraining
	pubStateClosed
)

// Publication is the send side of one stream: a log buffer accepting
// writes from the application plus the sender-side protocol state. Offer
// and TryClaim are safe for concurrent producers; the remaining fields
// are touched only by the sender agent and the conductor.
type Publication struct {
	RegistrationID int64
	ClientID       int64

	log       *logbuffer.LogBuffer
	channel   transport.ChannelURI
	mtu       int32
	maxMsgLen int32

	state       atomic.Int32
	limit       atomic.Int64 // flow-control limit position, written by the sender
	isConnected atomic.Bool

	// Sender-agent state, single-threaded.
	endpoint       *transport.SendChannelEndpoint
	flowControl    flow.FlowControl
	retransmits    *retransmit.Handler
	senderPosition int64
	eosPosition    int64
	lastActivity   time.Time
	lastSetupTime  time.Time
	lastSMTime     time.Time
	sendBuf        []byte

	// Conductor state.
	refCount   int
	drainStart time.Time
}

// PublicationOptions carries everything the conductor resolves before
// creating a publication.
type PublicationOptions struct {
	RegistrationID int64
	ClientID       int64
	Channel        transport.ChannelURI
	StreamID       int32
	SessionID      int32
	InitialTermID  int32
	TermLength     int32
	MTU            int32
	Endpoint       *transport.SendChannelEndpoint
	FlowControl    flow.FlowControl
	Retransmits    *retransmit.Handler
}

// NewPublication maps the log buffer and wires the sender-side state.
func NewPublication(opts PublicationOptions) (*Publication, error) {
	log, err := logbuffer.NewLogBuffer(nil, opts.TermLength, opts.InitialTermID,
		opts.SessionID, opts.StreamID)
	if err != nil {
		return nil, err
	}

	p := &Publication{
		RegistrationID: opts.RegistrationID,
		ClientID:       opts.ClientID,
		log:            log,
		channel:        opts.Channel,
		mtu:            opts.MTU,
		maxMsgLen:      opts.TermLength / 8,
		endpoint:       opts.Endpoint,
		flowControl:    opts.FlowControl,
		retransmits:    opts.Retransmits,
		refCount:       1,
		eosPosition:    -1,
		sendBuf:        make([]byte, opts.MTU),
	}
	p.state.Store(pubStateActive)
	return p, nil
}

// SessionID returns the stream's session identifier.
func (p *Publication) SessionID() int32 { return p.log.SessionID() }

// StreamID returns the stream identifier.
func (p *Publication) StreamID() int32 { return p.log.StreamID() }

// InitialTermID returns the term-id of position zero.
func (p *Publication) InitialTermID() int32 { return p.log.InitialTermID() }

// Channel returns the channel this publication sends on.
func (p *Publication) Channel() transport.ChannelURI { return p.channel }

// Position returns the producer position.
func (p *Publication) Position() logbuffer.Position { return p.log.Position() }

// Limit returns the current flow-control limit position.
func (p *Publication) Limit() int64 { return p.limit.Load() }

// IsConnected reports whether the flow-control strategy currently has the
// receivers it requires.
func (p *Publication) IsConnected() bool { return p.isConnected.Load() }

// maxPayload is the largest payload carried by a single frame.
func (p *Publication) maxPayload() int32 { return p.mtu - logbuffer.HeaderLength }

// Offer appends a message, fragmenting it when it exceeds one MTU. It
// returns the new producer position, or one of the status sentinels:
// ErrNotConnected, ErrBackPressured, ErrAdminAction (retry immediately),
// ErrClosed.
func (p *Publication) Offer(payload []byte) (logbuffer.Position, error) {
	if p.state.Load() != pubStateActive {
		return 0, errors.ErrClosed
	}
	length := int32(len(payload))
	if length > p.maxMsgLen {
		return 0, errors.ErrFrameTooLarge
	}

	if !p.isConnected.Load() {
		return 0, errors.ErrNotConnected
	}
	if p.log.Position()+int64(requiredLength(length, p.maxPayload())) > p.limit.Load() {
		return 0, errors.ErrBackPressured
	}

	if length <= p.maxPayload() {
		claim, err := p.log.Claim(length, logbuffer.FlagUnfragmented)
		if err != nil {
			return 0, err
		}
		copy(claim.Buffer(), payload)
		claim.Commit()
		return p.log.Position(), nil
	}
	return p.offerFragmented(payload)
}

// requiredLength is the aligned storage a message of the given length
// occupies, including every fragment header.
func requiredLength(length, maxPayload int32) int32 {
	if length <= maxPayload {
		return logbuffer.Align(logbuffer.HeaderLength+length, logbuffer.FrameAlignment)
	}
	numFull := length / maxPayload
	remainder := length % maxPayload
	total := numFull * logbuffer.Align(logbuffer.HeaderLength+maxPayload, logbuffer.FrameAlignment)
	if remainder > 0 {
		total += logbuffer.Align(logbuffer.HeaderLength+remainder, logbuffer.FrameAlignment)
	}
	return total
}

// offerFragmented lays all fragments out in one atomic reservation so
// they are contiguous in the term. Trailing fragments are committed
// first; the first fragment's length is stored last with release
// ordering, making the whole message visible atomically.
func (p *Publication) offerFragmented(payload []byte) (logbuffer.Position, error) {
	maxPayload := p.maxPayload()
	total := requiredLength(int32(len(payload)), maxPayload)

	term, blockOffset, err := p.log.ClaimBlock(total)
	if err != nil {
		return 0, err
	}
	buf := term.Buffer()
	termID := term.TermID()

	type frag struct {
		offset  int32
		length  int32 // frame length including header
		payload []byte
		flags   uint8
	}
	frags := make([]frag, 0, int32(len(payload))/maxPayload+1)

	offset := blockOffset
	for consumed := int32(0); consumed < int32(len(payload)); {
		chunk := int32(len(payload)) - consumed
		if chunk > maxPayload {
			chunk = maxPayload
		}
		var flags uint8
		if consumed == 0 {
			flags |= logbuffer.FlagBeginFragment
		}
		if consumed+chunk == int32(len(payload)) {
			flags |= logbuffer.FlagEndFragment
		}
		frags = append(frags, frag{
			offset:  offset,
			length:  logbuffer.HeaderLength + chunk,
			payload: payload[consumed : consumed+chunk],
			flags:   flags,
		})
		offset += logbuffer.Align(logbuffer.HeaderLength+chunk, logbuffer.FrameAlignment)
		consumed += chunk
	}

	for i := len(frags) - 1; i >= 0; i-- {
		f := frags[i]
		logbuffer.WriteFrameHeader(buf, f.offset, logbuffer.TypeData, f.flags,
			f.offset, p.log.SessionID(), p.log.StreamID(), termID)
		copy(buf[f.offset+logbuffer.HeaderLength:], f.payload)
		logbuffer.SetFrameLengthOrdered(buf, f.offset, f.length)
	}
	return p.log.Position(), nil
}

// TryClaim reserves a zero-copy region for a payload of the given length,
// which must fit one MTU. The claim must be committed or aborted promptly;
// an uncommitted claim blocks the sender at its offset.
func (p *Publication) TryClaim(length int32) (logbuffer.BufferClaim, error) {
	if p.state.Load() != pubStateActive {
		return logbuffer.BufferClaim{}, errors.ErrClosed
	}
	if length > p.maxPayload() {
		return logbuffer.BufferClaim{}, errors.ErrFrameTooLarge
	}
	if !p.isConnected.Load() {
		return logbuffer.BufferClaim{}, errors.ErrNotConnected
	}
	if p.log.Position()+int64(requiredLength(length, p.maxPayload())) > p.limit.Load() {
		return logbuffer.BufferClaim{}, errors.ErrBackPressured
	}
	return p.log.Claim(length, logbuffer.FlagUnfragmented)
}

// Drain moves the publication out of ACTIVE: producers are refused, the
// sender keeps flushing what was already committed, and the conductor
// closes the publication once the linger expires.
func (p *Publication) Drain(now time.Time) {
	if p.state.CompareAndSwap(pubStateActive, pubStateDraining) {
		p.drainStart = now
	}
}

// IsDraining reports whether the publication is flushing before close.
func (p *Publication) IsDraining() bool { return p.state.Load() == pubStateDraining }

// close releases the log storage. Conductor-only, after the linger.
func (p *Publication) close() {
	if p.state.Swap(pubStateClosed) == pubStateClosed {
		return
	}
	if p.retransmits != nil {
		p.retransmits.Clear()
	}
	_ = p.log.Unmap()
}
