package driver

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/pkg/retry"
	"github.com/c360/mediadriver/protocol"
	"github.com/c360/mediadriver/transport"
)

// Image states.
const (
	imageStateActive int32 = iota
	imageStateLinger
	imageStateClosed
)

// Image is the receive side of one remote publication: a log buffer being
// rebuilt from incoming frames plus the receiver-side protocol state. Data
// handling and timer duties run on the receiver agent; the conductor reads
// the atomic positions and timestamps for liveness decisions.
type Image struct {
	CorrelationID int64
	receiverID    int64

	log           *logbuffer.LogBuffer
	endpoint      *transport.ReceiveChannelEndpoint
	controlAddr   *net.UDPAddr
	window        int32
	positionBits  uint8
	initialTermID int32

	state           atomic.Int32
	hwmPosition     atomic.Int64
	rebuildPosition atomic.Int64
	lastPacketNanos atomic.Int64

	// Receiver-agent state, single-threaded.
	lastSMTime     time.Time
	lastSMPosition int64
	smInterval     time.Duration
	nakBackoff     *retry.Backoff
	nakDeadline    time.Time
	gapStart       int64
	eosPosition    int64
	eosSMSent      bool
	lingerStart    time.Time
	frameBuf       []byte
}

// ImageOptions carries everything resolved from the setup frame plus the
// receiver-side configuration.
type ImageOptions struct {
	CorrelationID int64
	ReceiverID    int64
	SessionID     int32
	StreamID      int32
	InitialTermID int32
	ActiveTermID  int32
	TermLength    int32
	Window        int32
	Endpoint      *transport.ReceiveChannelEndpoint
	ControlAddr   *net.UDPAddr
	SMInterval    time.Duration
	NakDelay      retry.Config
}

// NewImage maps the log buffer and positions it at the active term the
// publisher advertised in its setup frame.
func NewImage(opts ImageOptions, now time.Time) (*Image, error) {
	log, err := logbuffer.NewLogBuffer(nil, opts.TermLength, opts.InitialTermID,
		opts.SessionID, opts.StreamID)
	if err != nil {
		return nil, err
	}

	img := &Image{
		CorrelationID: opts.CorrelationID,
		receiverID:    opts.ReceiverID,
		log:           log,
		endpoint:      opts.Endpoint,
		controlAddr:   opts.ControlAddr,
		window:        opts.Window,
		positionBits:  log.PositionBits(),
		initialTermID: opts.InitialTermID,
		smInterval:    opts.SMInterval,
		nakBackoff:    retry.NewBackoff(opts.NakDelay),
		gapStart:      -1,
		eosPosition:   -1,
		lastSMTime:    now,
		frameBuf:      make([]byte, protocol.SMFrameLength),
	}

	// Joining mid-stream: both positions start at the publisher's current
	// term so the image never NAKs history it was not present for.
	joinPosition := logbuffer.ComputeTermBeginPosition(opts.ActiveTermID, opts.InitialTermID, img.positionBits)
	img.hwmPosition.Store(joinPosition)
	img.rebuildPosition.Store(joinPosition)
	img.lastPacketNanos.Store(now.UnixNano())

	// Map the join term; earlier terms were never received and are never
	// rebuilt, so their slots recycle on demand as the stream advances.
	log.MapTerm(opts.ActiveTermID)

	return img, nil
}

// SessionID returns the remote stream's session identifier.
func (img *Image) SessionID() int32 { return img.log.SessionID() }

// StreamID returns the stream identifier.
func (img *Image) StreamID() int32 { return img.log.StreamID() }

// Position returns the contiguous (rebuilt) position.
func (img *Image) Position() int64 { return img.rebuildPosition.Load() }

// HighWaterMark returns the highest position any received frame reached.
func (img *Image) HighWaterMark() int64 { return img.hwmPosition.Load() }

// LastPacketTime returns the arrival time of the most recent frame.
func (img *Image) LastPacketTime() time.Time {
	return time.Unix(0, img.lastPacketNanos.Load())
}

// IsEndOfStream reports whether the publisher signalled end-of-stream and
// the image has rebuilt up to it.
func (img *Image) IsEndOfStream() bool {
	eos := img.eosPosition
	return eos >= 0 && img.rebuildPosition.Load() >= eos
}

// OnDataFrame inserts one received data frame at its term offset. Out of
// order and duplicate arrival are safe; frames for recycled terms or
// beyond the rebuild window are dropped.
func (img *Image) OnDataFrame(h protocol.DataHeader, frame []byte, now time.Time) {
	if img.state.Load() != imageStateActive {
		return
	}
	img.lastPacketNanos.Store(now.UnixNano())

	position := logbuffer.ComputePosition(h.TermID, img.initialTermID, img.positionBits, h.TermOffset)

	if h.IsHeartbeat() {
		// The heartbeat's offset is the sender's tail. Taking it as a
		// high-water-mark candidate means a frame lost at the stream tail
		// still shows up as a gap, with no later data frame needed to
		// reveal it. Bounded to the rebuild range like any frame.
		if position > img.hwmPosition.Load() &&
			position < img.rebuildPosition.Load()+int64(img.log.TermLength()) {
			img.hwmPosition.Store(position)
		}
		if h.IsEndOfStream() {
			img.eosPosition = position
		}
		return
	}

	rebuild := img.rebuildPosition.Load()
	if position < rebuild-int64(img.log.TermLength()) ||
		position >= rebuild+int64(img.log.TermLength()) {
		return
	}

	partition := img.log.Partition(h.TermID)
	if partition == nil {
		if position < rebuild {
			return
		}
		// A frame ahead of the rebuild position in a not-yet-mapped term
		// rolls the ring forward. Flow control bounds the window to half
		// a term, so the recycled slot is two terms behind every live
		// position.
		partition = img.log.MapTerm(h.TermID)
		if partition == nil {
			return
		}
	}
	var writeErr error
	if h.Type == protocol.TypePad {
		// Pads arrive header-only, the length field carrying the full
		// padded range.
		writeErr = partition.WritePadAt(h.TermOffset, frame, h.FrameLength)
	} else {
		writeErr = partition.WriteFrameAt(h.TermOffset, frame)
	}
	if writeErr != nil {
		return
	}

	end := position + int64(logbuffer.Align(h.FrameLength, logbuffer.FrameAlignment))
	if end > img.hwmPosition.Load() {
		img.hwmPosition.Store(end)
	}
	if h.IsEndOfStream() {
		img.eosPosition = end
	}

	img.rebuild()
}

// rebuild advances the contiguous position over committed frames,
// crossing term boundaries through pad frames.
func (img *Image) rebuild() {
	rebuild := img.rebuildPosition.Load()
	hwm := img.hwmPosition.Load()

	for rebuild < hwm {
		termID := logbuffer.TermIDFromPosition(rebuild, img.initialTermID, img.positionBits)
		offset := logbuffer.TermOffsetFromPosition(rebuild, img.positionBits)
		partition := img.log.Partition(termID)
		if partition == nil {
			break
		}
		frameLength := logbuffer.FrameLengthVolatile(partition.Buffer(), offset)
		if frameLength <= 0 {
			break
		}
		rebuild += int64(logbuffer.Align(frameLength, logbuffer.FrameAlignment))
	}
	img.rebuildPosition.Store(rebuild)
}

// Poll runs the image's timer duties: NAK generation for persistent gaps
// and status-message emission on the configured cadence. Returns the
// number of control frames sent.
func (img *Image) Poll(now time.Time) int {
	if img.state.Load() != imageStateActive {
		return 0
	}

	workCount := img.pollNak(now)
	workCount += img.pollStatusMessage(now)
	return workCount
}

func (img *Image) pollNak(now time.Time) int {
	rebuild := img.rebuildPosition.Load()
	hwm := img.hwmPosition.Load()

	if rebuild >= hwm {
		if img.gapStart >= 0 {
			img.gapStart = -1
			img.nakBackoff.Reset()
		}
		return 0
	}

	if img.gapStart != rebuild {
		// New gap: arm the first NAK after a short delay so in-flight
		// reordered frames can fill it without network traffic.
		img.gapStart = rebuild
		img.nakBackoff.Reset()
		img.nakDeadline = now.Add(img.nakBackoff.Next())
		return 0
	}

	if now.Before(img.nakDeadline) {
		return 0
	}

	termID := logbuffer.TermIDFromPosition(rebuild, img.initialTermID, img.positionBits)
	termOffset := logbuffer.TermOffsetFromPosition(rebuild, img.positionBits)
	gapLength := hwm - rebuild
	if maxGap := int64(img.log.TermLength()) - int64(termOffset); gapLength > maxGap {
		gapLength = maxGap
	}

	// The gap ends at the next committed frame, so frames already
	// received beyond it are not re-requested.
	if partition := img.log.Partition(termID); partition != nil {
		buf := partition.Buffer()
		scan := int64(0)
		for scan < gapLength && logbuffer.FrameLengthVolatile(buf, termOffset+int32(scan)) <= 0 {
			scan += logbuffer.FrameAlignment
		}
		gapLength = scan
	}

	nak := protocol.NakFrame{
		SessionID:  img.SessionID(),
		StreamID:   img.StreamID(),
		TermID:     termID,
		TermOffset: termOffset,
		Length:     int32(gapLength),
	}
	buf := make([]byte, protocol.NakFrameLength)
	nak.Encode(buf)
	if err := img.endpoint.SendTo(buf, img.controlAddr); err != nil {
		return 0
	}

	img.nakDeadline = now.Add(img.nakBackoff.Next())
	return 1
}

func (img *Image) pollStatusMessage(now time.Time) int {
	rebuild := img.rebuildPosition.Load()

	// Send on cadence, or early once consumption has advanced a quarter
	// window so the publisher's limit keeps moving under load.
	due := now.Sub(img.lastSMTime) >= img.smInterval ||
		rebuild-img.lastSMPosition >= int64(img.window)/4
	eos := img.IsEndOfStream() && !img.eosSMSent
	if !due && !eos {
		return 0
	}

	var flags uint8
	if img.IsEndOfStream() {
		flags |= protocol.FlagSMEndOfStream
		img.eosSMSent = true
	}

	sm := protocol.StatusMessage{
		Flags:                 flags,
		SessionID:             img.SessionID(),
		StreamID:              img.StreamID(),
		ConsumptionTermID:     logbuffer.TermIDFromPosition(rebuild, img.initialTermID, img.positionBits),
		ConsumptionTermOffset: logbuffer.TermOffsetFromPosition(rebuild, img.positionBits),
		ReceiverWindow:        img.window,
		ReceiverID:            img.receiverID,
	}
	n := sm.Encode(img.frameBuf)
	if err := img.endpoint.SendTo(img.frameBuf[:n], img.controlAddr); err != nil {
		return 0
	}

	img.lastSMTime = now
	img.lastSMPosition = rebuild

	if img.IsEndOfStream() && img.state.CompareAndSwap(imageStateActive, imageStateLinger) {
		img.lingerStart = now
	}
	return 1
}

// IsLingering reports whether the image is in its post-EOS linger.
func (img *Image) IsLingering() bool { return img.state.Load() == imageStateLinger }

// close releases the log storage. Conductor-driven, via the receiver.
func (img *Image) close() {
	if img.state.Swap(imageStateClosed) == imageStateClosed {
		return
	}
	_ = img.log.Unmap()
}
