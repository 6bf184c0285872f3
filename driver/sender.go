package driver

import (
	"log/slog"
	"net"
	"time"

	"github.com/c360/mediadriver/errors"
	"github.com/c360/mediadriver/logbuffer"
	"github.com/c360/mediadriver/metric"
	"github.com/c360/mediadriver/pkg/ring"
	"github.com/c360/mediadriver/protocol"
)

// senderCommand moves publications between the conductor and the sender
// duty cycle.
type senderCommand struct {
	op  int // cmdAdd or cmdRemove
	pub *Publication
}

const (
	cmdAdd = iota
	cmdRemove
)

// SenderConfig holds the sender-side cadences.
type SenderConfig struct {
	SetupInterval     time.Duration
	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration
	// StatusPollRatio is the number of send duties per feedback poll.
	StatusPollRatio int
}

// Sender is the duty-cycle agent that moves committed bytes from
// publication log buffers onto the wire and folds receiver feedback back
// into flow control and retransmission.
type Sender struct {
	commands     *ring.Queue[senderCommand]
	publications []*Publication
	cfg          SenderConfig
	metrics      *metric.Metrics
	logger       *slog.Logger
	dutyCount    int
}

// NewSender creates the sender agent. Commands arrive only from the
// conductor goroutine.
func NewSender(cfg SenderConfig, metrics *metric.Metrics, logger *slog.Logger) *Sender {
	if cfg.StatusPollRatio <= 0 {
		cfg.StatusPollRatio = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		commands: ring.New[senderCommand](64),
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger.With("agent", "sender"),
	}
}

// Name implements agent.Agent.
func (s *Sender) Name() string { return "sender" }

// enqueue is called by the conductor to hand a publication over or take
// it back.
func (s *Sender) enqueue(cmd senderCommand) error {
	return s.commands.Offer(cmd)
}

// DoWork implements agent.Agent: drain conductor commands, poll receiver
// feedback, then push data for every publication.
func (s *Sender) DoWork(now time.Time) (int, error) {
	workCount := s.drainCommands()

	s.dutyCount++
	pollFeedback := s.dutyCount%s.cfg.StatusPollRatio == 0

	for _, pub := range s.publications {
		if pollFeedback {
			workCount += s.pollFeedback(pub, now)
		}
		workCount += s.sendData(pub, now)
		if pub.retransmits != nil {
			workCount += pub.retransmits.Process(now, s.resender(pub))
		}
	}
	return workCount, nil
}

func (s *Sender) drainCommands() int {
	return s.commands.Drain(16, func(cmd senderCommand) {
		switch cmd.op {
		case cmdAdd:
			s.publications = append(s.publications, cmd.pub)
		case cmdRemove:
			for i, p := range s.publications {
				if p == cmd.pub {
					s.publications = append(s.publications[:i], s.publications[i+1:]...)
					break
				}
			}
			// The sender owns the socket once a publication is handed
			// over, so final closure happens here, after the last flush.
			cmd.pub.close()
			_ = cmd.pub.endpoint.Close()
		}
	})
}

// pollFeedback reads status messages and NAKs from the publication's
// socket and applies them.
func (s *Sender) pollFeedback(pub *Publication, now time.Time) int {
	workCount := 0
	for i := 0; i < 4; i++ {
		n := pub.endpoint.Poll(func(buf []byte, src *net.UDPAddr) {
			s.onFeedbackFrame(pub, buf, src, now)
		})
		if n == 0 {
			break
		}
		workCount += n
	}

	// Timer side of flow control: receiver eviction and the connection
	// timeout.
	limit := pub.flowControl.OnIdle(now, pub.limit.Load())
	pub.limit.Store(limit)
	connected := pub.flowControl.HasRequiredReceivers() &&
		(pub.lastSMTime.IsZero() || now.Sub(pub.lastSMTime) <= s.cfg.ConnectionTimeout)
	pub.isConnected.Store(connected && !pub.lastSMTime.IsZero())

	return workCount
}

func (s *Sender) onFeedbackFrame(pub *Publication, buf []byte, _ *net.UDPAddr, now time.Time) {
	switch protocol.FrameType(buf) {
	case protocol.TypeSM:
		sm, err := protocol.DecodeStatusMessage(buf)
		if err != nil || sm.SessionID != pub.SessionID() || sm.StreamID != pub.StreamID() {
			return
		}
		s.metrics.StatusMessagesReceived.Inc()
		limit := pub.flowControl.OnStatusMessage(sm, pub.InitialTermID(), pub.log.PositionBits(), now)
		pub.limit.Store(limit)
		pub.isConnected.Store(pub.flowControl.HasRequiredReceivers())
		pub.lastSMTime = now
		if pub.retransmits != nil {
			// A receiver past a pending gap has confirmed holding it.
			pub.retransmits.OnPositionAdvanced(
				sm.Position(pub.InitialTermID(), pub.log.PositionBits()),
				pub.InitialTermID(), pub.log.PositionBits())
		}
		if sm.IsSendSetup() {
			s.sendSetup(pub, now)
		}

	case protocol.TypeNAK:
		nak, err := protocol.DecodeNakFrame(buf)
		if err != nil || nak.SessionID != pub.SessionID() || nak.StreamID != pub.StreamID() {
			return
		}
		s.metrics.NaksReceived.Inc()
		if pub.retransmits != nil {
			pub.retransmits.OnNak(nak.TermID, nak.TermOffset, nak.Length, now)
		}
	}
}

// sendData pushes committed frames between the sent position and the
// flow-control limit, one MTU-bounded block per cycle.
func (s *Sender) sendData(pub *Publication, now time.Time) int {
	if pub.state.Load() == pubStateClosed {
		return 0
	}

	// Until the first status message arrives the publication announces
	// itself with setup frames.
	if pub.lastSMTime.IsZero() {
		if now.Sub(pub.lastSetupTime) >= s.cfg.SetupInterval {
			s.sendSetup(pub, now)
			return 1
		}
		return 0
	}

	limit := pub.limit.Load()
	position := pub.log.Position()
	sendLimit := limit
	if position < sendLimit {
		sendLimit = position
	}

	available := sendLimit - pub.senderPosition
	if available <= 0 {
		if position > limit {
			s.metrics.FlowControlUnderRuns.Inc()
		}
		return s.sendHeartbeat(pub, now)
	}

	termID := logbuffer.TermIDFromPosition(pub.senderPosition, pub.InitialTermID(), pub.log.PositionBits())
	termOffset := logbuffer.TermOffsetFromPosition(pub.senderPosition, pub.log.PositionBits())
	partition := pub.log.Partition(termID)
	if partition == nil {
		return 0
	}

	maxLength := int32(available)
	if maxLength > pub.mtu {
		maxLength = pub.mtu
	}
	block := partition.CommittedBlock(termOffset, maxLength)
	if block == nil {
		return s.sendHeartbeat(pub, now)
	}

	n, err := pub.endpoint.Send(block)
	if err != nil {
		s.metrics.RecordError("sender", errors.Classify(err).String())
		return 0
	}
	if n < len(block) {
		s.metrics.ShortSends.Inc()
	}
	s.metrics.BytesSent.Add(float64(n))

	// A header-only pad view covers its full padded range; everything
	// else advances by the bytes put on the wire.
	advance := int64(len(block))
	if protocol.FrameType(block) == protocol.TypePad {
		advance = int64(logbuffer.Align(protocol.FrameLength(block), logbuffer.FrameAlignment))
	}
	pub.senderPosition += advance
	pub.lastActivity = now
	return 1
}

func (s *Sender) sendHeartbeat(pub *Publication, now time.Time) int {
	connected := pub.isConnected.Load()
	if !connected || now.Sub(pub.lastActivity) < s.cfg.HeartbeatInterval {
		return 0
	}

	termID := logbuffer.TermIDFromPosition(pub.senderPosition, pub.InitialTermID(), pub.log.PositionBits())
	termOffset := logbuffer.TermOffsetFromPosition(pub.senderPosition, pub.log.PositionBits())

	eos := pub.IsDraining() && pub.senderPosition >= pub.log.Position()
	buf := pub.sendBuf[:protocol.DataHeaderLength]
	protocol.EncodeHeartbeat(buf, pub.SessionID(), pub.StreamID(), termID, termOffset, eos)
	if _, err := pub.endpoint.Send(buf); err != nil {
		return 0
	}
	s.metrics.HeartbeatsSent.Inc()
	pub.lastActivity = now
	return 1
}

func (s *Sender) sendSetup(pub *Publication, now time.Time) {
	setup := protocol.SetupFrame{
		TermOffset:    logbuffer.TermOffsetFromPosition(pub.senderPosition, pub.log.PositionBits()),
		SessionID:     pub.SessionID(),
		StreamID:      pub.StreamID(),
		InitialTermID: pub.InitialTermID(),
		ActiveTermID:  pub.log.ActiveTermID(),
		TermLength:    pub.log.TermLength(),
		MTU:           pub.mtu,
		TTL:           int32(pub.channel.TTL),
	}
	buf := pub.sendBuf[:protocol.SetupFrameLength]
	setup.Encode(buf)
	if _, err := pub.endpoint.Send(buf); err != nil {
		s.metrics.RecordError("sender", errors.Classify(err).String())
		return
	}
	s.metrics.SetupFramesSent.Inc()
	pub.lastSetupTime = now
}

// resender re-reads committed frames for a NAKed range and sends them,
// frame by frame, bounded by the range length.
func (s *Sender) resender(pub *Publication) func(termID, termOffset, length int32) {
	return func(termID, termOffset, length int32) {
		partition := pub.log.Partition(termID)
		if partition == nil {
			return
		}
		end := termOffset + length
		for offset := termOffset; offset < end; {
			frame := partition.ReadFrame(offset)
			if frame == nil {
				return
			}
			frameLength := int32(len(frame))
			wire := frame
			if logbuffer.IsPaddingFrame(partition.Buffer(), offset) {
				// Pads travel header-only.
				wire = frame[:logbuffer.HeaderLength]
			}
			if _, err := pub.endpoint.Send(wire); err != nil {
				return
			}
			s.metrics.RetransmitsSent.Inc()
			s.metrics.BytesSent.Add(float64(len(wire)))
			offset += logbuffer.Align(frameLength, logbuffer.FrameAlignment)
		}
	}
}

// OnClose implements agent.Agent. Publications themselves are closed by
// the conductor, which owns their lifecycle.
func (s *Sender) OnClose() {
	for _, pub := range s.publications {
		if pub.endpoint != nil {
			_ = pub.endpoint.Close()
		}
	}
}
