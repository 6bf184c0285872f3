// Package mediadriver implements a UDP message transport driver: an
// out-of-band daemon that moves publication streams between processes
// over lossy networks with NAK-based reliability and receiver-paced
// flow control.
//
// # Architecture
//
// The driver runs three duty-cycle agents over shared log-buffer
// storage:
//
//   - Conductor: owns all control-plane state. Commands (add/remove
//     publication, add/remove subscription, client keepalive) arrive on
//     a bounded queue; events answer them. Timer duties reclaim the
//     resources of silent clients, expire publication lingers and close
//     dead images.
//   - Sender: moves committed bytes from publication log buffers onto
//     the wire, paces against the flow-control limit, answers NAKs with
//     retransmissions and keeps connections alive with heartbeats.
//   - Receiver: feeds incoming frames into images, rebuilds each
//     stream's contiguous position, NAKs persistent gaps and reports
//     consumption back through status messages.
//
// Threading is configurable: one goroutine per agent, the two network
// agents sharing one, all three sharing one, or caller-driven invoker
// mode.
//
// # Storage
//
// A stream's log is a ring of three fixed-size term buffers. Producers
// reserve space with an atomic fetch-and-add on the term tail and commit
// frames by writing the frame length last, so readers never observe a
// partially written frame. Positions are unbounded: a position is the
// term's index since stream start shifted by the term size, plus the
// offset within the term. The receiver window never exceeds half a term,
// which keeps every live position at least two terms ahead of the
// partition being recycled.
//
// # Wire protocol
//
// Frames are little-endian with fixed layouts: data frames carry the
// in-line term-buffer header onto the wire unchanged, setup frames
// announce stream parameters, status messages report consumption
// position and window, and NAKs name a missing byte range. See the
// protocol package for the exact layouts.
//
// # Control surface
//
// In-process embedders drive the conductor directly through its command
// queue. The control package bridges the same surface onto NATS subjects
// for out-of-process clients, and the metric package exposes Prometheus
// counters for every data-path and control-path action.
package mediadriver
