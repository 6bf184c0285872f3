package transport

import (
	"net"
	"time"

	"github.com/c360/mediadriver/errors"
)

// MaxUDPPayloadLength bounds receive buffers; the configured MTU must not
// exceed it.
const MaxUDPPayloadLength = 65504

// FrameHandler consumes one received datagram. The buffer is only valid
// for the duration of the call.
type FrameHandler func(buf []byte, src *net.UDPAddr)

// SendChannelEndpoint owns the socket for one outgoing channel. Data and
// setup frames go out through Send; status messages and NAKs from
// receivers come back on the same socket via Poll. All methods are called
// from the sender agent only.
type SendChannelEndpoint struct {
	uri     ChannelURI
	conn    *net.UDPConn
	dest    *net.UDPAddr
	recvBuf []byte
}

// NewSendChannelEndpoint resolves the channel endpoint and opens an
// unconnected socket so multicast feedback from any group member is
// received.
func NewSendChannelEndpoint(uri ChannelURI) (*SendChannelEndpoint, error) {
	dest, err := net.ResolveUDPAddr("udp", uri.Endpoint)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "NewSendChannelEndpoint",
			"resolve endpoint "+uri.Endpoint)
	}

	var local *net.UDPAddr
	if uri.Interface != "" {
		local, err = net.ResolveUDPAddr("udp", net.JoinHostPort(uri.Interface, "0"))
		if err != nil {
			return nil, errors.WrapInvalid(err, "transport", "NewSendChannelEndpoint",
				"resolve interface "+uri.Interface)
		}
	}

	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, errors.WrapFatal(err, "transport", "NewSendChannelEndpoint",
			"open socket for "+uri.String())
	}

	return &SendChannelEndpoint{
		uri:     uri,
		conn:    conn,
		dest:    dest,
		recvBuf: make([]byte, MaxUDPPayloadLength),
	}, nil
}

// URI returns the channel this endpoint serves.
func (e *SendChannelEndpoint) URI() ChannelURI { return e.uri }

// LocalAddr returns the bound source address, used as the receiver-visible
// origin of setup frames.
func (e *SendChannelEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Send transmits one frame to the channel endpoint. A datagram carries at
// most one frame batch; partial sends do not happen on UDP.
func (e *SendChannelEndpoint) Send(buf []byte) (int, error) {
	n, err := e.conn.WriteToUDP(buf, e.dest)
	if err != nil {
		return 0, errors.WrapTransient(err, "transport", "Send", "write to "+e.dest.String())
	}
	return n, nil
}

// Poll performs one non-blocking read for feedback frames (status
// messages, NAKs) and hands each to the handler. Returns the number of
// datagrams processed.
func (e *SendChannelEndpoint) Poll(handler FrameHandler) int {
	return pollOnce(e.conn, e.recvBuf, handler)
}

// Close releases the socket.
func (e *SendChannelEndpoint) Close() error {
	if err := e.conn.Close(); err != nil {
		return errors.Wrap(err, "transport", "Close", "close send endpoint")
	}
	return nil
}

// ReceiveChannelEndpoint owns the bound socket for one subscribed
// channel. Data and setup frames arrive via Poll; status messages and
// NAKs are sent back to the publisher with SendTo. All methods are called
// from the receiver agent only.
type ReceiveChannelEndpoint struct {
	uri     ChannelURI
	conn    *net.UDPConn
	recvBuf []byte
}

// NewReceiveChannelEndpoint binds the endpoint address, joining the group
// when the endpoint is multicast.
func NewReceiveChannelEndpoint(uri ChannelURI) (*ReceiveChannelEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", uri.Endpoint)
	if err != nil {
		return nil, errors.WrapInvalid(err, "transport", "NewReceiveChannelEndpoint",
			"resolve endpoint "+uri.Endpoint)
	}

	var conn *net.UDPConn
	if uri.IsMulticast() {
		var iface *net.Interface
		if uri.Interface != "" {
			iface, err = interfaceForAddress(uri.Interface)
			if err != nil {
				return nil, err
			}
		}
		conn, err = net.ListenMulticastUDP("udp", iface, addr)
	} else {
		conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		return nil, errors.WrapFatal(err, "transport", "NewReceiveChannelEndpoint",
			"bind "+uri.String())
	}

	return &ReceiveChannelEndpoint{
		uri:     uri,
		conn:    conn,
		recvBuf: make([]byte, MaxUDPPayloadLength),
	}, nil
}

// URI returns the channel this endpoint serves.
func (e *ReceiveChannelEndpoint) URI() ChannelURI { return e.uri }

// LocalAddr returns the bound address.
func (e *ReceiveChannelEndpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Poll performs one non-blocking read and hands the datagram to the
// handler. Returns the number of datagrams processed.
func (e *ReceiveChannelEndpoint) Poll(handler FrameHandler) int {
	return pollOnce(e.conn, e.recvBuf, handler)
}

// SendTo transmits a control frame (status message or NAK) back to the
// publisher's source address.
func (e *ReceiveChannelEndpoint) SendTo(buf []byte, dst *net.UDPAddr) error {
	if _, err := e.conn.WriteToUDP(buf, dst); err != nil {
		return errors.WrapTransient(err, "transport", "SendTo", "write to "+dst.String())
	}
	return nil
}

// Close releases the socket.
func (e *ReceiveChannelEndpoint) Close() error {
	if err := e.conn.Close(); err != nil {
		return errors.Wrap(err, "transport", "Close", "close receive endpoint")
	}
	return nil
}

// pollOnce does a single zero-deadline read so duty-cycle agents never
// block on the socket.
func pollOnce(conn *net.UDPConn, buf []byte, handler FrameHandler) int {
	if err := conn.SetReadDeadline(time.Now()); err != nil {
		return 0
	}
	n, src, err := conn.ReadFromUDP(buf)
	if err != nil || n == 0 {
		return 0
	}
	handler(buf[:n], src)
	return 1
}

func interfaceForAddress(addr string) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.WrapFatal(err, "transport", "interfaceForAddress", "list interfaces")
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == addr {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "interfaceForAddress",
		"no interface with address "+addr)
}
