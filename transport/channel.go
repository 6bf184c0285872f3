// Package transport carries frames over UDP. A channel is named by a URI
// of the form aeron:udp?endpoint=host:port|interface=addr|ttl=n; the
// endpoint address decides between unicast and multicast delivery.
package transport

import (
	"net"
	"strconv"
	"strings"

	"github.com/c360/mediadriver/errors"
)

const uriScheme = "aeron:"

// ChannelURI is the parsed form of a channel name. String() reproduces a
// canonical URI usable as a map key.
type ChannelURI struct {
	Media     string
	Endpoint  string // host:port data address
	Interface string // local interface address for multicast
	Control   string // explicit source-control address for multicast SM/NAK traffic
	TTL       int    // multicast TTL, 0 means the OS default
}

// ParseChannelURI parses "aeron:udp?endpoint=host:port|key=value|...".
// Unknown parameter keys are rejected so typos surface at registration
// rather than as silent misconfiguration.
func ParseChannelURI(uri string) (ChannelURI, error) {
	if !strings.HasPrefix(uri, uriScheme) {
		return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
			"channel must start with "+uriScheme+": "+uri)
	}

	rest := uri[len(uriScheme):]
	media, params, _ := strings.Cut(rest, "?")
	if media != "udp" {
		return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
			"unsupported media "+media)
	}

	c := ChannelURI{Media: media}
	if params == "" {
		return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
			"missing endpoint parameter in "+uri)
	}

	for _, param := range strings.Split(params, "|") {
		key, value, found := strings.Cut(param, "=")
		if !found || value == "" {
			return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
				"malformed parameter "+param)
		}
		switch key {
		case "endpoint":
			c.Endpoint = value
		case "interface":
			c.Interface = value
		case "control":
			c.Control = value
		case "ttl":
			ttl, err := strconv.Atoi(value)
			if err != nil || ttl < 0 || ttl > 255 {
				return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
					"invalid ttl "+value)
			}
			c.TTL = ttl
		default:
			return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
				"unknown parameter "+key)
		}
	}

	if c.Endpoint == "" {
		return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
			"missing endpoint parameter in "+uri)
	}
	if _, _, err := net.SplitHostPort(c.Endpoint); err != nil {
		return ChannelURI{}, errors.WrapInvalid(errors.ErrInvalidChannel, "transport", "ParseChannelURI",
			"endpoint must be host:port: "+c.Endpoint)
	}
	return c, nil
}

// IsMulticast reports whether the endpoint address is a multicast group.
func (c ChannelURI) IsMulticast() bool {
	host, _, err := net.SplitHostPort(c.Endpoint)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsMulticast()
}

// String renders the canonical URI form, with parameters in a fixed order.
func (c ChannelURI) String() string {
	var b strings.Builder
	b.WriteString(uriScheme)
	b.WriteString(c.Media)
	b.WriteString("?endpoint=")
	b.WriteString(c.Endpoint)
	if c.Interface != "" {
		b.WriteString("|interface=")
		b.WriteString(c.Interface)
	}
	if c.Control != "" {
		b.WriteString("|control=")
		b.WriteString(c.Control)
	}
	if c.TTL > 0 {
		b.WriteString("|ttl=")
		b.WriteString(strconv.Itoa(c.TTL))
	}
	return b.String()
}
