// Package transport holds the UDP endpoint helpers and the packet-conn
// seam the FLUTE components send and receive through.
package transport

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Defaults for the ALC multicast session.
const (
	DefaultMulticastGroup = "238.1.1.95"
	DefaultPort           = 40085
	DefaultTTL            = 2
	DefaultMTU            = 1500
)

// UDPEndpoint names one side of an ALC session.
type UDPEndpoint struct {
	// SourceAddress optionally pins the local interface address; empty
	// lets the kernel choose.
	SourceAddress string

	// DestinationGroupAddress is the multicast group (or unicast peer).
	DestinationGroupAddress string

	Port uint16
}

func NewUDPEndpoint(src, dest string, port uint16) UDPEndpoint {
	return UDPEndpoint{
		SourceAddress:           src,
		DestinationGroupAddress: dest,
		Port:                    port,
	}
}

// DestAddr returns the "ip:port" destination for net.ResolveUDPAddr.
func (e UDPEndpoint) DestAddr() string {
	return net.JoinHostPort(e.DestinationGroupAddress, strconv.Itoa(int(e.Port)))
}

// BindAddr returns the local listen address string.
func (e UDPEndpoint) BindAddr() string {
	return net.JoinHostPort(e.SourceAddress, strconv.Itoa(int(e.Port)))
}

// ResolveDest resolves the destination as a *net.UDPAddr.
func (e UDPEndpoint) ResolveDest() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", e.DestAddr())
}

// IsIPv6 reports whether the destination is an IPv6 group.
func (e UDPEndpoint) IsIPv6() bool {
	ip := net.ParseIP(e.DestinationGroupAddress)
	return ip != nil && ip.To4() == nil
}

// DialSend opens a UDP socket connected to the endpoint's destination. It
// does not set the multicast TTL: the socket keeps the system default, and
// DefaultTTL is not applied.
func (e UDPEndpoint) DialSend() (*net.UDPConn, error) {
	dest, err := e.ResolveDest()
	if err != nil {
		return nil, errors.Wrap(err, "resolve destination")
	}
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return nil, errors.Wrap(err, "dial udp")
	}
	return conn, nil
}

// ListenReceive opens a UDP socket bound to the endpoint's port and joins
// the multicast group when the destination is one.
func (e UDPEndpoint) ListenReceive() (*net.UDPConn, error) {
	group, err := e.ResolveDest()
	if err != nil {
		return nil, errors.Wrap(err, "resolve group")
	}
	if group.IP.IsMulticast() {
		conn, err := net.ListenMulticastUDP("udp", nil, group)
		if err != nil {
			return nil, errors.Wrap(err, "join multicast group")
		}
		return conn, nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(e.SourceAddress), Port: int(e.Port)})
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	return conn, nil
}
