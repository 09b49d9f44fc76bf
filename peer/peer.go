package peer

import (
	"net"
	"strconv"

	"github.com/btcsuite/btcd/wire"
)

// Peer is the identity of a remote network endpoint. It is an immutable
// value: two Peer values are equal iff they describe the same endpoint,
// regardless of any connection state associated with either. Peer is
// comparable and is used as the key for all peer-indexed maps.
type Peer struct {
	// Host is the IP address or hostname of the remote endpoint.
	Host string

	// Port is the TCP port of the remote endpoint.
	Port uint16

	// Proxy is the optional "host:port" of a SOCKS5 proxy the connection
	// is to be routed through. An empty string means a direct connection.
	Proxy string
}

// New constructs a Peer identity for a directly reachable endpoint.
func New(host string, port uint16) Peer {
	return Peer{Host: host, Port: port}
}

// NewWithProxy constructs a Peer identity routed through the given SOCKS5
// proxy address.
func NewWithProxy(host string, port uint16, proxy string) Peer {
	return Peer{Host: host, Port: port, Proxy: proxy}
}

// Addr returns the dialable "host:port" address of the peer.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// String returns a human readable rendering of the peer identity.
func (p Peer) String() string {
	if p.Proxy != "" {
		return p.Addr() + " (via " + p.Proxy + ")"
	}

	return p.Addr()
}

// HasServices returns true if the advertised service flags carry every flag
// in the wanted set.
func HasServices(have, want wire.ServiceFlag) bool {
	return have&want == want
}
