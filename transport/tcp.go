package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/go-socks/socks"
)

// DefaultDialTimeout bounds connection establishment when the config leaves
// it zero.
const DefaultDialTimeout = 30 * time.Second

// Config parameterizes a TCP transport.
type Config struct {
	// Peer is the remote endpoint, including an optional SOCKS proxy to
	// dial through.
	Peer peer.Peer

	// Net is the bitcoin network magic used for message framing.
	Net wire.BitcoinNet

	// ProtocolVersion is the wire protocol version used for message
	// encoding. Zero means wire.ProtocolVersion.
	ProtocolVersion uint32

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
}

// TCP speaks the bitcoin wire protocol over a TCP connection, optionally
// through a SOCKS proxy. It decodes inbound messages on a dedicated read
// goroutine and surfaces them, followed by exactly one close notification,
// on its event channel.
type TCP struct {
	cfg Config

	conn net.Conn

	events chan peer.TransportEvent

	// sendMtx serializes writers on the connection.
	sendMtx sync.Mutex

	closed sync.Once
	quit   chan struct{}
	wg     sync.WaitGroup
}

// A TCP transport implements the session's Transport contract.
var _ peer.Transport = (*TCP)(nil)

// New constructs a TCP transport for the given peer.
func New(cfg *Config) *TCP {
	c := *cfg
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = wire.ProtocolVersion
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	return &TCP{
		cfg:    c,
		events: make(chan peer.TransportEvent, 1),
		quit:   make(chan struct{}),
	}
}

// Connect dials the peer and starts the read loop. Dialing goes through the
// peer's SOCKS proxy when one is configured.
func (t *TCP) Connect(ctx context.Context) error {
	addr := t.cfg.Peer.Addr()

	var (
		conn net.Conn
		err  error
	)
	if t.cfg.Peer.Proxy != "" {
		p := &socks.Proxy{Addr: t.cfg.Peer.Proxy}
		conn, err = p.Dial("tcp", addr)
	} else {
		d := net.Dialer{Timeout: t.cfg.DialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}

	t.conn = conn

	log.Debugf("Connected to %v", t.cfg.Peer)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

// Send encodes and writes one message to the connection.
func (t *TCP) Send(msg wire.Message) error {
	t.sendMtx.Lock()
	defer t.sendMtx.Unlock()

	log.Tracef("Sending %s to %v", msg.Command(), t.cfg.Peer)

	return wire.WriteMessage(
		t.conn, msg, t.cfg.ProtocolVersion, t.cfg.Net,
	)
}

// Events returns the inbound event stream. The stream carries decoded
// messages and terminates with a single close notification.
func (t *TCP) Events() <-chan peer.TransportEvent {
	return t.events
}

// Stop closes the connection. The read loop observes the closed socket and
// emits the close notification; when the transport never connected the
// notification is emitted directly.
func (t *TCP) Stop() {
	t.closed.Do(func() {
		close(t.quit)

		if t.conn != nil {
			_ = t.conn.Close()
			return
		}

		t.events <- peer.ConnClosed{}
	})
}

// readLoop decodes messages off the connection until it fails, then emits
// the terminal close notification. Unknown message types are logged and
// skipped rather than treated as fatal.
func (t *TCP) readLoop() {
	defer t.wg.Done()

	for {
		msg, _, err := wire.ReadMessage(
			t.conn, t.cfg.ProtocolVersion, t.cfg.Net,
		)
		if err != nil {
			// A failure after Stop is the expected result of
			// closing the socket locally, not a peer error.
			select {
			case <-t.quit:
				err = nil
			default:
				log.Debugf("Read from %v failed: %v",
					t.cfg.Peer, err)
				t.closed.Do(func() {
					close(t.quit)
					_ = t.conn.Close()
				})
			}

			t.events <- peer.ConnClosed{Err: err}
			return
		}

		t.events <- peer.MsgReceived{Msg: msg}
	}
}
