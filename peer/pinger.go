package peer

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	fn "github.com/lightningnetwork/lnd/fn/v2"
)

// ErrPingTimeout is reported when a ping's pong fails to arrive before the
// timeout, or is still outstanding when the next ping interval begins.
var ErrPingTimeout = errors.New("ping timed out")

// PingerConfig is a structure containing various parameters that govern how
// the Pinger behaves.
type PingerConfig struct {
	// NewNonce returns the nonce to package in the next ping. The nonce
	// pairs each pong with the ping that requested it. Defaults to a
	// random nonce.
	NewNonce func() uint64

	// Interval is the duration between attempted pings.
	Interval time.Duration

	// Timeout is the duration we wait before declaring a ping attempt
	// failed.
	Timeout time.Duration

	// SendPing sends the ping out to the peer.
	SendPing func(ping *wire.MsgPing) error

	// OnFailure runs when a pong is late or does not match the
	// outstanding ping. The last known RTT is passed along for the
	// callee's reporting.
	OnFailure func(err error, lastRTT time.Duration)
}

// Pinger manages the keepalive ping/pong lifecycle with a remote peer. We
// assume there is only one ping outstanding at once.
//
// NOTE: Must be constructed with NewPinger.
type Pinger struct {
	cfg *PingerConfig

	// rtt is a rough estimate of the round-trip-time to the peer. To be
	// used atomically.
	rtt atomic.Pointer[time.Duration]

	// lastSend is when the outstanding ping went out, nil when none is
	// outstanding. Owned by the handler goroutine.
	lastSend *time.Time

	// outstanding is the nonce of the awaited pong.
	outstanding fn.Option[uint64]

	pingTicker  *time.Ticker
	pingTimeout *time.Timer

	pongChan chan *wire.MsgPong

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewPinger constructs a Pinger in a valid state. It must be started before
// it does anything useful, though.
func NewPinger(cfg *PingerConfig) *Pinger {
	c := *cfg
	if c.NewNonce == nil {
		c.NewNonce = rand.Uint64
	}

	return &Pinger{
		cfg:         &c,
		outstanding: fn.None[uint64](),
		pongChan:    make(chan *wire.MsgPong, 1),
		quit:        make(chan struct{}),
	}
}

// Start launches the goroutine owned by the pinger.
func (m *Pinger) Start() error {
	m.started.Do(func() {
		m.pingTicker = time.NewTicker(m.cfg.Interval)
		m.pingTimeout = time.NewTimer(0)

		m.wg.Add(1)
		go m.pingHandler()
	})

	return nil
}

// Stop interrupts the goroutine that the pinger owns.
func (m *Pinger) Stop() {
	if m.pingTicker == nil {
		return
	}

	m.stopped.Do(func() {
		close(m.quit)
		m.wg.Wait()

		m.pingTicker.Stop()
		m.pingTimeout.Stop()
	})
}

// ReceivedPong evaluates a pong against the outstanding ping. A pong whose
// nonce violates expectations causes the OnFailure callback to run.
func (m *Pinger) ReceivedPong(msg *wire.MsgPong) {
	select {
	case m.pongChan <- msg:
	case <-m.quit:
	}
}

// RTT returns the last measured round-trip-time, or None before the first
// pong arrived.
func (m *Pinger) RTT() fn.Option[time.Duration] {
	rtt := m.rtt.Load()
	if rtt == nil {
		return fn.None[time.Duration]()
	}

	return fn.Some(*rtt)
}

func (m *Pinger) lastRTT() time.Duration {
	rtt := m.rtt.Load()
	if rtt == nil {
		return 0
	}

	return *rtt
}

// pingHandler is the goroutine enforcing the ping/pong protocol.
func (m *Pinger) pingHandler() {
	defer m.wg.Done()
	defer m.pingTimeout.Stop()

	// Ensure the timeout channel starts out empty.
	if !m.pingTimeout.Stop() {
		<-m.pingTimeout.C
	}

	for {
		select {
		case <-m.pingTicker.C:
			// A new cycle beginning with a ping still outstanding
			// implies the previous one timed out.
			if m.outstanding.IsSome() {
				m.cfg.OnFailure(fmt.Errorf("%w: no pong "+
					"within the ping interval",
					ErrPingTimeout), m.lastRTT())

				m.resetPingState()
			}

			nonce := m.cfg.NewNonce()
			m.setPingState(nonce)

			if err := m.cfg.SendPing(wire.NewMsgPing(nonce)); err != nil {
				m.cfg.OnFailure(err, m.lastRTT())
				m.resetPingState()
			}

		case <-m.pingTimeout.C:
			m.cfg.OnFailure(fmt.Errorf("%w: no pong within %v",
				ErrPingTimeout, m.cfg.Timeout), m.lastRTT())

			m.resetPingState()

		case pong := <-m.pongChan:
			sentAt := m.lastSend

			// An unsolicited pong; let it pass.
			if sentAt == nil {
				continue
			}

			rtt := time.Since(*sentAt)

			if m.outstanding.UnwrapOr(0) != pong.Nonce {
				m.cfg.OnFailure(fmt.Errorf("pong nonce %d "+
					"does not match outstanding ping",
					pong.Nonce), m.lastRTT())

				m.resetPingState()
				continue
			}

			m.rtt.Store(&rtt)
			m.resetPingState()

		case <-m.quit:
			return
		}
	}
}

// setPingState tracks the fields describing the outstanding ping and arms
// its timeout.
func (m *Pinger) setPingState(nonce uint64) {
	t := time.Now()
	m.lastSend = &t
	m.outstanding = fn.Some(nonce)

	m.pingTimeout.Reset(m.cfg.Timeout)
}

// resetPingState clears the bookkeeping of the outstanding ping.
func (m *Pinger) resetPingState() {
	m.lastSend = nil
	m.outstanding = fn.None[uint64]()

	if !m.pingTimeout.Stop() {
		select {
		case <-m.pingTimeout.C:
		default:
		}
	}
}
