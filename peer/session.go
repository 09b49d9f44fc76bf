package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// ErrSessionStopped is returned when an operation is attempted on a session
// whose connection has already been torn down.
var ErrSessionStopped = errors.New("session has stopped")

// sendQueueLen bounds the number of outbound payloads buffered between the
// caller and the transport writer.
const sendQueueLen = 16

// DefaultHandshakeTimeout bounds the handshake when the config leaves it
// zero.
const DefaultHandshakeTimeout = 30 * time.Second

// DefaultPingTimeout bounds a keepalive pong when the config enables the
// keepalive but leaves the timeout zero.
const DefaultPingTimeout = 20 * time.Second

// SessionConfig packages the parameters and collaborators a Session needs to
// run one connection's lifecycle.
type SessionConfig struct {
	// Peer is the identity of the remote endpoint.
	Peer Peer

	// Transport is the connection the session drives. The session takes
	// ownership of it from Start onward.
	Transport Transport

	// LocalVersion returns our own identity announcement to open the
	// handshake with.
	LocalVersion func() *wire.MsgVersion

	// HandshakeTimeout bounds how long the session may sit in the
	// initializing state before it is forcibly torn down. This is the one
	// built-in timeout; the completion signals carry none.
	HandshakeTimeout time.Duration

	// Clock is the time source used to record the handshake start.
	Clock clock.Clock

	// PingInterval is the spacing of keepalive pings issued once the
	// handshake completes. Zero disables the keepalive.
	PingInterval time.Duration

	// PingTimeout is how long a keepalive ping may await its pong. Only
	// meaningful with PingInterval set.
	PingTimeout time.Duration

	// OnPayload is invoked for every inbound payload received after the
	// handshake completed, from the session's event goroutine. A slow
	// consumer therefore exerts backpressure on this connection.
	OnPayload func(p Peer, msg wire.Message)

	// OnDisconnect is invoked exactly once when the connection is fully
	// torn down. The local flag reports whether we initiated the
	// teardown.
	OnDisconnect func(p Peer, local bool)
}

// Session runs the connection-handshake protocol and lifecycle state machine
// for a single peer connection. The state value is owned by the session and
// only ever handed out as an immutable snapshot; all mutation happens through
// the pure transition functions under the session's lock.
//
// NOTE: Must be constructed with NewSession.
type Session struct {
	cfg *SessionConfig

	mtx      sync.RWMutex
	state    SessionState
	services wire.ServiceFlag

	sendQueue chan wire.Message

	// pinger runs the keepalive once the handshake completes. Created and
	// torn down by the event goroutine.
	pinger *Pinger

	// connected, initialized and disconnected are one-shot completion
	// signals. Every state query is derived from which of these have
	// resolved; there are no separate booleans to keep in sync. Waiting
	// on them carries no implicit timeout.
	connected    chan struct{}
	initialized  chan struct{}
	disconnected chan struct{}

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewSession constructs a session in the preconnection state.
func NewSession(cfg *SessionConfig) *Session {
	c := *cfg
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}
	if c.PingInterval > 0 && c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}

	return &Session{
		cfg:          &c,
		state:        Preconnection{},
		sendQueue:    make(chan wire.Message, sendQueueLen),
		connected:    make(chan struct{}),
		initialized:  make(chan struct{}),
		disconnected: make(chan struct{}),
		quit:         make(chan struct{}),
	}
}

// Start connects the transport, opens the handshake, and launches the
// goroutines owned by the session. It blocks only for the connection attempt
// itself, not for the handshake.
func (s *Session) Start(ctx context.Context) error {
	var err error
	s.started.Do(func() {
		err = s.start(ctx)
	})

	return err
}

func (s *Session) start(ctx context.Context) error {
	if err := s.cfg.Transport.Connect(ctx); err != nil {
		return fmt.Errorf("unable to connect to %v: %w", s.cfg.Peer,
			err)
	}

	err := s.transition("connect", func(st SessionState) (SessionState,
		error) {

		return Connected(st, s.cfg.Clock.Now())
	})
	if err != nil {
		s.cfg.Transport.Stop()
		return err
	}

	close(s.connected)

	// Open the handshake with our own announcement. The remote end is
	// expected to answer with its version and our acknowledgment.
	if err := s.cfg.Transport.Send(s.cfg.LocalVersion()); err != nil {
		s.cfg.Transport.Stop()
		return fmt.Errorf("unable to send version to %v: %w",
			s.cfg.Peer, err)
	}

	s.wg.Add(2)
	go s.eventLoop()
	go s.sendHandler()

	return nil
}

// Stop requests teardown of the connection and blocks until the transport
// confirms it. Stopping a session that already disconnected is a no-op.
func (s *Session) Stop() {
	s.requestStop()
	s.wg.Wait()
}

// requestStop triggers teardown without waiting for it, safe to call from
// the session's own goroutines.
func (s *Session) requestStop() {
	s.stopped.Do(func() {
		close(s.quit)
	})
}

// Send queues a payload for delivery to the peer.
func (s *Session) Send(msg wire.Message) error {
	select {
	case s.sendQueue <- msg:
		return nil

	case <-s.disconnected:
		return ErrSessionStopped

	case <-s.quit:
		return ErrSessionStopped
	}
}

// Peer returns the identity of the remote endpoint.
func (s *Session) Peer() Peer {
	return s.cfg.Peer
}

// State returns a snapshot of the current lifecycle state.
func (s *Session) State() SessionState {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.state
}

// Services returns the service bitmask the peer advertised during the
// handshake, or zero before initialization completed.
func (s *Session) Services() wire.ServiceFlag {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.services
}

// Connected resolves once the transport reports the connection established.
func (s *Session) Connected() <-chan struct{} {
	return s.connected
}

// Initialized resolves once the handshake completes.
func (s *Session) Initialized() <-chan struct{} {
	return s.initialized
}

// Disconnected resolves once the connection is fully torn down.
func (s *Session) Disconnected() <-chan struct{} {
	return s.disconnected
}

// IsConnected reports whether the connect signal has resolved and the
// disconnect signal has not.
func (s *Session) IsConnected() bool {
	return resolved(s.connected) && !resolved(s.disconnected)
}

// IsInitialized reports whether the handshake signal has resolved and the
// disconnect signal has not.
func (s *Session) IsInitialized() bool {
	return resolved(s.initialized) && !resolved(s.disconnected)
}

// IsDisconnected reports whether the disconnect signal has resolved.
func (s *Session) IsDisconnected() bool {
	return resolved(s.disconnected)
}

// QuerySent moves the session into the waiting state for the given response
// command. It fails with ErrQueryAlreadyOutstanding if a query is already
// awaiting its response.
func (s *Session) QuerySent(expected string) error {
	return s.transition("query", func(st SessionState) (SessionState,
		error) {

		return QuerySent(st, expected)
	})
}

// QueryTimedOut abandons the outstanding query, if any.
func (s *Session) QueryTimedOut() {
	_ = s.transition("query timeout", QueryTimedOut)
}

// ExhaustReconnect marks a remotely disconnected session as no longer
// eligible for reconnection.
func (s *Session) ExhaustReconnect() error {
	return s.transition("reconnect exhausted", ReconnectExhausted)
}

// resolved reports whether a one-shot signal has fired.
func resolved(c <-chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}

// transition applies a pure state transition under the session lock, logging
// the state change. The lock is the single point of mutation; every caller
// goes through here.
func (s *Session) transition(event string,
	f func(SessionState) (SessionState, error)) error {

	s.mtx.Lock()
	old := s.state
	next, err := f(old)
	s.state = next
	s.mtx.Unlock()

	if err != nil {
		return err
	}
	if old != next {
		log.Tracef("Session(%v): %v -> %v on %s", s.cfg.Peer, old,
			next, event)
	}

	return nil
}

// eventLoop owns the inbound side of the connection: handshake enforcement,
// response matching, payload delivery and disconnect classification.
func (s *Session) eventLoop() {
	defer s.wg.Done()

	hsTimer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer hsTimer.Stop()

	for {
		select {
		case ev := <-s.cfg.Transport.Events():
			switch e := ev.(type) {
			case MsgReceived:
				if fatal := s.handleMessage(e.Msg,
					hsTimer); fatal {

					// Tear the connection down; we keep
					// looping until the transport
					// confirms with ConnClosed.
					_ = s.transition(
						"violation", StopRequested,
					)
					s.cfg.Transport.Stop()
				}

			case ConnClosed:
				s.finalize(e.Err)
				return
			}

		case <-hsTimer.C:
			if _, ok := s.State().(Initializing); !ok {
				continue
			}

			log.Warnf("Session(%v): handshake timed out after %v",
				s.cfg.Peer, s.cfg.HandshakeTimeout)

			_ = s.transition("handshake timeout", HandshakeTimedOut)
			s.cfg.Transport.Stop()

		case <-s.quit:
			_ = s.transition("stop", StopRequested)
			s.cfg.Transport.Stop()
			s.awaitClose()
			return
		}
	}
}

// handleMessage processes one inbound payload, returning true if the peer
// committed a violation fatal to the connection.
func (s *Session) handleMessage(msg wire.Message, hsTimer *time.Timer) bool {
	switch m := msg.(type) {
	case *wire.MsgVersion:
		err := s.transition("version", func(
			st SessionState) (SessionState, error) {

			return VersionReceived(st, m)
		})
		if err != nil {
			log.Warnf("Session(%v): %v", s.cfg.Peer, err)
			return true
		}

		// Acknowledge the announcement to complete the remote half of
		// the handshake.
		if err := s.Send(wire.NewMsgVerAck()); err != nil {
			log.Debugf("Session(%v): unable to queue verack: %v",
				s.cfg.Peer, err)
		}

		return false

	case *wire.MsgVerAck:
		err := s.transition("verack", VerAckReceived)
		if err != nil {
			log.Warnf("Session(%v): %v", s.cfg.Peer, err)
			return true
		}

		hsTimer.Stop()

		s.mtx.Lock()
		if st, ok := s.state.(Normal); ok {
			s.services = st.Services
		}
		s.mtx.Unlock()

		log.Debugf("Session(%v): handshake complete, services=%v",
			s.cfg.Peer, s.Services())
		close(s.initialized)

		if s.cfg.PingInterval > 0 {
			s.startPinger()
		}

		return false

	default:
		if !s.IsInitialized() {
			log.Warnf("Session(%v): received %s before handshake "+
				"completed", s.cfg.Peer, msg.Command())
			return true
		}

		// Pongs also feed the keepalive, which matches them against
		// its outstanding nonce.
		if pong, ok := m.(*wire.MsgPong); ok && s.pinger != nil {
			s.pinger.ReceivedPong(pong)
		}

		// Resolve an outstanding query if this payload is the awaited
		// response; any other payload passes through untouched.
		s.mtx.Lock()
		next, matched := ResponseReceived(s.state, msg.Command())
		s.state = next
		s.mtx.Unlock()

		if matched {
			log.Tracef("Session(%v): resolved outstanding query "+
				"with %s", s.cfg.Peer, msg.Command())
		}

		if s.cfg.OnPayload != nil {
			s.cfg.OnPayload(s.cfg.Peer, msg)
		}

		return false
	}
}

// startPinger launches the keepalive for an initialized session. A failed
// ping tears the connection down the same way any other local stop does.
func (s *Session) startPinger() {
	s.pinger = NewPinger(&PingerConfig{
		Interval: s.cfg.PingInterval,
		Timeout:  s.cfg.PingTimeout,
		SendPing: func(ping *wire.MsgPing) error {
			return s.Send(ping)
		},
		OnFailure: func(err error, lastRTT time.Duration) {
			log.Warnf("Session(%v): keepalive failed (last "+
				"rtt=%v): %v", s.cfg.Peer, lastRTT, err)
			s.requestStop()
		},
	})

	if err := s.pinger.Start(); err != nil {
		log.Errorf("Session(%v): unable to start keepalive: %v",
			s.cfg.Peer, err)
	}
}

// sendHandler owns the outbound side of the connection, draining the send
// queue into the transport until the session winds down.
func (s *Session) sendHandler() {
	defer s.wg.Done()

	for {
		select {
		case msg := <-s.sendQueue:
			if err := s.cfg.Transport.Send(msg); err != nil {
				log.Errorf("Session(%v): unable to send %s: "+
					"%v", s.cfg.Peer, msg.Command(), err)
				s.cfg.Transport.Stop()
				return
			}

		case <-s.disconnected:
			return

		case <-s.quit:
			return
		}
	}
}

// awaitClose drains transport events after a local stop request until the
// transport confirms teardown.
func (s *Session) awaitClose() {
	for ev := range s.cfg.Transport.Events() {
		if e, ok := ev.(ConnClosed); ok {
			s.finalize(e.Err)
			return
		}
	}
}

// finalize folds the transport's close notification into the state machine,
// resolves the disconnect signal and notifies the owner. Called exactly once.
func (s *Session) finalize(cause error) {
	// Release any goroutine parked in Send before waiting the keepalive
	// down.
	s.requestStop()
	if s.pinger != nil {
		s.pinger.Stop()
	}

	s.mtx.Lock()
	next, local, _ := TransportClosed(s.state)
	s.state = next
	s.mtx.Unlock()

	if cause != nil {
		log.Debugf("Session(%v): connection closed: %v", s.cfg.Peer,
			cause)
	} else {
		log.Debugf("Session(%v): connection closed (local=%v)",
			s.cfg.Peer, local)
	}

	close(s.disconnected)

	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(s.cfg.Peer, local)
	}
}
