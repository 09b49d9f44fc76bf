package peer

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	fn "github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrProtocolViolation is returned when a peer sends handshake
	// messages out of order, or when a transition is attempted from a
	// state that cannot accept it. The caller decides whether the
	// violation is fatal to the connection.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrQueryAlreadyOutstanding is returned when a query requiring a
	// response is issued while another one is still awaiting its
	// response on the same session.
	ErrQueryAlreadyOutstanding = errors.New("query already outstanding")
)

// SessionState models how far a single connection has progressed from dial to
// teardown. State values are immutable: every transition function returns a
// new value and never mutates its receiver. The set of concrete states is
// sealed within this package.
type SessionState interface {
	fmt.Stringer

	// sessionState is an unexported marker restricting implementations
	// to this package.
	sessionState()
}

// Preconnection is the initial state: no connection has been established yet.
type Preconnection struct{}

// Initializing means the transport is connected and the session is awaiting
// the two required handshake payloads: the remote version announcement and
// its acknowledgment.
type Initializing struct {
	// ConnectedAt is the wall-clock time the transport reported the
	// connection established.
	ConnectedAt time.Time

	// RemoteVersion holds the peer's version announcement once received.
	RemoteVersion fn.Option[*wire.MsgVersion]
}

// Normal means the handshake completed and the session is fully usable. The
// constructor path guarantees both handshake payloads were seen; this is not
// re-checked per message.
type Normal struct {
	// Services is the peer's advertised service bitmask.
	Services wire.ServiceFlag

	// UserAgent is the peer's self-reported software identifier.
	UserAgent string

	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion uint32
}

// Waiting is Normal plus one specific outstanding response being awaited.
// Other inbound payloads are still processed while waiting.
type Waiting struct {
	Normal

	// Expected is the command of the awaited response payload.
	Expected string
}

// InitializedDisconnect means we initiated teardown while still logically
// connected and are awaiting transport confirmation.
type InitializedDisconnect struct{}

// InitializedDisconnectDone means the transport confirmed a teardown that we
// initiated. Terminal; no reconnection is attempted.
type InitializedDisconnectDone struct{}

// Disconnected means the peer closed the connection on us. Terminal for this
// session, but the pool manager may arrange a reconnection.
type Disconnected struct{}

// StoppedReconnect means reconnection attempts were exhausted or explicitly
// suppressed. Terminal; no further dialing.
type StoppedReconnect struct{}

func (Preconnection) sessionState()             {}
func (Initializing) sessionState()              {}
func (Normal) sessionState()                    {}
func (Waiting) sessionState()                   {}
func (InitializedDisconnect) sessionState()     {}
func (InitializedDisconnectDone) sessionState() {}
func (Disconnected) sessionState()              {}
func (StoppedReconnect) sessionState()          {}

func (Preconnection) String() string             { return "Preconnection" }
func (Initializing) String() string              { return "Initializing" }
func (Normal) String() string                    { return "Normal" }
func (s Waiting) String() string                 { return "Waiting(" + s.Expected + ")" }
func (InitializedDisconnect) String() string     { return "InitializedDisconnect" }
func (InitializedDisconnectDone) String() string { return "InitializedDisconnectDone" }
func (Disconnected) String() string              { return "Disconnected" }
func (StoppedReconnect) String() string          { return "StoppedReconnect" }

// IsTerminal returns true for states from which no further transition is
// possible, except Disconnected->StoppedReconnect.
func IsTerminal(s SessionState) bool {
	switch s.(type) {
	case InitializedDisconnectDone, Disconnected, StoppedReconnect:
		return true
	default:
		return false
	}
}

// violation wraps ErrProtocolViolation with the offending event and state.
func violation(event string, s SessionState) error {
	return fmt.Errorf("%w: %s while %v", ErrProtocolViolation, event, s)
}

// Connected transitions Preconnection to Initializing, recording the
// wall-clock start of the handshake. The caller is responsible for arming
// the handshake timer alongside this transition.
func Connected(s SessionState, at time.Time) (SessionState, error) {
	if _, ok := s.(Preconnection); !ok {
		return s, violation("transport connected", s)
	}

	return Initializing{ConnectedAt: at}, nil
}

// VersionReceived records the remote version announcement. Receiving it twice
// is a protocol violation rather than a silent overwrite.
func VersionReceived(s SessionState,
	v *wire.MsgVersion) (SessionState, error) {

	init, ok := s.(Initializing)
	if !ok {
		return s, violation("version message", s)
	}
	if init.RemoteVersion.IsSome() {
		return s, violation("duplicate version message", s)
	}

	init.RemoteVersion = fn.Some(v)

	return init, nil
}

// VerAckReceived completes the handshake. It requires the version
// announcement to have been received first; an acknowledgment arriving
// before it is a protocol violation.
func VerAckReceived(s SessionState) (SessionState, error) {
	init, ok := s.(Initializing)
	if !ok {
		return s, violation("verack message", s)
	}

	v, err := init.RemoteVersion.UnwrapOrErr(
		violation("verack before version message", s),
	)
	if err != nil {
		return s, err
	}

	return Normal{
		Services:        v.Services,
		UserAgent:       v.UserAgent,
		ProtocolVersion: uint32(v.ProtocolVersion),
	}, nil
}

// QuerySent moves a fully initialized session into Waiting for the given
// response command. A second concurrent query is rejected with
// ErrQueryAlreadyOutstanding.
func QuerySent(s SessionState, expected string) (SessionState, error) {
	switch st := s.(type) {
	case Normal:
		return Waiting{Normal: st, Expected: expected}, nil

	case Waiting:
		return s, fmt.Errorf("%w: still awaiting %s",
			ErrQueryAlreadyOutstanding, st.Expected)

	default:
		return s, violation("query sent", s)
	}
}

// ResponseReceived resolves an outstanding query if the response command
// matches the awaited one, returning to Normal. A mismatched response leaves
// the state untouched, as does a response arriving while nothing is awaited;
// the second return value reports whether the outstanding query was resolved.
func ResponseReceived(s SessionState, cmd string) (SessionState, bool) {
	st, ok := s.(Waiting)
	if !ok || st.Expected != cmd {
		return s, false
	}

	return st.Normal, true
}

// QueryTimedOut abandons an outstanding query, returning the session to
// Normal. It is a no-op in any other state so that a late-firing timer never
// corrupts the lifecycle.
func QueryTimedOut(s SessionState) (SessionState, error) {
	if st, ok := s.(Waiting); ok {
		return st.Normal, nil
	}

	return s, nil
}

// HandshakeTimedOut forces a session still waiting on handshake payloads
// directly into InitializedDisconnect.
func HandshakeTimedOut(s SessionState) (SessionState, error) {
	if _, ok := s.(Initializing); !ok {
		return s, violation("handshake timeout", s)
	}

	return InitializedDisconnect{}, nil
}

// StopRequested records that we, not the peer, initiated teardown. It is
// idempotent: requesting a stop on a session already tearing down or already
// terminal leaves the state unchanged.
func StopRequested(s SessionState) (SessionState, error) {
	switch s.(type) {
	case Preconnection, Initializing, Normal, Waiting:
		return InitializedDisconnect{}, nil

	default:
		return s, nil
	}
}

// TransportClosed folds the transport's teardown confirmation into the state
// machine. A close following our own stop request completes as
// InitializedDisconnectDone; a close in any live state means the peer hung up
// on us. The second return value reports whether the teardown was locally
// initiated.
func TransportClosed(s SessionState) (SessionState, bool, error) {
	switch s.(type) {
	case InitializedDisconnect:
		return InitializedDisconnectDone{}, true, nil

	case Preconnection, Initializing, Normal, Waiting:
		return Disconnected{}, false, nil

	case InitializedDisconnectDone:
		return s, true, nil

	default:
		return s, false, nil
	}
}

// ReconnectExhausted marks a remotely disconnected session as no longer
// eligible for reconnection.
func ReconnectExhausted(s SessionState) (SessionState, error) {
	switch s.(type) {
	case Disconnected:
		return StoppedReconnect{}, nil

	case StoppedReconnect:
		return s, nil

	default:
		return s, violation("reconnect exhausted", s)
	}
}
