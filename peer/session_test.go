package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// defaultTimeout bounds every wait in the tests of this package.
const defaultTimeout = 5 * time.Second

// mockTransport is an in-memory Transport fed by the test.
type mockTransport struct {
	events chan TransportEvent
	sent   chan wire.Message

	connectErr error

	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan TransportEvent, 16),
		sent:   make(chan wire.Message, 16),
	}
}

func (m *mockTransport) Connect(_ context.Context) error {
	return m.connectErr
}

func (m *mockTransport) Send(msg wire.Message) error {
	m.sent <- msg
	return nil
}

func (m *mockTransport) Events() <-chan TransportEvent {
	return m.events
}

func (m *mockTransport) Stop() {
	m.closeOnce.Do(func() {
		m.events <- ConnClosed{}
	})
}

// deliver feeds one inbound payload to the session under test.
func (m *mockTransport) deliver(msg wire.Message) {
	m.events <- MsgReceived{Msg: msg}
}

// remoteClose simulates the peer hanging up on us.
func (m *mockTransport) remoteClose(err error) {
	m.closeOnce.Do(func() {
		m.events <- ConnClosed{Err: err}
	})
}

// sessionHarness bundles a session, its mock transport and the callback
// recordings.
type sessionHarness struct {
	t *testing.T

	transport *mockTransport
	session   *Session

	payloads    chan wire.Message
	disconnects chan bool
}

func newSessionHarness(t *testing.T, hsTimeout time.Duration) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		t:           t,
		transport:   newMockTransport(),
		payloads:    make(chan wire.Message, 16),
		disconnects: make(chan bool, 1),
	}

	h.session = NewSession(&SessionConfig{
		Peer:             New("127.0.0.1", 8333),
		Transport:        h.transport,
		LocalVersion:     func() *wire.MsgVersion { return testVersion(t) },
		HandshakeTimeout: hsTimeout,
		OnPayload: func(_ Peer, msg wire.Message) {
			h.payloads <- msg
		},
		OnDisconnect: func(_ Peer, local bool) {
			h.disconnects <- local
		},
	})

	require.NoError(t, h.session.Start(context.Background()))
	t.Cleanup(h.session.Stop)

	// Our own version announcement opens the handshake.
	h.expectSent(wire.CmdVersion)

	return h
}

// expectSent asserts the next outbound payload's command.
func (h *sessionHarness) expectSent(cmd string) {
	h.t.Helper()

	select {
	case msg := <-h.transport.sent:
		require.Equal(h.t, cmd, msg.Command())

	case <-time.After(defaultTimeout):
		h.t.Fatalf("no %s sent", cmd)
	}
}

// completeHandshake drives the session to the initialized state.
func (h *sessionHarness) completeHandshake() {
	h.t.Helper()

	h.transport.deliver(testVersion(h.t))
	h.expectSent(wire.CmdVerAck)
	h.transport.deliver(&wire.MsgVerAck{})

	waitResolved(h.t, h.session.Initialized(), "initialized")
}

// expectDisconnect waits for the disconnect callback and asserts its
// attribution.
func (h *sessionHarness) expectDisconnect(wantLocal bool) {
	h.t.Helper()

	waitResolved(h.t, h.session.Disconnected(), "disconnected")

	select {
	case local := <-h.disconnects:
		require.Equal(h.t, wantLocal, local)

	case <-time.After(defaultTimeout):
		h.t.Fatal("no disconnect callback")
	}
}

func waitResolved(t *testing.T, c <-chan struct{}, what string) {
	t.Helper()

	select {
	case <-c:
	case <-time.After(defaultTimeout):
		t.Fatalf("%s signal never resolved", what)
	}
}

// TestSessionHandshake drives a full handshake and asserts the session's
// observable progression.
func TestSessionHandshake(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)

	require.True(t, h.session.IsConnected())
	require.False(t, h.session.IsInitialized())

	h.completeHandshake()

	require.True(t, h.session.IsInitialized())
	require.IsType(t, Normal{}, h.session.State())
	require.Equal(t, wire.SFNodeNetwork|wire.SFNodeWitness,
		h.session.Services())
}

// TestSessionPayloadDelivery asserts that post-handshake payloads reach the
// owner's callback.
func TestSessionPayloadDelivery(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)
	h.completeHandshake()

	h.transport.deliver(wire.NewMsgPong(7))

	select {
	case msg := <-h.payloads:
		require.Equal(t, wire.CmdPong, msg.Command())

	case <-time.After(defaultTimeout):
		t.Fatal("payload never delivered")
	}
}

// TestSessionPayloadBeforeHandshake asserts that a non-handshake payload
// received while initializing tears the connection down.
func TestSessionPayloadBeforeHandshake(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)

	h.transport.deliver(wire.NewMsgPong(7))

	h.expectDisconnect(true)
	require.True(t, IsTerminal(h.session.State()))
}

// TestSessionHandshakeTimeout asserts that a peer that never completes its
// handshake is torn down once the timer fires.
func TestSessionHandshakeTimeout(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, 20*time.Millisecond)

	h.expectDisconnect(true)
	require.Equal(t, SessionState(InitializedDisconnectDone{}),
		h.session.State())
}

// TestSessionRemoteDisconnect asserts that a remote hangup is attributed to
// the peer and leaves the session in Disconnected.
func TestSessionRemoteDisconnect(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)
	h.completeHandshake()

	h.transport.remoteClose(errors.New("connection reset"))

	h.expectDisconnect(false)
	require.Equal(t, SessionState(Disconnected{}), h.session.State())

	// The session may still be marked reconnect-exhausted afterwards.
	require.NoError(t, h.session.ExhaustReconnect())
	require.Equal(t, SessionState(StoppedReconnect{}), h.session.State())
}

// TestSessionStop asserts that a local stop resolves the disconnect signal,
// is attributed to us, and fails later sends.
func TestSessionStop(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)
	h.completeHandshake()

	h.session.Stop()

	h.expectDisconnect(true)
	require.Equal(t, SessionState(InitializedDisconnectDone{}),
		h.session.State())

	err := h.session.Send(wire.NewMsgPing(1))
	require.ErrorIs(t, err, ErrSessionStopped)
}

// TestSessionQueryAutoResolve asserts that the awaited response flips the
// session out of Waiting before the payload is handed to the owner.
func TestSessionQueryAutoResolve(t *testing.T) {
	t.Parallel()

	h := newSessionHarness(t, defaultTimeout)
	h.completeHandshake()

	require.NoError(t, h.session.QuerySent(wire.CmdHeaders))
	require.IsType(t, Waiting{}, h.session.State())

	// A second query is refused while the first is outstanding.
	err := h.session.QuerySent(wire.CmdBlock)
	require.ErrorIs(t, err, ErrQueryAlreadyOutstanding)

	h.transport.deliver(&wire.MsgHeaders{})

	select {
	case msg := <-h.payloads:
		require.Equal(t, wire.CmdHeaders, msg.Command())

	case <-time.After(defaultTimeout):
		t.Fatal("response never delivered")
	}

	require.IsType(t, Normal{}, h.session.State())
}
