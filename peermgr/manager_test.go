package peermgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	fn "github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const defaultTimeout = 5 * time.Second

// mockTransport is an in-memory transport fed by the test.
type mockTransport struct {
	events chan peer.TransportEvent
	sent   chan wire.Message

	closeOnce sync.Once
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		events: make(chan peer.TransportEvent, 16),
		sent:   make(chan wire.Message, 16),
	}
}

func (m *mockTransport) Connect(_ context.Context) error { return nil }

func (m *mockTransport) Send(msg wire.Message) error {
	m.sent <- msg
	return nil
}

func (m *mockTransport) Events() <-chan peer.TransportEvent {
	return m.events
}

func (m *mockTransport) Stop() {
	m.closeOnce.Do(func() {
		m.events <- peer.ConnClosed{}
	})
}

func (m *mockTransport) deliver(msg wire.Message) {
	m.events <- peer.MsgReceived{Msg: msg}
}

func (m *mockTransport) remoteClose() {
	m.closeOnce.Do(func() {
		m.events <- peer.ConnClosed{Err: errors.New("reset by peer")}
	})
}

func (m *mockTransport) expectSent(t *testing.T, cmd string) wire.Message {
	t.Helper()

	select {
	case msg := <-m.sent:
		require.Equal(t, cmd, msg.Command())
		return msg

	case <-time.After(defaultTimeout):
		t.Fatalf("no %s sent", cmd)
		return nil
	}
}

// addCall records one AddCandidates invocation.
type addCall struct {
	peers    []peer.Peer
	priority CandidatePriority
}

// mockSupplier is an in-memory candidate supplier primed by the test.
type mockSupplier struct {
	mtx     sync.Mutex
	records map[peer.Peer]*Record

	added   chan addCall
	removed chan peer.Peer
}

func newMockSupplier() *mockSupplier {
	return &mockSupplier{
		records: make(map[peer.Peer]*Record),
		added:   make(chan addCall, 16),
		removed: make(chan peer.Peer, 16),
	}
}

func (s *mockSupplier) AddCandidates(peers []peer.Peer,
	priority CandidatePriority) {

	s.added <- addCall{peers: peers, priority: priority}
}

func (s *mockSupplier) HasPeer(p peer.Peer) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.records[p]
	return ok
}

func (s *mockSupplier) PopFromCache(p peer.Peer) fn.Option[*Record] {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	rec, ok := s.records[p]
	if !ok {
		return fn.None[*Record]()
	}
	delete(s.records, p)

	return fn.Some(rec)
}

func (s *mockSupplier) RemovePeer(p peer.Peer) {
	s.mtx.Lock()
	delete(s.records, p)
	s.mtx.Unlock()

	s.removed <- p
}

func (s *mockSupplier) Stop() error { return nil }

func (s *mockSupplier) put(rec *Record) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.records[rec.Peer] = rec
}

// harness bundles a manager with its mocked collaborators.
type harness struct {
	t *testing.T

	mgr      *Manager
	supplier *mockSupplier

	submits     chan wire.Message
	hdrTimeouts chan peer.Peer
	fatals      chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		t:           t,
		supplier:    newMockSupplier(),
		submits:     make(chan wire.Message, 16),
		hdrTimeouts: make(chan peer.Peer, 16),
		fatals:      make(chan error, 1),
	}

	cfg := &Config{
		MaxPeers:         2,
		NeededServices:   wire.SFNodeCF,
		DiscoveryTimeout: defaultTimeout,
		QueryTimeout:     time.Hour,
		FailureBackoff:   time.Hour,
		AddrGracePeriod:  50 * time.Millisecond,
		StopTimeout:      defaultTimeout,
		Supplier:         h.supplier,
		Submit: func(_ context.Context, msg wire.Message,
			_ peer.Peer) error {

			h.submits <- msg
			return nil
		},
		SubmitHeaderTimeout: func(_ context.Context,
			from peer.Peer) error {

			h.hdrTimeouts <- from
			return nil
		},
		OnFatal: func(err error) {
			h.fatals <- err
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	h.mgr = New(cfg)
	require.NoError(t, h.mgr.Start())
	t.Cleanup(func() { _ = h.mgr.Stop() })

	return h
}

func testVersion(t *testing.T, services wire.ServiceFlag) *wire.MsgVersion {
	t.Helper()

	me := wire.NewNetAddressIPPort(nil, 0, 0)
	you := wire.NewNetAddressIPPort(nil, 0, 0)

	msg := wire.NewMsgVersion(me, you, 1, 0)
	msg.Services = services
	require.NoError(t, msg.AddUserAgent("test", "1.0"))

	return msg
}

// addTestPeer runs a full session handshake for the given host and primes
// the supplier with the resulting record, as the finder would.
func (h *harness) addTestPeer(host string,
	services wire.ServiceFlag) (peer.Peer, *mockTransport) {

	h.t.Helper()

	p := peer.New(host, 8333)
	mt := newMockTransport()

	sess := peer.NewSession(&peer.SessionConfig{
		Peer:      p,
		Transport: mt,
		LocalVersion: func() *wire.MsgVersion {
			return testVersion(h.t, 0)
		},
		HandshakeTimeout: defaultTimeout,
		OnPayload:        h.mgr.HandlePayload,
		OnDisconnect:     h.mgr.OnPeerDisconnected,
	})
	require.NoError(h.t, sess.Start(context.Background()))

	mt.expectSent(h.t, wire.CmdVersion)
	mt.deliver(testVersion(h.t, services))
	mt.expectSent(h.t, wire.CmdVerAck)
	mt.deliver(&wire.MsgVerAck{})

	select {
	case <-sess.Initialized():
	case <-time.After(defaultTimeout):
		h.t.Fatal("handshake never completed")
	}

	h.supplier.put(&Record{Peer: p, Services: services, Session: sess})

	return p, mt
}

// promote primes and promotes one peer.
func (h *harness) promote(host string,
	services wire.ServiceFlag) (peer.Peer, *mockTransport) {

	h.t.Helper()

	p, mt := h.addTestPeer(host, services)
	require.NoError(h.t, h.mgr.Promote(p))

	return p, mt
}

func (h *harness) waitDisconnected(sess *peer.Session) {
	h.t.Helper()

	select {
	case <-sess.Disconnected():
	case <-time.After(defaultTimeout):
		h.t.Fatal("session never disconnected")
	}
}

func (h *harness) peerSet() map[peer.Peer]Record {
	set := make(map[peer.Peer]Record)
	for _, rec := range h.mgr.Peers() {
		set[rec.Peer] = rec
	}

	return set
}

func testGetHeaders(t *testing.T) *wire.MsgGetHeaders {
	t.Helper()

	msg := wire.NewMsgGetHeaders()
	var genesis chainhash.Hash
	require.NoError(t, msg.AddBlockLocatorHash(&genesis))

	return msg
}

// TestManagerPromote covers the promotion preconditions: supplier custody
// and the connection limit.
func TestManagerPromote(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	p1, _ := h.promote("10.0.0.1", wire.SFNodeCF)
	p2, _ := h.promote("10.0.0.2", wire.SFNodeCF)

	// Unknown to the supplier.
	err := h.mgr.Promote(peer.New("10.0.0.9", 8333))
	require.ErrorIs(t, err, ErrUnknownPeer)

	// At the limit.
	p3, _ := h.addTestPeer("10.0.0.3", wire.SFNodeCF)
	err = h.mgr.Promote(p3)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	set := h.peerSet()
	require.Len(t, set, 2)
	require.Contains(t, set, p1)
	require.Contains(t, set, p2)
}

// TestManagerPromoteConcurrent asserts the limit holds under concurrent
// promotions: exactly MaxPeers succeed.
func TestManagerPromoteConcurrent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MaxPeers = 4 })

	const n = 10
	peers := make([]peer.Peer, n)
	for i := 0; i < n; i++ {
		peers[i], _ = h.addTestPeer(
			fmt.Sprintf("10.0.1.%d", i), wire.SFNodeCF,
		)
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p peer.Peer) {
			defer wg.Done()
			errs <- h.mgr.Promote(p)
		}(p)
	}
	wg.Wait()
	close(errs)

	var ok, full int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCapacityExceeded):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	require.Equal(t, 4, ok)
	require.Equal(t, n-4, full)
	require.Len(t, h.mgr.Peers(), 4)
}

// TestManagerSelectRandom asserts that selection only ever returns peers
// carrying the required services and fails once the discovery timeout
// lapses.
func TestManagerSelectRandom(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.DiscoveryTimeout = 50 * time.Millisecond
	})

	h.promote("10.0.0.1", wire.SFNodeNetwork)
	pCF, _ := h.promote("10.0.0.2", wire.SFNodeNetwork|wire.SFNodeCF)

	for i := 0; i < 10; i++ {
		rec, err := h.mgr.SelectRandom(wire.SFNodeCF)
		require.NoError(t, err)
		require.Equal(t, pCF, rec.Peer)
	}

	// Nobody advertises bloom filtering; the wait must expire.
	_, err := h.mgr.SelectRandom(wire.SFNodeBloom)
	require.ErrorIs(t, err, ErrNoQualifyingPeer)
}

// TestManagerSelectWaits asserts that a selection with no qualifying peer
// parks until one is promoted.
func TestManagerSelectWaits(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	type result struct {
		rec Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := h.mgr.SelectRandom(wire.SFNodeCF)
		done <- result{rec, err}
	}()

	select {
	case res := <-done:
		t.Fatalf("selection did not wait: %v", res.err)
	case <-time.After(50 * time.Millisecond):
	}

	p, _ := h.promote("10.0.0.1", wire.SFNodeCF)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		require.Equal(t, p, res.rec.Peer)

	case <-time.After(defaultTimeout):
		t.Fatal("selection never resolved")
	}
}

// TestManagerDemote asserts demotion stops the session, that the peer stays
// accounted for until the transport confirms, and that demotion is
// idempotent.
func TestManagerDemote(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	p, _ := h.promote("10.0.0.1", wire.SFNodeCF)
	set := h.peerSet()
	sess := set[p].Session

	require.NoError(t, h.mgr.Demote(p))
	h.waitDisconnected(sess)
	require.Empty(t, h.mgr.Peers())

	// A second demotion of the same peer is a no-op.
	require.NoError(t, h.mgr.Demote(p))

	// The teardown was local, so no reconnection is attempted.
	select {
	case call := <-h.supplier.added:
		t.Fatalf("unexpected reconnect: %v", call.peers)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestManagerEviction asserts that at the limit a newcomer carrying the
// needed services evicts a promoted peer lacking them.
func TestManagerEviction(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	x1, _ := h.promote("10.0.0.1", wire.SFNodeNetwork)
	x2, _ := h.promote("10.0.0.2", wire.SFNodeNetwork)

	y, _ := h.addTestPeer("10.0.0.3", wire.SFNodeNetwork|wire.SFNodeCF)
	require.NoError(t, h.mgr.OnHandshakeComplete(y))

	set := h.peerSet()
	require.Len(t, set, 2)
	require.Contains(t, set, y)

	// Exactly one of the low-value peers survived.
	_, x1Alive := set[x1]
	_, x2Alive := set[x2]
	require.NotEqual(t, x1Alive, x2Alive)
}

// TestManagerSurplus asserts that with no slot and no eviction case, the
// newcomer is asked for its addresses and then dropped.
func TestManagerSurplus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) { cfg.MaxPeers = 1 })

	x, _ := h.promote("10.0.0.1", wire.SFNodeCF)

	y, ymt := h.addTestPeer("10.0.0.2", wire.SFNodeCF)
	ySess := func() *peer.Session {
		h.supplier.mtx.Lock()
		defer h.supplier.mtx.Unlock()
		return h.supplier.records[y].Session
	}()

	require.NoError(t, h.mgr.OnHandshakeComplete(y))

	// The surplus peer gets one address request, then the axe.
	ymt.expectSent(t, wire.CmdGetAddr)
	h.waitDisconnected(ySess)

	set := h.peerSet()
	require.Len(t, set, 1)
	require.Contains(t, set, x)
}

// TestManagerReplace asserts atomic replacement and the protection of a peer
// that uniquely provides a needed capability.
func TestManagerReplace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	unique, _ := h.promote("10.0.0.1", wire.SFNodeCF)
	plain, _ := h.promote("10.0.0.2", wire.SFNodeNetwork)
	plainSess := h.peerSet()[plain].Session

	incoming, _ := h.addTestPeer("10.0.0.3", wire.SFNodeNetwork)

	// The sole provider of the needed capability may not be swapped out.
	err := h.mgr.Replace(unique, incoming)
	require.ErrorIs(t, err, ErrIrreplaceablePeer)
	require.Contains(t, h.peerSet(), unique)

	// Any other peer may.
	require.NoError(t, h.mgr.Replace(plain, incoming))

	h.waitDisconnected(plainSess)
	set := h.peerSet()
	require.Len(t, set, 2)
	require.Contains(t, set, unique)
	require.Contains(t, set, incoming)
}

// TestManagerQueryFlow drives a query end to end: issue, response
// reconciliation and pipeline submission.
func TestManagerQueryFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	p, mt := h.promote("10.0.0.1", wire.SFNodeCF)

	require.NoError(t, h.mgr.SendQuery(p, testGetHeaders(t)))
	mt.expectSent(t, wire.CmdGetHeaders)

	// A second query to the same peer is refused while one is in flight.
	err := h.mgr.SendQuery(p, testGetHeaders(t))
	require.ErrorIs(t, err, peer.ErrQueryAlreadyOutstanding)

	mt.deliver(&wire.MsgHeaders{})

	select {
	case msg := <-h.submits:
		require.Equal(t, wire.CmdHeaders, msg.Command())

	case <-time.After(defaultTimeout):
		t.Fatal("response never reached the pipeline")
	}

	// The response resolved the query, freeing the peer for the next one.
	require.NoError(t, h.mgr.SendQuery(p, testGetHeaders(t)))
}

// TestManagerQueryTimeout asserts that an expired query emits a timeout item
// into the pipeline, stamps the peer as failed, and steers selection away
// from it.
func TestManagerQueryTimeout(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.QueryTimeout = 20 * time.Millisecond
	})

	p, mt := h.promote("10.0.0.1", wire.SFNodeCF)
	healthy, _ := h.promote("10.0.0.2", wire.SFNodeCF)

	require.NoError(t, h.mgr.SendQuery(p, testGetHeaders(t)))
	mt.expectSent(t, wire.CmdGetHeaders)

	select {
	case from := <-h.hdrTimeouts:
		require.Equal(t, p, from)

	case <-time.After(defaultTimeout):
		t.Fatal("timeout never reached the pipeline")
	}

	require.Eventually(t, func() bool {
		return !h.peerSet()[p].LastFailure.IsZero()
	}, defaultTimeout, 10*time.Millisecond)

	// Selection now prefers the peer without a recent failure.
	for i := 0; i < 10; i++ {
		rec, err := h.mgr.SelectRandom(wire.SFNodeCF)
		require.NoError(t, err)
		require.Equal(t, healthy, rec.Peer)
	}
}

// TestManagerReconnect asserts that a remote disconnect requeues the peer
// with reconnect priority until the attempt budget is spent, after which the
// peer is removed for good.
func TestManagerReconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.MaxReconnectAttempts = 1
	})

	p, mt := h.promote("10.0.0.1", wire.SFNodeCF)
	sess := h.peerSet()[p].Session

	mt.remoteClose()
	h.waitDisconnected(sess)

	select {
	case call := <-h.supplier.added:
		require.Equal(t, []peer.Peer{p}, call.peers)
		require.Equal(t, PriorityReconnect, call.priority)

	case <-time.After(defaultTimeout):
		t.Fatal("peer never requeued")
	}

	// The finder re-tested the peer; a second remote disconnect exhausts
	// the budget.
	_, mt2 := h.addTestPeer("10.0.0.1", wire.SFNodeCF)
	require.NoError(t, h.mgr.Promote(p))
	sess2 := h.peerSet()[p].Session

	mt2.remoteClose()
	h.waitDisconnected(sess2)

	select {
	case removed := <-h.supplier.removed:
		require.Equal(t, p, removed)

	case <-time.After(defaultTimeout):
		t.Fatal("peer never removed")
	}

	require.Equal(t, peer.SessionState(peer.StoppedReconnect{}),
		sess2.State())
}

// TestManagerSyncSourceFatal asserts that losing the last promoted peer
// while a sync source is required surfaces a fatal error.
func TestManagerSyncSourceFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *Config) {
		cfg.RequireSyncSource = true
	})

	p, mt := h.promote("10.0.0.1", wire.SFNodeCF)

	require.Eventually(t, func() bool {
		return h.mgr.SyncSource().UnwrapOr(peer.Peer{}) == p
	}, defaultTimeout, 10*time.Millisecond)

	mt.remoteClose()

	select {
	case err := <-h.fatals:
		require.ErrorIs(t, err, ErrNoQualifyingPeer)

	case <-time.After(defaultTimeout):
		t.Fatal("no fatal notification")
	}
}

// TestManagerStop asserts that shutdown converges, tears down every session
// and fails later operations fast.
func TestManagerStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	p1, _ := h.promote("10.0.0.1", wire.SFNodeCF)
	p2, _ := h.promote("10.0.0.2", wire.SFNodeCF)

	set := h.peerSet()
	s1, s2 := set[p1].Session, set[p2].Session

	require.NoError(t, h.mgr.Stop())

	h.waitDisconnected(s1)
	h.waitDisconnected(s2)

	require.ErrorIs(t, h.mgr.Promote(p1), ErrManagerStopped)
	_, err := h.mgr.SelectRandom(wire.SFNodeCF)
	require.ErrorIs(t, err, ErrManagerStopped)
}
