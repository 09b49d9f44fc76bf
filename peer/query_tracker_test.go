package peer

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

// trackerHarness bundles a tracker with one initialized session.
type trackerHarness struct {
	t *testing.T

	tracker *QueryTracker
	harness *sessionHarness

	timeouts chan wire.Message
}

func newTrackerHarness(t *testing.T, timeout time.Duration) *trackerHarness {
	t.Helper()

	h := &trackerHarness{
		t:        t,
		harness:  newSessionHarness(t, defaultTimeout),
		timeouts: make(chan wire.Message, 1),
	}
	h.harness.completeHandshake()

	h.tracker = NewQueryTracker(&QueryTrackerConfig{
		Timeout: timeout,
		Clock:   clock.NewDefaultClock(),
		OnTimeout: func(_ Peer, query wire.Message) {
			h.timeouts <- query
		},
	})

	return h
}

func testGetHeaders(t *testing.T) *wire.MsgGetHeaders {
	t.Helper()

	msg := wire.NewMsgGetHeaders()
	var genesis chainhash.Hash
	require.NoError(t, msg.AddBlockLocatorHash(&genesis))

	return msg
}

// TestTrackerMatchingResponse asserts that the awaited response clears the
// pending query and its timer.
func TestTrackerMatchingResponse(t *testing.T) {
	t.Parallel()

	h := newTrackerHarness(t, time.Hour)
	sess := h.harness.session
	p := sess.Peer()

	require.NoError(t, h.tracker.SendQuery(sess, testGetHeaders(t)))
	require.True(t, h.tracker.Outstanding(p))
	h.harness.expectSent(wire.CmdGetHeaders)

	// A mismatched payload leaves the query outstanding.
	h.tracker.OnResponse(p, wire.NewMsgPong(1))
	require.True(t, h.tracker.Outstanding(p))

	h.tracker.OnResponse(p, &wire.MsgHeaders{})
	require.False(t, h.tracker.Outstanding(p))

	// No timeout may fire afterwards.
	select {
	case <-h.timeouts:
		t.Fatal("timeout fired after response")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTrackerSingleOutstanding asserts the one-query-per-peer invariant and
// that non-query payloads are refused outright.
func TestTrackerSingleOutstanding(t *testing.T) {
	t.Parallel()

	h := newTrackerHarness(t, time.Hour)
	sess := h.harness.session

	require.NoError(t, h.tracker.SendQuery(sess, testGetHeaders(t)))

	err := h.tracker.SendQuery(sess, wire.NewMsgGetAddr())
	require.ErrorIs(t, err, ErrQueryAlreadyOutstanding)

	err = h.tracker.SendQuery(sess, wire.NewMsgPong(1))
	require.Error(t, err)
}

// TestTrackerTimeout asserts that an unanswered query fires exactly one
// timeout notification and leaves the session free for the next query.
func TestTrackerTimeout(t *testing.T) {
	t.Parallel()

	h := newTrackerHarness(t, 20*time.Millisecond)
	sess := h.harness.session
	p := sess.Peer()

	query := testGetHeaders(t)
	require.NoError(t, h.tracker.SendQuery(sess, query))

	select {
	case got := <-h.timeouts:
		require.Equal(t, query, got)

	case <-time.After(defaultTimeout):
		t.Fatal("timeout never fired")
	}

	require.False(t, h.tracker.Outstanding(p))

	// The timeout handler observes a session already restored to Normal,
	// so a follow-up query must succeed immediately.
	require.IsType(t, Normal{}, sess.State())
	require.NoError(t, h.tracker.SendQuery(sess, testGetHeaders(t)))

	// Exactly one notification per expiry.
	select {
	case <-h.timeouts:
		t.Fatal("duplicate timeout notification")
	case <-time.After(50 * time.Millisecond):
	}
}

// TestTrackerCancelAll asserts that winding down clears pending queries
// without reporting timeouts.
func TestTrackerCancelAll(t *testing.T) {
	t.Parallel()

	h := newTrackerHarness(t, time.Hour)
	sess := h.harness.session
	p := sess.Peer()

	require.NoError(t, h.tracker.SendQuery(sess, testGetHeaders(t)))

	h.tracker.CancelAll()

	require.False(t, h.tracker.Outstanding(p))
	require.IsType(t, Normal{}, sess.State())

	select {
	case <-h.timeouts:
		t.Fatal("cancel reported a timeout")
	case <-time.After(50 * time.Millisecond):
	}
}
