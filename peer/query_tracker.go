package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// responseCommands maps the command of a query payload to the command of the
// response it demands.
var responseCommands = map[string]string{
	wire.CmdGetHeaders:   wire.CmdHeaders,
	wire.CmdGetCFHeaders: wire.CmdCFHeaders,
	wire.CmdGetCFilters:  wire.CmdCFilter,
	wire.CmdGetData:      wire.CmdBlock,
	wire.CmdGetAddr:      wire.CmdAddr,
	wire.CmdPing:         wire.CmdPong,
}

// ResponseCommand returns the command of the response the given query
// command demands, and whether the command is a query at all.
func ResponseCommand(queryCmd string) (string, bool) {
	resp, ok := responseCommands[queryCmd]
	return resp, ok
}

// PendingQuery records one in-flight request awaiting its response.
type PendingQuery struct {
	// Payload is the query that was sent.
	Payload wire.Message

	// Expected is the command of the awaited response.
	Expected string

	// SentAt is when the query went out.
	SentAt time.Time

	session *Session
	timer   *time.Timer
}

// QueryTrackerConfig parameterizes a QueryTracker.
type QueryTrackerConfig struct {
	// Timeout is how long a query may await its response before the
	// tracker declares it failed.
	Timeout time.Duration

	// Clock is the time source for the sent-at stamps.
	Clock clock.Clock

	// OnTimeout is invoked, from a timer goroutine, when a query's
	// response fails to arrive in time. The consequence of the timeout is
	// entirely the callee's decision; by the time it runs the session has
	// already returned to its normal state with no residual query.
	OnTimeout func(p Peer, query wire.Message)
}

// QueryTracker ensures forward progress for payloads that demand a response.
// It tracks at most one outstanding query per peer, arms a timer for each,
// and reconciles responses against expectations. We assume there is only one
// query outstanding per peer at once; concurrent queries to distinct peers
// are independent.
type QueryTracker struct {
	cfg *QueryTrackerConfig

	mtx     sync.Mutex
	pending map[Peer]*PendingQuery
}

// NewQueryTracker constructs a QueryTracker.
func NewQueryTracker(cfg *QueryTrackerConfig) *QueryTracker {
	return &QueryTracker{
		cfg:     cfg,
		pending: make(map[Peer]*PendingQuery),
	}
}

// SendQuery transmits a response-demanding payload on the given session,
// moves the session into the waiting state and arms the timeout timer. It
// fails with ErrQueryAlreadyOutstanding if the peer already has a query in
// flight.
func (t *QueryTracker) SendQuery(sess *Session, query wire.Message) error {
	expected, ok := ResponseCommand(query.Command())
	if !ok {
		return fmt.Errorf("%s does not demand a response",
			query.Command())
	}

	p := sess.Peer()

	t.mtx.Lock()
	defer t.mtx.Unlock()

	if pq, exists := t.pending[p]; exists {
		return fmt.Errorf("%w: %s sent %v ago",
			ErrQueryAlreadyOutstanding, pq.Payload.Command(),
			t.cfg.Clock.Now().Sub(pq.SentAt))
	}

	// Move the session into the waiting state before the payload leaves,
	// so the response can never race the bookkeeping.
	if err := sess.QuerySent(expected); err != nil {
		return err
	}
	if err := sess.Send(query); err != nil {
		sess.QueryTimedOut()
		return err
	}

	pq := &PendingQuery{
		Payload:  query,
		Expected: expected,
		SentAt:   t.cfg.Clock.Now(),
		session:  sess,
	}
	pq.timer = time.AfterFunc(t.cfg.Timeout, func() {
		t.queryTimedOut(p)
	})
	t.pending[p] = pq

	log.Debugf("QueryTracker(%v): sent %s, awaiting %s for up to %v", p,
		query.Command(), expected, t.cfg.Timeout)

	return nil
}

// OnResponse reconciles an inbound payload against the peer's outstanding
// query. A matching response cancels the timer; a mismatched one is logged
// and otherwise ignored, leaving the query outstanding.
func (t *QueryTracker) OnResponse(p Peer, msg wire.Message) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	pq, ok := t.pending[p]
	if !ok {
		return
	}

	if msg.Command() != pq.Expected {
		log.Debugf("QueryTracker(%v): ignoring %s while awaiting %s",
			p, msg.Command(), pq.Expected)
		return
	}

	pq.timer.Stop()
	delete(t.pending, p)

	log.Debugf("QueryTracker(%v): %s answered in %v", p,
		pq.Payload.Command(), t.cfg.Clock.Now().Sub(pq.SentAt))
}

// Outstanding returns whether the peer currently has a query in flight.
func (t *QueryTracker) Outstanding(p Peer) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	_, ok := t.pending[p]
	return ok
}

// CancelAll drops every pending query without firing timeouts. Used when the
// pool winds down.
func (t *QueryTracker) CancelAll() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for p, pq := range t.pending {
		pq.timer.Stop()
		pq.session.QueryTimedOut()
		delete(t.pending, p)
	}
}

// queryTimedOut runs when a query's timer fires before its response arrived.
func (t *QueryTracker) queryTimedOut(p Peer) {
	t.mtx.Lock()
	pq, ok := t.pending[p]
	if !ok {
		// The response won the race against the timer.
		t.mtx.Unlock()
		return
	}
	delete(t.pending, p)
	t.mtx.Unlock()

	log.Warnf("QueryTracker(%v): no %s response within %v", p,
		pq.Expected, t.cfg.Timeout)

	// Restore the session before reporting, so the consequence handler
	// observes a session that is free for the next query.
	pq.session.QueryTimedOut()

	if t.cfg.OnTimeout != nil {
		t.cfg.OnTimeout(p, pq.Payload)
	}
}
