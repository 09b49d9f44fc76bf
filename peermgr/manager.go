package peermgr

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	fn "github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxPeers is the promoted-connection limit used when the
	// config leaves it zero.
	DefaultMaxPeers = 8

	// DefaultDiscoveryTimeout bounds how long SelectRandom waits for a
	// qualifying peer to appear.
	DefaultDiscoveryTimeout = 30 * time.Second

	// DefaultQueryTimeout is how long a query may await its response.
	DefaultQueryTimeout = 20 * time.Second

	// DefaultFailureBackoff is the window within which a past query
	// failure makes a peer dispreferred for selection.
	DefaultFailureBackoff = 30 * time.Minute

	// DefaultAddrGracePeriod is how long a surplus peer is held after its
	// handshake, long enough to announce its known addresses, before it
	// is dropped.
	DefaultAddrGracePeriod = 10 * time.Second

	// DefaultMaxReconnectAttempts bounds automatic reconnection to a peer
	// that keeps disconnecting on us.
	DefaultMaxReconnectAttempts = 3

	// DefaultStopTimeout is the budget for graceful shutdown to
	// converge.
	DefaultStopTimeout = 30 * time.Second
)

// Config packages the parameters and collaborators of a Manager.
type Config struct {
	// MaxPeers is the maximum number of promoted peers.
	MaxPeers int

	// NeededServices is the capability bitmask the pool depends on for
	// syncing (e.g. compact filter serving). Peers carrying it are
	// treated as high value by the admission and eviction policy.
	NeededServices wire.ServiceFlag

	// DiscoveryTimeout bounds SelectRandom's wait for a qualifying peer.
	DiscoveryTimeout time.Duration

	// QueryTimeout is handed to the query tracker.
	QueryTimeout time.Duration

	// FailureBackoff is the recency window for "has failed recently".
	FailureBackoff time.Duration

	// AddrGracePeriod is how long surplus peers are held post-handshake.
	AddrGracePeriod time.Duration

	// MaxReconnectAttempts bounds automatic reconnection per peer.
	MaxReconnectAttempts int

	// StopTimeout is the graceful shutdown budget.
	StopTimeout time.Duration

	// RequireSyncSource makes losing the last promoted peer while a sync
	// source is designated a fatal condition reported through OnFatal.
	RequireSyncSource bool

	// Supplier discovers, dials and handshake-tests candidate peers.
	Supplier CandidateSupplier

	// Clock is the time source for failure stamps and backoff decisions.
	Clock clock.Clock

	// Submit hands an inbound payload to the processing pipeline. It may
	// block for backpressure.
	Submit func(ctx context.Context, msg wire.Message, from peer.Peer) error

	// SubmitHeaderTimeout hands a query-timeout notification to the
	// processing pipeline.
	SubmitHeaderTimeout func(ctx context.Context, from peer.Peer) error

	// OnFatal is invoked when a sync source is required but no promoted
	// peers remain.
	OnFatal func(error)
}

// Manager is the sole owner of the set of currently usable peers. It enforces
// the connection limit, selects peers by advertised capability, replaces and
// evicts peers, and reacts to lifecycle events raised by their sessions. All
// bookkeeping is owned by a single event goroutine; operations are linearized
// through its request channel.
//
// NOTE: Must be constructed with New.
type Manager struct {
	cfg Config

	tracker *QueryTrackerHandle

	metrics *poolMetrics

	queries chan interface{}

	ctx    context.Context
	cancel context.CancelFunc

	rand *rand.Rand

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// QueryTrackerHandle aliases the tracker type owned by the manager, exported
// for callers that want to issue queries directly.
type QueryTrackerHandle = peer.QueryTracker

// Request messages handled by the event loop.
type (
	promoteReq struct {
		p    peer.Peer
		resp chan error
	}

	demoteReq struct {
		p    peer.Peer
		resp chan error
	}

	replaceReq struct {
		old  peer.Peer
		new_ peer.Peer
		resp chan error
	}

	selectReq struct {
		required wire.ServiceFlag
		resp     chan fn.Result[Record]
	}

	selectExpired struct {
		req *selectReq
	}

	handshakeReq struct {
		p    peer.Peer
		resp chan error
	}

	sessionReq struct {
		p    peer.Peer
		resp chan fn.Option[*peer.Session]
	}

	listReq struct {
		resp chan []Record
	}

	syncSourceReq struct {
		resp chan fn.Option[peer.Peer]
	}

	disconnectEvt struct {
		p     peer.Peer
		local bool
	}

	queryFailedEvt struct {
		p peer.Peer
	}

	dropSurplusEvt struct {
		p peer.Peer
	}

	stopReq struct {
		resp chan error
	}

	stopExpiredEvt struct{}

	sessionsDownEvt struct{}
)

// New constructs a Manager from the given config, applying defaults for any
// zero durations or limits.
func New(cfg *Config) *Manager {
	c := *cfg
	if c.MaxPeers == 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.DiscoveryTimeout == 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = DefaultFailureBackoff
	}
	if c.AddrGracePeriod == 0 {
		c.AddrGracePeriod = DefaultAddrGracePeriod
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.NewDefaultClock()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:     c,
		metrics: newPoolMetrics(),
		queries: make(chan interface{}),
		ctx:     ctx,
		cancel:  cancel,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:    make(chan struct{}),
	}

	m.tracker = peer.NewQueryTracker(&peer.QueryTrackerConfig{
		Timeout:   c.QueryTimeout,
		Clock:     c.Clock,
		OnTimeout: m.onQueryTimeout,
	})

	return m
}

// Start launches the manager's event goroutine.
func (m *Manager) Start() error {
	m.started.Do(func() {
		log.Info("Starting peer manager")

		m.wg.Add(1)
		go m.run()
	})

	return nil
}

// Stop winds the pool down: it cancels outstanding discovery waits, requests
// every promoted peer's session to stop, and waits for the bookkeeping to
// drain, bounded by the stop budget. Overrunning the budget is reported as
// ErrStopTimeout rather than hanging forever.
func (m *Manager) Stop() error {
	var err error
	m.stopped.Do(func() {
		log.Info("Stopping peer manager")

		req := &stopReq{resp: make(chan error, 1)}
		if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
			return
		}
		err = <-req.resp

		m.wg.Wait()
	})

	return err
}

// Promote moves a peer currently held by the candidate supplier into the
// promoted set. It fails with ErrUnknownPeer if the supplier does not hold
// the peer, and with ErrCapacityExceeded at the connection limit.
func (m *Manager) Promote(p peer.Peer) error {
	req := &promoteReq{p: p, resp: make(chan error, 1)}
	return m.send(req, req.resp)
}

// Demote removes a promoted peer, parks it pending deletion until its
// session confirms teardown, and requests the session stop. Demoting a peer
// that is not promoted is a no-op.
func (m *Manager) Demote(p peer.Peer) error {
	req := &demoteReq{p: p, resp: make(chan error, 1)}
	return m.send(req, req.resp)
}

// Replace atomically demotes old and promotes new. It refuses to evict a
// peer that uniquely provides a capability the pool depends on.
func (m *Manager) Replace(old, new_ peer.Peer) error {
	req := &replaceReq{old: old, new_: new_, resp: make(chan error, 1)}
	return m.send(req, req.resp)
}

// SelectRandom blocks until at least one promoted peer advertises all the
// required service flags, then returns one chosen uniformly at random among
// those without a recent failure, falling back to recently failed ones so a
// fully degraded pool still serves. Waiting is bounded by the discovery
// timeout, past which ErrNoQualifyingPeer is returned.
func (m *Manager) SelectRandom(required wire.ServiceFlag) (Record, error) {
	req := &selectReq{
		required: required,
		resp:     make(chan fn.Result[Record], 1),
	}
	if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
		return Record{}, ErrManagerStopped
	}

	select {
	case res := <-req.resp:
		return res.Unpack()

	case <-m.quit:
		return Record{}, ErrManagerStopped
	}
}

// OnHandshakeComplete is the admission decision for a peer whose handshake
// just succeeded under the candidate supplier: promote when below the limit,
// evict a low-value peer when the newcomer carries a needed capability, or
// hold the newcomer just long enough to collect its address announcements.
func (m *Manager) OnHandshakeComplete(p peer.Peer) error {
	req := &handshakeReq{p: p, resp: make(chan error, 1)}
	return m.send(req, req.resp)
}

// OnPeerDisconnected is raised by sessions when their connection fully tears
// down. The local flag reports whether we initiated the teardown.
func (m *Manager) OnPeerDisconnected(p peer.Peer, local bool) {
	m.post(&disconnectEvt{p: p, local: local})
}

// HandlePayload routes one inbound payload from a session: it reconciles the
// payload against the peer's outstanding query and forwards it into the
// processing pipeline, blocking if the pipeline is exerting backpressure.
func (m *Manager) HandlePayload(p peer.Peer, msg wire.Message) {
	m.tracker.OnResponse(p, msg)

	if err := m.cfg.Submit(m.ctx, msg, p); err != nil {
		log.Errorf("Unable to submit %s from %v: %v", msg.Command(),
			p, err)
	}
}

// SendQuery issues a response-demanding payload to a promoted peer through
// the query tracker. At most one query may be outstanding per peer.
func (m *Manager) SendQuery(p peer.Peer, query wire.Message) error {
	req := &sessionReq{p: p, resp: make(chan fn.Option[*peer.Session], 1)}
	if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
		return ErrManagerStopped
	}

	sess, err := (<-req.resp).UnwrapOrErr(
		fmt.Errorf("peer %v is not promoted", p),
	)
	if err != nil {
		return err
	}

	return m.tracker.SendQuery(sess, query)
}

// SyncSource returns the currently designated sync source, if any.
func (m *Manager) SyncSource() fn.Option[peer.Peer] {
	req := &syncSourceReq{resp: make(chan fn.Option[peer.Peer], 1)}
	if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
		return fn.None[peer.Peer]()
	}

	return <-req.resp
}

// Peers returns a snapshot of the promoted records.
func (m *Manager) Peers() []Record {
	req := &listReq{resp: make(chan []Record, 1)}
	if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
		return nil
	}

	return <-req.resp
}

// send posts a request and waits for its error response.
func (m *Manager) send(req interface{}, resp chan error) error {
	if !fn.SendOrQuit[interface{}](m.queries, req, m.quit) {
		return ErrManagerStopped
	}

	select {
	case err := <-resp:
		return err

	case <-m.quit:
		return ErrManagerStopped
	}
}

// post delivers a fire-and-forget event to the loop.
func (m *Manager) post(evt interface{}) {
	fn.SendOrQuit(m.queries, evt, m.quit)
}

// onQueryTimeout is installed as the tracker's timeout callback: the failure
// is recorded against the peer and a header-timeout item is emitted into the
// pipeline. The consequence, switching sync source, is decided by the event
// loop rather than the tracker.
func (m *Manager) onQueryTimeout(p peer.Peer, query wire.Message) {
	m.post(&queryFailedEvt{p: p})

	if err := m.cfg.SubmitHeaderTimeout(m.ctx, p); err != nil {
		log.Errorf("Unable to submit header timeout for %v: %v", p,
			err)
	}
}

// poolState is the bookkeeping owned exclusively by the event goroutine. A
// peer is a member of exactly one of the supplier's candidate set, the
// promoted map, or the pending-deletion map at any time.
type poolState struct {
	m *Manager

	peers      map[peer.Peer]*Record
	pendingDel map[peer.Peer]*Record

	syncSource fn.Option[peer.Peer]

	waiters []*selectReq

	reconnects map[peer.Peer]int

	stopper *stopReq
}

// run is the manager's event loop. It is the single writer of the pool
// bookkeeping; every operation and lifecycle event is serialized here.
func (m *Manager) run() {
	defer m.wg.Done()
	defer close(m.quit)

	ps := &poolState{
		m:          m,
		peers:      make(map[peer.Peer]*Record),
		pendingDel: make(map[peer.Peer]*Record),
		syncSource: fn.None[peer.Peer](),
		reconnects: make(map[peer.Peer]int),
	}

	for {
		q := <-m.queries

		switch req := q.(type) {
		case *promoteReq:
			req.resp <- ps.promote(req.p)

		case *demoteReq:
			req.resp <- ps.demote(req.p)

		case *replaceReq:
			req.resp <- ps.replace(req.old, req.new_)

		case *selectReq:
			ps.selectRandom(req)

		case *selectExpired:
			ps.expireWaiter(req.req)

		case *handshakeReq:
			req.resp <- ps.admit(req.p)

		case *sessionReq:
			if rec, ok := ps.peers[req.p]; ok {
				req.resp <- fn.Some(rec.Session)
			} else {
				req.resp <- fn.None[*peer.Session]()
			}

		case *listReq:
			recs := make([]Record, 0, len(ps.peers))
			for _, rec := range ps.peers {
				recs = append(recs, *rec)
			}
			req.resp <- recs

		case *syncSourceReq:
			req.resp <- ps.syncSource

		case *disconnectEvt:
			ps.disconnected(req.p, req.local)

		case *queryFailedEvt:
			ps.queryFailed(req.p)

		case *dropSurplusEvt:
			ps.dropSurplus(req.p)

		case *stopReq:
			ps.beginStop(req)

		case *stopExpiredEvt:
			if ps.stopper != nil {
				ps.finishStop(ErrStopTimeout)
				return
			}

		case *sessionsDownEvt:
			// All Session.Stop calls have returned; the
			// disconnect events they raised are either processed
			// or queued ahead of nothing we care about.
			if ps.stopConverged() {
				ps.finishStop(nil)
				return
			}
		}

		if ps.stopper != nil && ps.stopConverged() {
			ps.finishStop(nil)
			return
		}
	}
}

// promote moves a peer from the candidate supplier into the promoted set.
func (ps *poolState) promote(p peer.Peer) error {
	if ps.stopper != nil {
		return ErrManagerStopped
	}

	if !ps.m.cfg.Supplier.HasPeer(p) {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, p)
	}
	if len(ps.peers) >= ps.m.cfg.MaxPeers {
		return fmt.Errorf("%w: %d promoted peers", ErrCapacityExceeded,
			len(ps.peers))
	}

	rec, err := ps.m.cfg.Supplier.PopFromCache(p).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrUnknownPeer, p),
	)
	if err != nil {
		return err
	}

	ps.insert(rec)

	return nil
}

// insert adds an owned record to the promoted set and performs the
// bookkeeping that follows any promotion.
func (ps *poolState) insert(rec *Record) {
	ps.peers[rec.Peer] = rec
	ps.m.metrics.promoted.Set(float64(len(ps.peers)))

	log.Infof("Promoted peer %v (services=%v), pool size %d/%d", rec.Peer,
		rec.Services, len(ps.peers), ps.m.cfg.MaxPeers)

	if ps.syncSource.IsNone() {
		ps.chooseSyncSource(fn.None[peer.Peer](), false)
	}

	ps.satisfyWaiters()
}

// demote removes a promoted peer and parks it pending deletion until its
// session confirms teardown, preventing the bookkeeping from being dropped
// before the underlying connection is actually closed.
func (ps *poolState) demote(p peer.Peer) error {
	rec, ok := ps.peers[p]
	if !ok {
		// Idempotent: a second demotion, or demoting a peer already
		// pending deletion, is a no-op.
		return nil
	}

	delete(ps.peers, p)
	ps.pendingDel[p] = rec
	ps.m.metrics.promoted.Set(float64(len(ps.peers)))

	log.Infof("Demoted peer %v, pool size %d/%d", p, len(ps.peers),
		ps.m.cfg.MaxPeers)

	ps.syncSource.WhenSome(func(src peer.Peer) {
		if src == p {
			ps.chooseSyncSource(fn.Some(p), false)
		}
	})

	// Stop the session off-loop; its disconnect event clears the
	// pending-deletion entry.
	sess := rec.Session
	ps.m.wg.Add(1)
	go func() {
		defer ps.m.wg.Done()
		sess.Stop()
	}()

	return nil
}

// replace atomically demotes old and promotes new, refusing when old
// uniquely provides a capability the pool depends on.
func (ps *poolState) replace(old, new_ peer.Peer) error {
	if ps.stopper != nil {
		return ErrManagerStopped
	}

	oldRec, ok := ps.peers[old]
	if !ok {
		return fmt.Errorf("peer %v is not promoted", old)
	}
	if !ps.m.cfg.Supplier.HasPeer(new_) {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, new_)
	}

	needed := ps.m.cfg.NeededServices
	if needed != 0 && peer.HasServices(oldRec.Services, needed) &&
		!ps.otherPeerHasServices(old, needed) {

		return fmt.Errorf("%w: %v", ErrIrreplaceablePeer, old)
	}

	newRec, err := ps.m.cfg.Supplier.PopFromCache(new_).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrUnknownPeer, new_),
	)
	if err != nil {
		return err
	}

	if err := ps.demote(old); err != nil {
		return err
	}
	ps.insert(newRec)

	return nil
}

// admit applies the admission policy to a peer that just completed its
// handshake under the supplier.
func (ps *poolState) admit(p peer.Peer) error {
	rec, err := ps.m.cfg.Supplier.PopFromCache(p).UnwrapOrErr(
		fmt.Errorf("%w: %v", ErrUnknownPeer, p),
	)
	if err != nil {
		return err
	}

	if ps.stopper != nil {
		ps.discard(rec)
		return ErrManagerStopped
	}

	// Below the limit we promote unconditionally.
	if len(ps.peers) < ps.m.cfg.MaxPeers {
		ps.insert(rec)
		return nil
	}

	// At the limit, a newcomer carrying the needed capability may evict
	// a promoted peer that lacks it. Tie-break among equally low-value
	// peers is deterministic first match in sorted order.
	needed := ps.m.cfg.NeededServices
	if needed != 0 && peer.HasServices(rec.Services, needed) {
		for _, cand := range ps.sortedPeers() {
			victim := ps.peers[cand]
			if peer.HasServices(victim.Services, needed) {
				continue
			}

			log.Infof("Evicting %v (services=%v) for %v "+
				"(services=%v)", victim.Peer, victim.Services,
				rec.Peer, rec.Services)
			ps.m.metrics.evictions.Inc()

			if err := ps.demote(cand); err != nil {
				ps.discard(rec)
				return err
			}
			ps.insert(rec)

			return nil
		}
	}

	// No slot and no eviction case: hold the peer just long enough to
	// collect its address announcements, then drop it.
	log.Debugf("Pool full, holding surplus peer %v for addresses", p)

	if err := rec.Session.Send(wire.NewMsgGetAddr()); err != nil {
		log.Debugf("Unable to request addresses from %v: %v", p, err)
	}

	ps.pendingDel[p] = rec
	time.AfterFunc(ps.m.cfg.AddrGracePeriod, func() {
		ps.m.post(&dropSurplusEvt{p: p})
	})

	return nil
}

// discard stops a record's session without promoting it, tracking it as
// pending deletion until the transport confirms.
func (ps *poolState) discard(rec *Record) {
	ps.pendingDel[rec.Peer] = rec

	sess := rec.Session
	ps.m.wg.Add(1)
	go func() {
		defer ps.m.wg.Done()
		sess.Stop()
	}()
}

// dropSurplus stops a surplus peer once its address grace period lapses.
func (ps *poolState) dropSurplus(p peer.Peer) {
	rec, ok := ps.pendingDel[p]
	if !ok || rec.Session.IsDisconnected() {
		return
	}

	log.Debugf("Dropping surplus peer %v", p)

	sess := rec.Session
	ps.m.wg.Add(1)
	go func() {
		defer ps.m.wg.Done()
		sess.Stop()
	}()
}

// selectRandom answers immediately when a qualifying peer exists, otherwise
// parks the request as a waiter bounded by the discovery timeout.
func (ps *poolState) selectRandom(req *selectReq) {
	if ps.stopper != nil {
		req.resp <- fn.Err[Record](ErrManagerStopped)
		return
	}

	if rec, ok := ps.pickRandom(req.required); ok {
		req.resp <- fn.Ok(rec)
		return
	}

	ps.waiters = append(ps.waiters, req)
	time.AfterFunc(ps.m.cfg.DiscoveryTimeout, func() {
		ps.m.post(&selectExpired{req: req})
	})
}

// pickRandom chooses uniformly among promoted peers carrying the required
// flags, preferring those without a recent failure.
func (ps *poolState) pickRandom(required wire.ServiceFlag) (Record, bool) {
	var healthy, failed []*Record

	now := ps.m.cfg.Clock.Now()
	for _, rec := range ps.peers {
		if !peer.HasServices(rec.Services, required) {
			continue
		}

		if rec.failedRecently(now, ps.m.cfg.FailureBackoff) {
			failed = append(failed, rec)
		} else {
			healthy = append(healthy, rec)
		}
	}

	pool := healthy
	if len(pool) == 0 {
		pool = failed
	}
	if len(pool) == 0 {
		return Record{}, false
	}

	return *pool[ps.m.rand.Intn(len(pool))], true
}

// satisfyWaiters resolves parked selections that the current pool can serve.
func (ps *poolState) satisfyWaiters() {
	remaining := ps.waiters[:0]
	for _, w := range ps.waiters {
		if rec, ok := ps.pickRandom(w.required); ok {
			w.resp <- fn.Ok(rec)
			continue
		}
		remaining = append(remaining, w)
	}
	ps.waiters = remaining
}

// expireWaiter fails a parked selection whose discovery timeout lapsed.
func (ps *poolState) expireWaiter(req *selectReq) {
	for i, w := range ps.waiters {
		if w != req {
			continue
		}

		ps.waiters = append(ps.waiters[:i], ps.waiters[i+1:]...)
		ps.m.metrics.selectFailures.Inc()
		w.resp <- fn.Err[Record](fmt.Errorf("%w with services %v",
			ErrNoQualifyingPeer, req.required))

		return
	}
}

// disconnected reacts to a session's teardown confirmation.
func (ps *poolState) disconnected(p peer.Peer, local bool) {
	// A teardown we arranged: the peer leaves the pending-deletion set
	// and its bookkeeping is complete.
	if _, ok := ps.pendingDel[p]; ok {
		delete(ps.pendingDel, p)
		log.Debugf("Teardown of %v confirmed, %d pending", p,
			len(ps.pendingDel))
		return
	}

	rec, ok := ps.peers[p]
	if !ok {
		// A candidate-phase session; the supplier owns that
		// lifecycle.
		return
	}

	delete(ps.peers, p)
	ps.m.metrics.promoted.Set(float64(len(ps.peers)))

	log.Infof("Promoted peer %v disconnected (local=%v), pool size %d/%d",
		p, local, len(ps.peers), ps.m.cfg.MaxPeers)

	// Losing the active sync source demands a replacement before we
	// return; with the pool empty that is fatal when a source is
	// required.
	ps.syncSource.WhenSome(func(src peer.Peer) {
		if src == p {
			ps.chooseSyncSource(fn.Some(p), true)
		}
	})

	// A peer that disconnected without being demoted by us, outside of
	// capacity shedding, is eligible for automatic reconnection through
	// the supplier until its attempt budget runs out.
	if local || ps.stopper != nil {
		return
	}

	attempts := ps.reconnects[p]
	if attempts < ps.m.cfg.MaxReconnectAttempts {
		ps.reconnects[p] = attempts + 1
		log.Debugf("Requeueing %v for reconnection (attempt %d/%d)",
			p, attempts+1, ps.m.cfg.MaxReconnectAttempts)
		ps.m.cfg.Supplier.AddCandidates(
			[]peer.Peer{p}, PriorityReconnect,
		)

		return
	}

	log.Infof("Reconnection attempts to %v exhausted", p)
	if err := rec.Session.ExhaustReconnect(); err != nil {
		log.Debugf("Unable to mark %v reconnect-exhausted: %v", p, err)
	}
	delete(ps.reconnects, p)
	ps.m.cfg.Supplier.RemovePeer(p)
}

// queryFailed stamps a failure on the peer and rotates the sync source away
// from it when possible.
func (ps *poolState) queryFailed(p peer.Peer) {
	rec, ok := ps.peers[p]
	if !ok {
		return
	}

	rec.LastFailure = ps.m.cfg.Clock.Now()
	ps.m.metrics.queryTimeouts.Inc()

	ps.syncSource.WhenSome(func(src peer.Peer) {
		if src == p {
			ps.chooseSyncSource(fn.Some(p), false)
		}
	})
}

// chooseSyncSource designates a new sync source among the promoted peers,
// avoiding the excluded peer when an alternative exists. Peers carrying the
// needed services are preferred; ties break deterministically in sorted
// order. With no promoted peers left, fatal selects whether the condition is
// surfaced through OnFatal.
func (ps *poolState) chooseSyncSource(exclude fn.Option[peer.Peer],
	fatal bool) {

	excluded := func(p peer.Peer) bool {
		return exclude.UnwrapOr(peer.Peer{}) == p && len(ps.peers) > 1
	}

	var fallback fn.Option[peer.Peer]
	for _, p := range ps.sortedPeers() {
		if excluded(p) {
			continue
		}

		if peer.HasServices(
			ps.peers[p].Services, ps.m.cfg.NeededServices,
		) {

			ps.setSyncSource(p)
			return
		}

		if fallback.IsNone() {
			fallback = fn.Some(p)
		}
	}

	if p, err := fallback.UnwrapOrErr(ErrNoQualifyingPeer); err == nil {
		ps.setSyncSource(p)
		return
	}

	ps.syncSource = fn.None[peer.Peer]()

	if fatal && ps.m.cfg.RequireSyncSource && ps.stopper == nil {
		err := fmt.Errorf("%w: no promoted peers remain for syncing",
			ErrNoQualifyingPeer)
		log.Errorf("Sync source lost: %v", err)

		if ps.m.cfg.OnFatal != nil {
			ps.m.cfg.OnFatal(err)
		}
	}
}

func (ps *poolState) setSyncSource(p peer.Peer) {
	ps.syncSource = fn.Some(p)
	log.Infof("Sync source is now %v", p)
}

// otherPeerHasServices reports whether any promoted peer besides the given
// one carries all the wanted flags.
func (ps *poolState) otherPeerHasServices(except peer.Peer,
	want wire.ServiceFlag) bool {

	for p, rec := range ps.peers {
		if p == except {
			continue
		}
		if peer.HasServices(rec.Services, want) {
			return true
		}
	}

	return false
}

// sortedPeers returns the promoted peer keys in deterministic order.
func (ps *poolState) sortedPeers() []peer.Peer {
	keys := make([]peer.Peer, 0, len(ps.peers))
	for p := range ps.peers {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys
}

// beginStop switches the loop into stopping mode: waiters are cancelled,
// queries abandoned, and every remaining session asked to stop concurrently.
func (ps *poolState) beginStop(req *stopReq) {
	if ps.stopper != nil {
		req.resp <- nil
		return
	}
	ps.stopper = req

	// Release pipeline producers and abandon in-flight queries.
	ps.m.cancel()
	ps.m.tracker.CancelAll()

	for _, w := range ps.waiters {
		w.resp <- fn.Err[Record](ErrManagerStopped)
	}
	ps.waiters = nil

	// Ask every session to stop concurrently; their disconnect events
	// drain the maps. A separate completion event covers the case where
	// every session already confirmed.
	var g errgroup.Group
	for p, rec := range ps.peers {
		delete(ps.peers, p)
		ps.pendingDel[p] = rec

		sess := rec.Session
		g.Go(func() error {
			sess.Stop()
			return nil
		})
	}
	for _, rec := range ps.pendingDel {
		sess := rec.Session
		g.Go(func() error {
			sess.Stop()
			return nil
		})
	}
	ps.m.metrics.promoted.Set(0)

	ps.m.wg.Add(1)
	go func() {
		defer ps.m.wg.Done()

		_ = g.Wait()
		ps.m.post(&sessionsDownEvt{})
	}()

	time.AfterFunc(ps.m.cfg.StopTimeout, func() {
		ps.m.post(&stopExpiredEvt{})
	})
}

// stopConverged reports whether both the promoted map and the
// pending-deletion set have drained.
func (ps *poolState) stopConverged() bool {
	return ps.stopper != nil && len(ps.peers) == 0 &&
		len(ps.pendingDel) == 0
}

// finishStop reports the stop outcome and lets the loop exit. Entries still
// pending deletion at this point are leaks logged for operator attention.
func (ps *poolState) finishStop(err error) {
	if err != nil {
		for p := range ps.pendingDel {
			log.Errorf("Leaked pending-deletion entry for %v", p)
		}
		for p := range ps.peers {
			log.Errorf("Leaked promoted entry for %v", p)
		}
	}

	log.Info("Peer manager stopped")
	ps.stopper.resp <- err
}
