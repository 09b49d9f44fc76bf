package finder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/PinkDiamond1/bitcoin-s/peermgr"
	fn "github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	cache "github.com/patrickmn/go-cache"
)

const (
	// DefaultDialInterval is the pacing between candidate handshake
	// attempts.
	DefaultDialInterval = 2 * time.Second

	// DefaultGraduateTTL is how long a handshake-tested peer is held for
	// promotion before its connection is shed.
	DefaultGraduateTTL = 2 * time.Minute

	// DefaultBanTTL is how long a removed peer stays excluded from
	// re-discovery.
	DefaultBanTTL = time.Hour

	// DefaultMaxConcurrentTests bounds in-flight handshake attempts.
	DefaultMaxConcurrentTests = 8
)

// ErrFinderStopped is returned when a candidate is handed to a finder that
// is no longer running.
var ErrFinderStopped = errors.New("peer finder has stopped")

// Config packages the collaborators of a Finder.
type Config struct {
	// NewSession builds a session, with its transport and callbacks
	// wired, for a candidate peer. The finder starts and observes it.
	NewSession func(p peer.Peer) (*peer.Session, error)

	// OnHandshake reports a tested peer to the pool manager for its
	// admission decision.
	OnHandshake func(p peer.Peer) error

	// AddressBook, when set, durably records peers on first successful
	// handshake.
	AddressBook peermgr.AddressBook

	// DialTicker paces handshake attempts.
	DialTicker ticker.Ticker

	// GraduateTTL bounds how long a tested peer waits for promotion.
	GraduateTTL time.Duration

	// BanTTL is the exclusion period applied by RemovePeer.
	BanTTL time.Duration

	// MaxConcurrentTests bounds in-flight handshake attempts.
	MaxConcurrentTests int
}

// Finder discovers and handshake-tests candidate peers on behalf of the pool
// manager. Candidates move through a queue, a mid-handshake pending set, and
// a TTL cache of tested peers awaiting promotion; peers the manager removes
// are banned for a while so rediscovery does not immediately re-dial them.
//
// NOTE: Must be constructed with New.
type Finder struct {
	cfg Config

	mtx     sync.Mutex
	queue   []peer.Peer
	queued  map[peer.Peer]struct{}
	pending map[peer.Peer]*peermgr.Record

	// graduated holds tested peers keyed by their address string. Records
	// evicted without being claimed have their session stopped by the
	// eviction hook.
	graduated *cache.Cache
	banned    *cache.Cache

	// claimedMtx guards claimed on its own so the eviction hook, which
	// runs inside the cache's lock, never has to take mtx.
	claimedMtx sync.Mutex
	claimed    map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	sem chan struct{}

	started sync.Once
	stopped sync.Once
	quit    chan struct{}
	wg      sync.WaitGroup
}

// Compile time check that Finder satisfies the manager's supplier contract.
var _ peermgr.CandidateSupplier = (*Finder)(nil)

// New constructs a Finder from the given config, applying defaults for any
// zero values.
func New(cfg *Config) *Finder {
	c := *cfg
	if c.GraduateTTL == 0 {
		c.GraduateTTL = DefaultGraduateTTL
	}
	if c.BanTTL == 0 {
		c.BanTTL = DefaultBanTTL
	}
	if c.MaxConcurrentTests == 0 {
		c.MaxConcurrentTests = DefaultMaxConcurrentTests
	}
	if c.DialTicker == nil {
		c.DialTicker = ticker.New(DefaultDialInterval)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &Finder{
		cfg:       c,
		queued:    make(map[peer.Peer]struct{}),
		pending:   make(map[peer.Peer]*peermgr.Record),
		graduated: cache.New(c.GraduateTTL, c.GraduateTTL),
		banned:    cache.New(c.BanTTL, 2*c.BanTTL),
		claimed:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		sem:       make(chan struct{}, c.MaxConcurrentTests),
		quit:      make(chan struct{}),
	}

	f.graduated.OnEvicted(f.graduateEvicted)

	return f
}

// Start launches the dial loop.
func (f *Finder) Start() error {
	f.started.Do(func() {
		log.Info("Starting peer finder")

		f.cfg.DialTicker.Resume()

		f.wg.Add(1)
		go f.dialLoop()
	})

	return nil
}

// Stop halts discovery and tears down every connection the finder still
// owns, queued, mid-handshake or awaiting promotion.
func (f *Finder) Stop() error {
	f.stopped.Do(func() {
		log.Info("Stopping peer finder")

		close(f.quit)
		f.cancel()
		f.cfg.DialTicker.Stop()

		f.mtx.Lock()
		pending := make([]*peermgr.Record, 0, len(f.pending))
		for _, rec := range f.pending {
			pending = append(pending, rec)
		}
		f.mtx.Unlock()

		for _, rec := range pending {
			rec.Session.Stop()
		}

		// Deleting entry by entry routes the remaining sessions
		// through the eviction hook; Flush would skip it.
		for key := range f.graduated.Items() {
			f.graduated.Delete(key)
		}

		f.wg.Wait()
	})

	return nil
}

// AddCandidates hands untested peers to the finder. Reconnect-priority
// candidates jump the queue; banned and already-tracked peers are skipped.
func (f *Finder) AddCandidates(peers []peer.Peer,
	priority peermgr.CandidatePriority) {

	f.mtx.Lock()
	defer f.mtx.Unlock()

	for _, p := range peers {
		if _, banned := f.banned.Get(p.String()); banned {
			log.Tracef("Skipping banned candidate %v", p)
			continue
		}
		if f.tracked(p) {
			continue
		}

		f.queued[p] = struct{}{}
		if priority == peermgr.PriorityReconnect {
			f.queue = append([]peer.Peer{p}, f.queue...)
		} else {
			f.queue = append(f.queue, p)
		}

		log.Debugf("Queued candidate %v (priority=%v, depth=%d)", p,
			priority, len(f.queue))
	}
}

// HasPeer reports whether the finder currently holds the peer in any stage.
func (f *Finder) HasPeer(p peer.Peer) bool {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.tracked(p)
}

// tracked reports membership in queue, pending set or graduate cache. Must
// be called with mtx held.
func (f *Finder) tracked(p peer.Peer) bool {
	if _, ok := f.queued[p]; ok {
		return true
	}
	if _, ok := f.pending[p]; ok {
		return true
	}
	_, ok := f.graduated.Get(p.String())

	return ok
}

// PopFromCache removes and returns the record of a handshake-tested peer.
// Ownership of the record, its live session included, passes to the caller.
func (f *Finder) PopFromCache(p peer.Peer) fn.Option[*peermgr.Record] {
	key := p.String()

	v, ok := f.graduated.Get(key)
	if !ok {
		return fn.None[*peermgr.Record]()
	}

	// Mark the record claimed so the eviction hook triggered by Delete
	// leaves its session running.
	f.claimedMtx.Lock()
	f.claimed[key] = struct{}{}
	f.claimedMtx.Unlock()

	f.graduated.Delete(key)

	f.claimedMtx.Lock()
	delete(f.claimed, key)
	f.claimedMtx.Unlock()

	return fn.Some(v.(*peermgr.Record))
}

// RemovePeer drops the peer from every stage and bans it for the configured
// period.
func (f *Finder) RemovePeer(p peer.Peer) {
	f.mtx.Lock()
	if _, ok := f.queued[p]; ok {
		delete(f.queued, p)
		for i, q := range f.queue {
			if q == p {
				f.queue = append(f.queue[:i], f.queue[i+1:]...)
				break
			}
		}
	}
	rec := f.pending[p]
	delete(f.pending, p)
	f.mtx.Unlock()

	if rec != nil {
		rec.Session.Stop()
	}

	// An unclaimed cache entry is shed through the eviction hook.
	f.graduated.Delete(p.String())

	f.banned.SetDefault(p.String(), struct{}{})

	log.Debugf("Removed and banned peer %v", p)
}

// graduateEvicted sheds the session of a tested peer that aged out of the
// cache without being promoted. Claimed records changed hands through
// PopFromCache and are left alone.
func (f *Finder) graduateEvicted(key string, v interface{}) {
	f.claimedMtx.Lock()
	_, claimed := f.claimed[key]
	f.claimedMtx.Unlock()
	if claimed {
		return
	}

	rec, ok := v.(*peermgr.Record)
	if !ok {
		return
	}

	log.Debugf("Shedding unpromoted peer %v", rec.Peer)

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		rec.Session.Stop()
	}()
}

// dialLoop paces handshake attempts off the dial ticker.
func (f *Finder) dialLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.cfg.DialTicker.Ticks():
			p, ok := f.nextCandidate()
			if !ok {
				continue
			}

			select {
			case f.sem <- struct{}{}:
			case <-f.quit:
				return
			}

			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				defer func() { <-f.sem }()

				f.testCandidate(p)
			}()

		case <-f.quit:
			return
		}
	}
}

// nextCandidate dequeues the next candidate and moves it into the pending
// set so it stays visible to HasPeer during its handshake.
func (f *Finder) nextCandidate() (peer.Peer, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if len(f.queue) == 0 {
		return peer.Peer{}, false
	}

	p := f.queue[0]
	f.queue = f.queue[1:]
	delete(f.queued, p)
	f.pending[p] = &peermgr.Record{Peer: p}

	return p, true
}

// testCandidate dials the peer and drives it through its handshake. On
// success the record graduates into the promotion cache and the manager is
// notified; on failure the peer is simply forgotten.
func (f *Finder) testCandidate(p peer.Peer) {
	sess, err := f.cfg.NewSession(p)
	if err != nil {
		log.Debugf("Unable to build session for %v: %v", p, err)
		f.forget(p)
		return
	}

	f.mtx.Lock()
	rec, ok := f.pending[p]
	if !ok {
		f.mtx.Unlock()
		return
	}
	rec.Session = sess
	f.mtx.Unlock()

	if err := sess.Start(f.ctx); err != nil {
		log.Debugf("Unable to connect to %v: %v", p, err)
		f.forget(p)
		return
	}

	select {
	case <-sess.Initialized():
		f.graduate(rec)

	case <-sess.Disconnected():
		log.Debugf("Candidate %v disconnected during handshake", p)
		f.forget(p)

	case <-f.quit:
		sess.Stop()
		f.forget(p)
	}
}

// graduate records a successful handshake and hands the peer to the manager
// for its admission decision.
func (f *Finder) graduate(rec *peermgr.Record) {
	rec.Services = rec.Session.Services()

	f.mtx.Lock()
	delete(f.pending, rec.Peer)
	f.mtx.Unlock()

	f.graduated.SetDefault(rec.Peer.String(), rec)

	log.Infof("Peer %v passed handshake (services=%v)", rec.Peer,
		rec.Services)

	if f.cfg.AddressBook != nil {
		err := f.cfg.AddressBook.RecordPeer(rec.Peer, rec.Services)
		if err != nil {
			log.Warnf("Unable to record peer %v: %v", rec.Peer,
				err)
		}
	}

	if err := f.cfg.OnHandshake(rec.Peer); err != nil {
		log.Debugf("Manager declined %v: %v", rec.Peer, err)
	}
}

func (f *Finder) forget(p peer.Peer) {
	f.mtx.Lock()
	delete(f.pending, p)
	f.mtx.Unlock()
}
