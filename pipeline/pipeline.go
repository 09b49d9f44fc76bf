package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	fn "github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/queue"
)

// ErrPipelineStopped is returned when submitting to a pipeline that is no
// longer running.
var ErrPipelineStopped = errors.New("pipeline has stopped")

// DefaultCapacity is the queue depth used when the config leaves it zero.
const DefaultCapacity = 100

// item is the tagged union flowing through the pipeline: either an inbound
// payload with its originating peer, or a header-timeout notification for a
// peer. Items are transient, created on arrival and consumed by the single
// worker.
type item struct {
	from peer.Peer

	// msg is set for payload items, nil for timeout items.
	msg wire.Message

	// resp, when non-nil, receives the handler's error once the item has
	// been processed.
	resp chan error
}

// Config parameterizes a Pipeline over its sync-state type S.
type Config[S any] struct {
	// Initial is the sync state the pipeline starts from.
	Initial S

	// Capacity bounds the queue. Producers block once it is reached;
	// items are never silently dropped.
	Capacity int

	// HandlePayload folds one inbound payload into the sync state,
	// returning the replacement state.
	HandlePayload func(ctx context.Context, msg wire.Message, from peer.Peer,
		state S) (S, error)

	// HandleHeaderTimeout folds a header-timeout notification for the
	// given peer into the sync state, returning the replacement state.
	HandleHeaderTimeout func(ctx context.Context, from peer.Peer,
		state S) (S, error)
}

// Pipeline serializes concurrent payload arrivals from many peers into one
// ordered stream. Exactly one worker consumes the queue, so the
// read-modify-write of the sync state is race-free without any locking on
// the hot path.
//
// NOTE: Must be constructed with New.
type Pipeline[S any] struct {
	cfg Config[S]

	q *queue.BackpressureQueue[item]

	// stateMtx guards state for external snapshots only; the worker is
	// the sole writer.
	stateMtx sync.RWMutex
	state    S

	gm     *fn.GoroutineManager
	cancel context.CancelFunc

	started sync.Once
	stopped sync.Once
}

// New constructs a Pipeline with the given configuration.
func New[S any](cfg Config[S]) *Pipeline[S] {
	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	// The queue's drop predicate never fires: a full queue blocks the
	// producer instead of shedding items.
	neverDrop := func(int, item) bool { return false }

	return &Pipeline[S]{
		cfg:   cfg,
		q:     queue.NewBackpressureQueue(capacity, neverDrop),
		state: cfg.Initial,
		gm:    fn.NewGoroutineManager(),
	}
}

// Start launches the single consumer goroutine.
func (p *Pipeline[S]) Start(ctx context.Context) error {
	var err error
	p.started.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		p.cancel = cancel

		if !p.gm.Go(ctx, p.worker) {
			err = ErrPipelineStopped
		}
	})

	return err
}

// Stop halts the consumer. Items still queued are discarded; producers
// blocked in Submit are released with a context error.
func (p *Pipeline[S]) Stop() {
	p.stopped.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.gm.Stop()
	})
}

// Submit enqueues an inbound payload for sequential processing. It blocks
// while the queue is full, propagating backpressure to the producing
// session.
func (p *Pipeline[S]) Submit(ctx context.Context, msg wire.Message,
	from peer.Peer) error {

	return p.enqueue(ctx, item{from: from, msg: msg})
}

// SubmitWait enqueues an inbound payload and blocks until the handler has
// processed it, returning the handler's error.
func (p *Pipeline[S]) SubmitWait(ctx context.Context, msg wire.Message,
	from peer.Peer) error {

	it := item{from: from, msg: msg, resp: make(chan error, 1)}
	if err := p.enqueue(ctx, it); err != nil {
		return err
	}

	select {
	case err := <-it.resp:
		return err

	case <-ctx.Done():
		return ctx.Err()

	case <-p.gm.Done():
		return ErrPipelineStopped
	}
}

// SubmitHeaderTimeout enqueues a header-timeout notification for the given
// peer.
func (p *Pipeline[S]) SubmitHeaderTimeout(ctx context.Context,
	from peer.Peer) error {

	return p.enqueue(ctx, item{from: from})
}

// State returns a snapshot of the current sync state.
func (p *Pipeline[S]) State() S {
	p.stateMtx.RLock()
	defer p.stateMtx.RUnlock()

	return p.state
}

func (p *Pipeline[S]) enqueue(ctx context.Context, it item) error {
	select {
	case <-p.gm.Done():
		return ErrPipelineStopped
	default:
	}

	return p.q.Enqueue(ctx, it)
}

// worker is the pipeline's only consumer. Because nothing else touches the
// sync state between the read and the write, handlers observe a strictly
// serial history of states.
func (p *Pipeline[S]) worker(ctx context.Context) {
	for {
		it, err := p.q.Dequeue(ctx).Unpack()
		if err != nil {
			return
		}

		p.process(ctx, it)
	}
}

func (p *Pipeline[S]) process(ctx context.Context, it item) {
	var (
		next S
		err  error
	)

	switch {
	case it.msg != nil:
		log.Tracef("Processing %s from %v: %v", it.msg.Command(),
			it.from, newLogClosure(func() string {
				return spew.Sdump(it.msg)
			}))

		next, err = p.cfg.HandlePayload(ctx, it.msg, it.from, p.state)

	default:
		log.Debugf("Processing header timeout for %v", it.from)

		next, err = p.cfg.HandleHeaderTimeout(ctx, it.from, p.state)
	}

	if err != nil {
		log.Errorf("Handler failed for peer %v: %v", it.from, err)
	} else {
		p.stateMtx.Lock()
		p.state = next
		p.stateMtx.Unlock()
	}

	if it.resp != nil {
		it.resp <- err
	}
}
