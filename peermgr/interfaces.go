package peermgr

import (
	"time"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/btcsuite/btcd/wire"
	fn "github.com/lightningnetwork/lnd/fn/v2"
)

// CandidatePriority orders candidates handed to the supplier.
type CandidatePriority uint8

const (
	// PriorityDefault queues a candidate behind existing ones.
	PriorityDefault CandidatePriority = iota

	// PriorityReconnect queues a candidate ahead of untested ones, used
	// for peers we want to re-establish promptly.
	PriorityReconnect
)

// Record is the pool's bookkeeping for one peer. The manager owns a Record
// exclusively from the moment it is popped from the candidate supplier; it
// is never shared back.
type Record struct {
	// Peer is the identity this record belongs to.
	Peer peer.Peer

	// Services is the capability bitmask the peer advertised during its
	// handshake.
	Services wire.ServiceFlag

	// LastFailure is the last time a query to this peer failed, or the
	// zero time if it never has. Mutated only by the manager's event
	// loop.
	LastFailure time.Time

	// Session is the live connection handle: outbound sender, state
	// observer and stop control.
	Session *peer.Session
}

// failedRecently reports whether the record carries a failure within the
// given backoff window of now.
func (r *Record) failedRecently(now time.Time, backoff time.Duration) bool {
	return !r.LastFailure.IsZero() && now.Sub(r.LastFailure) < backoff
}

// CandidateSupplier is the external collaborator that discovers, dials and
// handshake-tests peers. It holds peers mid-handshake until the manager
// promotes them; the manager never tests or dials on its own.
type CandidateSupplier interface {
	// AddCandidates hands untested peers to the supplier.
	AddCandidates(peers []peer.Peer, priority CandidatePriority)

	// HasPeer reports whether the supplier currently holds the peer,
	// either queued or mid-handshake.
	HasPeer(p peer.Peer) bool

	// PopFromCache removes and returns the record of a peer whose
	// handshake succeeded, or None if the supplier does not hold it.
	PopFromCache(p peer.Peer) fn.Option[*Record]

	// RemovePeer drops the peer from the supplier entirely, marking it
	// known-bad for a while.
	RemovePeer(p peer.Peer)

	// Stop winds the supplier down.
	Stop() error
}

// AddressBook durably records peer addresses on first successful handshake.
// Persistence itself is an external collaborator.
type AddressBook interface {
	// RecordPeer persists the peer's address and advertised capabilities.
	RecordPeer(p peer.Peer, services wire.ServiceFlag) error
}
