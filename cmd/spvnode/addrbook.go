package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/PinkDiamond1/bitcoin-s/peermgr"
	"github.com/btcsuite/btcd/wire"
)

// fileAddrBook is a flat-file address book, one "host:port services" line
// per peer, appended on first successful handshake. It stands in for the
// node's real persistence layer.
type fileAddrBook struct {
	mtx  sync.Mutex
	path string

	known map[peer.Peer]struct{}
}

var _ peermgr.AddressBook = (*fileAddrBook)(nil)

// newFileAddrBook opens the address book at path, loading any previously
// recorded peers.
func newFileAddrBook(path string) (*fileAddrBook, error) {
	b := &fileAddrBook{
		path:  path,
		known: make(map[peer.Peer]struct{}),
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		p, err := parsePeer(fields[0])
		if err != nil {
			log.Warnf("Skipping malformed address book entry "+
				"%q: %v", scanner.Text(), err)
			continue
		}
		b.known[p] = struct{}{}
	}

	return b, scanner.Err()
}

// Peers returns the previously recorded peers.
func (b *fileAddrBook) Peers() []peer.Peer {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	peers := make([]peer.Peer, 0, len(b.known))
	for p := range b.known {
		peers = append(peers, p)
	}

	return peers
}

// RecordPeer appends the peer to the address book unless already present.
func (b *fileAddrBook) RecordPeer(p peer.Peer, services wire.ServiceFlag) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	if _, ok := b.known[p]; ok {
		return nil
	}

	f, err := os.OpenFile(
		b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600,
	)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %d\n", p.Addr(), services); err != nil {
		return err
	}

	b.known[p] = struct{}{}

	return nil
}
