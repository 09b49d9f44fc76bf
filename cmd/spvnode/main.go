package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/PinkDiamond1/bitcoin-s/finder"
	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/PinkDiamond1/bitcoin-s/peermgr"
	"github.com/PinkDiamond1/bitcoin-s/pipeline"
	"github.com/PinkDiamond1/bitcoin-s/transport"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	appName    = "spvnode"
	appVersion = "0.1.0"

	// neededServices is the capability set header syncing depends on.
	neededServices = wire.SFNodeNetwork | wire.SFNodeWitness

	// syncInterval paces the header sync loop.
	syncInterval = 30 * time.Second
)

// syncState is the header sync bookkeeping threaded through the pipeline.
type syncState struct {
	bestHash   chainhash.Hash
	numHeaders int32
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := initLogging(cfg.LogFile, cfg.DebugLevel); err != nil {
		return err
	}
	defer logRotator.Close()

	params := &chaincfg.MainNetParams
	if cfg.TestNet {
		params = &chaincfg.TestNet3Params
	}
	defaultPort, err := strconv.ParseUint(params.DefaultPort, 10, 16)
	if err != nil {
		return err
	}

	log.Infof("%s %s starting on %s", appName, appVersion, params.Name)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	addrBook, err := newFileAddrBook(cfg.AddrBook)
	if err != nil {
		return fmt.Errorf("unable to open address book: %w", err)
	}

	// The manager, finder and pipeline reference each other through
	// closures; the variables are bound before anything starts.
	var (
		mgr  *peermgr.Manager
		fndr *finder.Finder
	)

	pipe := pipeline.New(pipeline.Config[syncState]{
		Initial: syncState{bestHash: *params.GenesisHash},
		HandlePayload: func(_ context.Context, msg wire.Message,
			from peer.Peer, state syncState) (syncState, error) {

			return handlePayload(msg, from, state, fndr)
		},
		HandleHeaderTimeout: func(_ context.Context, from peer.Peer,
			state syncState) (syncState, error) {

			log.Warnf("Header request to %v timed out at "+
				"height %d", from, state.numHeaders)

			return state, nil
		},
	})

	fndr = finder.New(&finder.Config{
		NewSession: func(p peer.Peer) (*peer.Session, error) {
			return newSession(p, params.Net, mgr)
		},
		OnHandshake: func(p peer.Peer) error {
			return mgr.OnHandshakeComplete(p)
		},
		AddressBook: addrBook,
	})

	mgr = peermgr.New(&peermgr.Config{
		MaxPeers:          cfg.MaxPeers,
		NeededServices:    neededServices,
		DiscoveryTimeout:  cfg.DiscoveryTimeout,
		QueryTimeout:      cfg.QueryTimeout,
		RequireSyncSource: true,
		Supplier:          fndr,
		Submit:            pipe.Submit,
		SubmitHeaderTimeout: func(ctx context.Context,
			from peer.Peer) error {

			return pipe.SubmitHeaderTimeout(ctx, from)
		},
		OnFatal: func(err error) {
			log.Criticalf("Peer pool unusable: %v", err)
			stop()
		},
	})

	if err := pipe.Start(ctx); err != nil {
		return err
	}
	if err := mgr.Start(); err != nil {
		return err
	}
	if err := fndr.Start(); err != nil {
		return err
	}

	seedCandidates(cfg, params, uint16(defaultPort), addrBook, fndr)

	if cfg.MetricsAddr != "" {
		startMetrics(cfg.MetricsAddr, mgr)
	}

	go syncLoop(ctx, mgr, pipe)

	<-ctx.Done()

	log.Info("Shutting down")

	if err := fndr.Stop(); err != nil {
		log.Errorf("Finder stop failed: %v", err)
	}
	if err := mgr.Stop(); err != nil {
		log.Errorf("Manager stop failed: %v", err)
	}
	pipe.Stop()

	final := pipe.State()
	log.Infof("Synced %d headers, best hash %v", final.numHeaders,
		final.bestHash)

	return nil
}

// newSession builds a session over a fresh TCP transport, wired to report
// payloads and disconnects to the manager.
func newSession(p peer.Peer, btcnet wire.BitcoinNet,
	mgr *peermgr.Manager) (*peer.Session, error) {

	return peer.NewSession(&peer.SessionConfig{
		Peer: p,
		Transport: transport.New(&transport.Config{
			Peer: p,
			Net:  btcnet,
		}),
		LocalVersion: localVersion,
		PingInterval: 2 * time.Minute,
		OnPayload:    mgr.HandlePayload,
		OnDisconnect: mgr.OnPeerDisconnected,
	}), nil
}

// localVersion builds our identity announcement for a handshake.
func localVersion() *wire.MsgVersion {
	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)

	msg := wire.NewMsgVersion(me, you, rand.Uint64(), 0)
	_ = msg.AddUserAgent(appName, appVersion)

	return msg
}

// seedCandidates primes the finder from, in order of preference, the
// --connect list, the address book, and the network's DNS seeds.
func seedCandidates(cfg *config, params *chaincfg.Params, defaultPort uint16,
	addrBook *fileAddrBook, fndr *finder.Finder) {

	if len(cfg.Connect) > 0 {
		var peers []peer.Peer
		for _, addr := range cfg.Connect {
			p, err := parsePeer(addr)
			if err != nil {
				log.Warnf("Skipping --connect %q: %v", addr,
					err)
				continue
			}
			p.Proxy = cfg.Proxy
			peers = append(peers, p)
		}
		fndr.AddCandidates(peers, peermgr.PriorityDefault)

		return
	}

	if known := addrBook.Peers(); len(known) > 0 {
		log.Infof("Seeding %d peers from the address book",
			len(known))
		fndr.AddCandidates(known, peermgr.PriorityDefault)
	}

	seeds := make([]string, 0, len(params.DNSSeeds))
	for _, seed := range params.DNSSeeds {
		seeds = append(seeds, seed.Host)
	}

	go func() {
		peers, err := finder.Bootstrap(seeds, defaultPort)
		if err != nil {
			log.Errorf("DNS bootstrap failed: %v", err)
			return
		}

		if cfg.Proxy != "" {
			for i := range peers {
				peers[i].Proxy = cfg.Proxy
			}
		}
		fndr.AddCandidates(peers, peermgr.PriorityDefault)
	}()
}

// handlePayload folds one inbound payload into the sync state. Address
// announcements feed discovery; header batches advance the chain tip.
func handlePayload(msg wire.Message, from peer.Peer, state syncState,
	fndr *finder.Finder) (syncState, error) {

	switch m := msg.(type) {
	case *wire.MsgHeaders:
		for _, hdr := range m.Headers {
			state.bestHash = hdr.BlockHash()
		}
		state.numHeaders += int32(len(m.Headers))

		if len(m.Headers) > 0 {
			log.Debugf("Advanced to height %d (tip %v) via %v",
				state.numHeaders, state.bestHash, from)
		}

	case *wire.MsgAddr:
		peers := make([]peer.Peer, 0, len(m.AddrList))
		for _, na := range m.AddrList {
			peers = append(peers, peer.New(
				na.IP.String(), na.Port,
			))
		}
		fndr.AddCandidates(peers, peermgr.PriorityDefault)
	}

	return state, nil
}

// syncLoop periodically asks a qualifying peer for the headers following our
// current tip. Response handling, timeout handling included, flows through
// the pipeline.
func syncLoop(ctx context.Context, mgr *peermgr.Manager,
	pipe *pipeline.Pipeline[syncState]) {

	t := time.NewTicker(syncInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			requestHeaders(mgr, pipe.State())

		case <-ctx.Done():
			return
		}
	}
}

func requestHeaders(mgr *peermgr.Manager, state syncState) {
	rec, err := mgr.SelectRandom(neededServices)
	if err != nil {
		log.Warnf("No peer available for header sync: %v", err)
		return
	}

	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = wire.ProtocolVersion
	if err := msg.AddBlockLocatorHash(&state.bestHash); err != nil {
		log.Errorf("Unable to build locator: %v", err)
		return
	}

	if err := mgr.SendQuery(rec.Peer, msg); err != nil {
		log.Debugf("Header request to %v failed: %v", rec.Peer, err)
	}
}

// startMetrics exposes the pool metrics over a prometheus endpoint.
func startMetrics(addr string, mgr *peermgr.Manager) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(mgr.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	go func() {
		log.Infof("Metrics listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("Metrics server failed: %v", err)
		}
	}()
}

// parsePeer splits a "host:port" address into a peer identity.
func parsePeer(addr string) (peer.Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return peer.Peer{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return peer.Peer{}, err
	}

	return peer.New(host, uint16(port)), nil
}
