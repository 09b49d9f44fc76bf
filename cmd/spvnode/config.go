package main

import (
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultLogFile     = "spvnode.log"
	defaultAddrBook    = "peers.txt"
	defaultMetricsAddr = "localhost:2112"
	defaultDebugLevel  = "info"
	defaultMaxPeers    = 8
)

// config holds the command line options of the node.
type config struct {
	TestNet bool `long:"testnet" description:"Use the test network"`

	Connect []string `long:"connect" description:"Connect only to the given host:port peers, skipping DNS seeding"`

	Proxy string `long:"proxy" description:"Dial peers through the given SOCKS5 proxy (host:port)"`

	MaxPeers int `long:"maxpeers" description:"Maximum number of promoted peers"`

	QueryTimeout time.Duration `long:"querytimeout" description:"How long a query may await its response"`

	DiscoveryTimeout time.Duration `long:"discoverytimeout" description:"How long peer selection waits for a qualifying peer"`

	DebugLevel string `long:"debuglevel" short:"d" description:"Logging level: trace, debug, info, warn, error, critical"`

	LogFile string `long:"logfile" description:"Path of the rotating log file"`

	AddrBook string `long:"addrbook" description:"Path of the known-peers file"`

	MetricsAddr string `long:"metricsaddr" description:"Listen address of the prometheus endpoint, empty disables it"`
}

// loadConfig parses the command line into a config with defaults applied.
func loadConfig() (*config, error) {
	cfg := &config{
		MaxPeers:    defaultMaxPeers,
		DebugLevel:  defaultDebugLevel,
		LogFile:     defaultLogFile,
		AddrBook:    defaultAddrBook,
		MetricsAddr: defaultMetricsAddr,
	}

	if _, err := flags.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
