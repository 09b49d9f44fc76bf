package finder

import (
	"errors"
	"net"

	"github.com/PinkDiamond1/bitcoin-s/peer"
	"github.com/miekg/dns"
)

// resolvConf is the resolver configuration consulted for nameservers.
const resolvConf = "/etc/resolv.conf"

// ErrNoNameservers is returned when the resolver configuration yields no
// usable nameservers.
var ErrNoNameservers = errors.New("no nameservers configured")

// Bootstrap resolves the given DNS seeds and returns the advertised node
// addresses as candidates on the given port. Seeds that fail to resolve are
// logged and skipped; an error is returned only when no nameserver could be
// consulted at all.
func Bootstrap(seeds []string, port uint16) ([]peer.Peer, error) {
	conf, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, err
	}
	if len(conf.Servers) == 0 {
		return nil, ErrNoNameservers
	}

	server := net.JoinHostPort(conf.Servers[0], conf.Port)
	client := &dns.Client{}

	var peers []peer.Peer
	for _, seed := range seeds {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			hosts, err := resolve(client, server, seed, qtype)
			if err != nil {
				log.Debugf("Seed %s lookup failed: %v", seed,
					err)
				continue
			}

			for _, host := range hosts {
				peers = append(peers, peer.New(host, port))
			}
		}
	}

	log.Infof("Resolved %d candidate addresses from %d seeds",
		len(peers), len(seeds))

	return peers, nil
}

// resolve queries one seed for one record type and returns the addresses in
// the answer section.
func resolve(client *dns.Client, server, seed string,
	qtype uint16) ([]string, error) {

	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(seed), qtype)

	r, _, err := client.Exchange(msg, server)
	if err != nil {
		return nil, err
	}

	var hosts []string
	for _, rr := range r.Answer {
		switch a := rr.(type) {
		case *dns.A:
			hosts = append(hosts, a.A.String())

		case *dns.AAAA:
			hosts = append(hosts, a.AAAA.String())
		}
	}

	return hosts, nil
}
