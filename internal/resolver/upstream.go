package resolver

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Upstream resolves host names against one explicitly configured DNS
// server, bypassing the host's own resolver configuration entirely.
// Useful when the tunnel server runs in a minimal container whose
// /etc/resolv.conf can't be trusted or doesn't exist.
type Upstream struct {
	client *dns.Client
	server string
}

// NewUpstream returns a Resolver that queries server (host:port, UDP)
// directly, retrying over TCP if the UDP answer is truncated.
func NewUpstream(server string) *Upstream {
	return &Upstream{client: new(dns.Client), server: server}
}

// LookupHost resolves host via the configured upstream server, querying
// A then AAAA records. A literal IP is returned unchanged.
func (u *Upstream) LookupHost(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}

	var addrs []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		ips, err := u.query(ctx, host, qtype)
		if err != nil {
			continue
		}
		addrs = append(addrs, ips...)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolver: no address found for %s via %s", host, u.server)
	}
	return addrs, nil
}

func (u *Upstream) query(ctx context.Context, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	reply, _, err := u.client.ExchangeContext(ctx, msg, u.server)
	if err != nil {
		return nil, err
	}
	if reply.Truncated {
		tcpClient := *u.client
		tcpClient.Net = "tcp"
		reply, _, err = tcpClient.ExchangeContext(ctx, msg, u.server)
		if err != nil {
			return nil, err
		}
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("resolver: rcode %d for %s", reply.Rcode, host)
	}

	var out []string
	for _, rr := range reply.Answer {
		switch a := rr.(type) {
		case *dns.A:
			out = append(out, a.A.String())
		case *dns.AAAA:
			out = append(out, a.AAAA.String())
		}
	}
	return out, nil
}
