package socks5

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver turns a domain destination into an IP address for the UDP
// relay. Resolution failures affect the packet being relayed, never the
// association.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// NetResolver resolves through the system resolver.
type NetResolver struct {
	Resolver *net.Resolver
}

// Resolve implements Resolver.
func (r *NetResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	return addrs[0].IP, nil
}

// DNSResolver queries a specific DNS server directly, bypassing the
// system configuration. Useful when the relay must resolve through the
// same egress as the proxied traffic.
type DNSResolver struct {
	// Server is the "host:port" of the DNS server to query.
	Server string

	client dns.Client
}

// Resolve implements Resolver: A first, AAAA as fallback.
func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	fqdn := dns.Fqdn(host)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				return record.A, nil
			case *dns.AAAA:
				return record.AAAA, nil
			}
		}
	}
	return nil, fmt.Errorf("no A or AAAA records for %q", host)
}
