// Package resolver implements target-address resolution for the tunnel
// server's connect path: a stdlib-backed default, and an optional
// upstream-DNS-server-backed variant for operators who don't want to
// trust the host's own resolver configuration.
package resolver

import (
	"context"
	"net"
)

// Default resolves through the standard library's resolver (the host's
// /etc/resolv.conf, or the Go DNS client if cgo is unavailable).
type Default struct {
	resolver *net.Resolver
}

// NewDefault returns a Resolver backed by net.Resolver.
func NewDefault() *Default {
	return &Default{resolver: net.DefaultResolver}
}

// LookupHost resolves host to its candidate IP addresses. A literal IP
// is returned unchanged without touching the network.
func (d *Default) LookupHost(ctx context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	return d.resolver.LookupHost(ctx, host)
}
