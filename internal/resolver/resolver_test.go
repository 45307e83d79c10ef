package resolver

import (
	"context"
	"testing"
)

func TestDefaultLookupHostLiteralIP(t *testing.T) {
	d := NewDefault()
	addrs, err := d.LookupHost(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Fatalf("got %v", addrs)
	}
}

func TestDefaultLookupHostLocalhost(t *testing.T) {
	d := NewDefault()
	addrs, err := d.LookupHost(context.Background(), "localhost")
	if err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if len(addrs) == 0 {
		t.Fatalf("expected at least one address for localhost")
	}
}

func TestUpstreamLookupHostLiteralIP(t *testing.T) {
	u := NewUpstream("127.0.0.1:1")
	addrs, err := u.LookupHost(context.Background(), "::1")
	if err != nil {
		t.Fatalf("LookupHost: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "::1" {
		t.Fatalf("got %v", addrs)
	}
}
