package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/icpz/open-snell/internal/cryptoctx"
	"github.com/icpz/open-snell/internal/session"
	"github.com/icpz/open-snell/internal/snellcipher"
)

type noResolver struct{}

func (noResolver) LookupHost(context.Context, string) ([]string, error) {
	return nil, errors.New("no targets in this test")
}

type noDialer struct{}

func (noDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("no targets in this test")
}

func TestServerReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	shutdown, errCh := Run(Config{
		ListenAddr: ln.Addr().String(),
		Session:    session.Config{PSK: []byte("hunter2"), Primary: snellcipher.NewAES128GCM()},
		Logger:     zerolog.Nop(),
	})
	defer shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected a listen error for an address already in use")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected a listen error within timeout")
	}
}

func TestServerEndToEndPing(t *testing.T) {
	cipher := snellcipher.NewAES128GCM()
	cfg := Config{
		ListenAddr: "127.0.0.1:0",
		Session: session.Config{
			PSK:      []byte("hunter2"),
			Primary:  cipher,
			Resolver: noResolver{},
			Dialer:   noDialer{},
		},
		Logger: zerolog.Nop(),
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	cfg.ListenAddr = addr

	shutdown, errCh := Run(cfg)
	defer shutdown()

	time.Sleep(20 * time.Millisecond)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		select {
		case lerr := <-errCh:
			t.Fatalf("listen error: %v", lerr)
		default:
		}
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	clientCtx := cryptoctx.New([]byte("hunter2"), cipher, nil)
	wire, err := clientCtx.EncryptSome(nil, []byte{0x01, 0x00, 0x00}, true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := conn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 256)
	var plain []byte
	var zero bool
	for !zero {
		n, err := conn.Read(buf)
		if n > 0 {
			p, z, derr := clientCtx.DecryptSome(nil, buf[:n])
			if derr != nil {
				t.Fatalf("decrypt: %v", derr)
			}
			plain = append(plain, p...)
			if z {
				zero = true
			}
		}
		if err != nil && !zero {
			t.Fatalf("read: %v", err)
		}
	}
	if string(plain) != "\x00" {
		t.Fatalf("got %x want single 0x00", plain)
	}
}
