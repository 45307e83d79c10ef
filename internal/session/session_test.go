package session

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/icpz/open-snell/internal/cryptoctx"
	"github.com/icpz/open-snell/internal/snellcipher"
)

const testPSK = "hunter2"

// fakeResolver treats any dotted-quad as already resolved and rejects
// everything else, enough to drive the handshake's resolve step without
// a real DNS dependency.
type fakeResolver struct{}

func (fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if net.ParseIP(host) != nil {
		return []string{host}, nil
	}
	return nil, errors.New("no such host")
}

// fixedDialer redirects every dial to a single preconfigured address, so
// tests can exercise the connect path against a real loopback listener
// without depending on the handshake's literal port value.
type fixedDialer struct{ addr string }

func (f fixedDialer) DialContext(_ context.Context, network, _ string) (net.Conn, error) {
	return net.Dial(network, f.addr)
}

type failDialer struct{}

func (failDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func newTestPair(dialer Dialer) (client net.Conn, cfg Config) {
	client, server := net.Pipe()
	cipher := snellcipher.NewAES128GCM()
	cfg = Config{
		PSK:      []byte(testPSK),
		Primary:  cipher,
		Resolver: fakeResolver{},
		Dialer:   dialer,
	}
	go func() {
		sess := New(server, cfg, zerolog.Nop())
		sess.Run(context.Background())
	}()
	return client, cfg
}

func encodeHandshake(version, cmd byte, uid []byte, addr string, port uint16) []byte {
	b := []byte{version, cmd, byte(len(uid))}
	b = append(b, uid...)
	if cmd == 0x01 || cmd == 0x05 {
		b = append(b, byte(len(addr)))
		b = append(b, addr...)
		b = append(b, byte(port>>8), byte(port))
	}
	return b
}

func readDecrypted(t *testing.T, conn net.Conn, ctx *cryptoctx.Context, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			plain, zero, derr := ctx.DecryptSome(nil, buf[:n])
			if derr != nil {
				t.Fatalf("decrypt: %v", derr)
			}
			out = append(out, plain...)
			if zero {
				return out, true
			}
		}
		if err != nil {
			return out, false
		}
	}
}

func TestSessionPing(t *testing.T) {
	client, cfg := newTestPair(failDialer{})
	defer client.Close()

	clientCtx := cryptoctx.New([]byte(testPSK), cfg.Primary, nil)
	wire, err := clientCtx.EncryptSome(nil, encodeHandshake(0x01, 0x00, nil, "", 0), true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := client.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	plain, zero := readDecrypted(t, client, clientCtx, time.Second)
	if string(plain) != "\x00" {
		t.Fatalf("got %x want single 0x00", plain)
	}
	if !zero {
		t.Fatalf("expected zero chunk")
	}
}

func TestSessionConnectLoopbackEcho(t *testing.T) {
	echoAddr := startEchoServer(t)

	client, server := net.Pipe()
	cipher := snellcipher.NewAES128GCM()
	cfg := Config{
		PSK:      []byte(testPSK),
		Primary:  cipher,
		Resolver: fakeResolver{},
		Dialer:   fixedDialer{addr: echoAddr},
	}
	go func() {
		sess := New(server, cfg, zerolog.Nop())
		sess.Run(context.Background())
	}()
	defer client.Close()

	clientCtx := cryptoctx.New([]byte(testPSK), cipher, nil)
	hs, err := clientCtx.EncryptSome(nil, encodeHandshake(0x01, 0x05, nil, "127.0.0.1", 7), false)
	if err != nil {
		t.Fatalf("encrypt handshake: %v", err)
	}
	hs, err = clientCtx.EncryptSome(hs, []byte("hello"), true)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	if _, err := client.Write(hs); err != nil {
		t.Fatalf("write: %v", err)
	}

	plain, zero := readDecrypted(t, client, clientCtx, 2*time.Second)
	if string(plain) != "\x00hello" {
		t.Fatalf("got %q want %q", plain, "\x00hello")
	}
	if !zero {
		t.Fatalf("expected zero chunk")
	}
}

func TestSessionResolveFailureV2Reenters(t *testing.T) {
	client, cfg := newTestPair(failDialer{})
	defer client.Close()

	clientCtx := cryptoctx.New([]byte(testPSK), cfg.Primary, nil)
	hs, err := clientCtx.EncryptSome(nil, encodeHandshake(0x01, 0x05, nil, "no.such.host.invalid", 80), true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := client.Write(hs); err != nil {
		t.Fatalf("write: %v", err)
	}

	plain, zero := readDecrypted(t, client, clientCtx, time.Second)
	if len(plain) < 2 || plain[0] != replyError {
		t.Fatalf("got %x want error reply", plain)
	}
	if !zero {
		t.Fatalf("expected zero chunk after error reply")
	}

	// v2: the server must be back at the handshake stage on the same
	// connection, ready for a ping.
	ping, err := clientCtx.EncryptSome(nil, encodeHandshake(0x01, 0x00, nil, "", 0), true)
	if err != nil {
		t.Fatalf("encrypt ping: %v", err)
	}
	if _, err := client.Write(ping); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	plain, zero = readDecrypted(t, client, clientCtx, time.Second)
	if string(plain) != "\x00" || !zero {
		t.Fatalf("expected ping reply after re-entering handshake, got %x zero=%v", plain, zero)
	}
}

func TestSessionV1ClosesWithoutReentryOrTrailingZeroChunk(t *testing.T) {
	echoAddr := startEchoServer(t)

	client, server := net.Pipe()
	cipher := snellcipher.NewAES128GCM()
	cfg := Config{
		PSK:      []byte(testPSK),
		Primary:  cipher,
		Resolver: fakeResolver{},
		Dialer:   fixedDialer{addr: echoAddr},
	}
	go func() {
		sess := New(server, cfg, zerolog.Nop())
		sess.Run(context.Background())
	}()
	defer client.Close()

	clientCtx := cryptoctx.New([]byte(testPSK), cipher, nil)
	hs, err := clientCtx.EncryptSome(nil, encodeHandshake(0x01, 0x01, nil, "127.0.0.1", 7), false)
	if err != nil {
		t.Fatalf("encrypt handshake: %v", err)
	}
	hs, err = clientCtx.EncryptSome(hs, []byte("hello"), true)
	if err != nil {
		t.Fatalf("encrypt payload: %v", err)
	}
	if _, err := client.Write(hs); err != nil {
		t.Fatalf("write: %v", err)
	}

	plain, zero := readDecrypted(t, client, clientCtx, 2*time.Second)
	if string(plain) != "\x00hello" {
		t.Fatalf("got %q want %q", plain, "\x00hello")
	}
	if zero {
		t.Fatalf("v1 must suppress the trailing zero chunk on target EOF")
	}

	// The connection should now be closed by the server (v1 never
	// re-enters handshake); a further write should fail or the next
	// read should observe closure rather than a second reply.
	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 16)
	if n, err := client.Read(buf); err == nil && n > 0 {
		t.Fatalf("expected no further data after v1 forwarding, got %x", buf[:n])
	}
}
