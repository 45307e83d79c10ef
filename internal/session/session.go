// Package session implements the per-connection Snell state machine:
// handshake parsing, DNS resolution, target connect, bidirectional
// forwarding, v2 sub-session reuse, and error replies.
package session

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/icpz/open-snell/internal/cryptoctx"
	"github.com/icpz/open-snell/internal/obfs"
	"github.com/icpz/open-snell/internal/snellcipher"
	"github.com/icpz/open-snell/internal/snellerr"
	"github.com/icpz/open-snell/internal/stream"
)

const (
	protocolVersion = 0x01

	cmdPing      = 0x00
	cmdConnectV1 = 0x01
	cmdConnectV2 = 0x05

	replyError = 0x02

	maxErrorMessage = 255
	forwardBufSize  = 8192
)

// Resolver looks up the IP addresses backing a target hostname. Callers
// pass a literal IP through unchanged (implementations should special
// case it), so the connect path always has at least one candidate to
// dial.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer opens a TCP connection to a resolved address, with whatever
// socket tuning the implementation applies.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Metrics receives session lifecycle counters. A nil Metrics is valid;
// every method is a no-op in that case.
type Metrics interface {
	SessionStarted()
	SessionEnded()
	AuthFailure()
	CipherFallback()
	ObfsMismatch()
}

// Config bundles everything a Session needs that is shared across all
// sessions on the server: the PSK, cipher pair, obfuscator template, and
// target resolution collaborators.
type Config struct {
	PSK      []byte
	Primary  snellcipher.Cipher
	Fallback snellcipher.Cipher

	// ObfsTemplate is the shared, immutable obfuscator template, or nil
	// to disable obfuscation. Each Session clones it via Duplicate.
	ObfsTemplate obfs.Obfuscator

	Resolver Resolver
	Dialer   Dialer

	Metrics Metrics
}

type noopMetrics struct{}

func (noopMetrics) SessionStarted() {}
func (noopMetrics) SessionEnded()   {}
func (noopMetrics) AuthFailure()    {}
func (noopMetrics) CipherFallback() {}
func (noopMetrics) ObfsMismatch()   {}

// Session is the per-accepted-connection state machine. It is created
// once per connection and, for v2 clients, lives across multiple
// back-to-back sub-sessions (handshake/forward cycles) until the
// connection closes.
type Session struct {
	conn   net.Conn
	cfg    Config
	log    zerolog.Logger
	metric Metrics

	uid                  string
	snellV2              bool
	shutdownAfterForward bool
	fallbackReported     bool
}

// New creates a Session for an already-accepted client connection.
func New(conn net.Conn, cfg Config, log zerolog.Logger) *Session {
	metric := cfg.Metrics
	if metric == nil {
		metric = noopMetrics{}
	}
	return &Session{conn: conn, cfg: cfg, log: log, metric: metric, uid: "<none>"}
}

// Run drives the Session to completion: one or more handshake/forward
// sub-sessions, then closes the underlying connection. It never
// returns an error; all failures are logged and end the session. The
// Crypto Context and obfuscator are created once here and carried across
// every sub-session on the connection.
func (s *Session) Run(ctx context.Context) {
	s.metric.SessionStarted()
	defer s.metric.SessionEnded()
	defer s.conn.Close()

	cryptoCtx := cryptoctx.New(s.cfg.PSK, s.cfg.Primary, s.cfg.Fallback)
	var obfuscator obfs.Obfuscator
	if s.cfg.ObfsTemplate != nil {
		obfuscator = s.cfg.ObfsTemplate.Duplicate()
	}
	st := stream.New(s.conn, cryptoCtx, obfuscator)

	for {
		cont := s.runSubSession(ctx, st)
		if !cont {
			return
		}
	}
}

// runSubSession executes exactly one handshake followed by its ping or
// connect outcome. It returns true iff a v2 client should be given
// another handshake on the same connection.
func (s *Session) runSubSession(ctx context.Context, st *stream.Stream) bool {
	s.uid = "<none>"
	s.shutdownAfterForward = false

	hr := &handshakeReader{st: st, session: s}

	cont, err := s.handleHandshake(ctx, st, hr)
	if err != nil {
		s.logHandshakeError(err)
		return false
	}
	return cont
}

// handshakeReader accumulates plaintext chunks from a Stream until a
// requested number of bytes is available, tracking whether a zero chunk
// was observed along the way.
type handshakeReader struct {
	st           *stream.Stream
	session      *Session
	buf          []byte
	sawZeroChunk bool
}

func (h *handshakeReader) need(n int) error {
	for len(h.buf) < n {
		plain, zero, err := h.st.ReadSome()
		if err != nil {
			if errors.Is(err, cryptoctx.ErrAuthFailure) {
				h.session.metric.AuthFailure()
			}
			return err
		}
		h.session.observeFallback(h.st)
		h.buf = append(h.buf, plain...)
		if zero {
			h.sawZeroChunk = true
		}
	}
	return nil
}

func (h *handshakeReader) take(n int) []byte {
	b := h.buf[:n:n]
	h.buf = h.buf[n:]
	return b
}

// handleHandshake parses the handshake record and dispatches to the
// ping or connect path. It returns whether the connection should loop
// back to a new handshake (v2 sub-session reuse) and any error that ends
// the session; already-read plaintext beyond the handshake record is
// handed to handleConnect as the first client-to-target bytes.
func (s *Session) handleHandshake(ctx context.Context, st *stream.Stream, hr *handshakeReader) (cont bool, err error) {
	if err := hr.need(1); err != nil {
		return false, err
	}
	version := hr.take(1)[0]
	if version != protocolVersion {
		return false, snellerr.ErrUnsupportedVersion
	}

	if err := hr.need(1); err != nil {
		return false, err
	}
	cmd := hr.take(1)[0]

	if err := hr.need(1); err != nil {
		return false, err
	}
	uidLen := int(hr.take(1)[0])
	if err := hr.need(uidLen); err != nil {
		return false, err
	}
	uid := hr.take(uidLen)
	if len(uid) > 0 {
		s.uid = string(uid)
	}

	switch cmd {
	case cmdPing:
		s.handlePing(st)
		return false, nil

	case cmdConnectV1, cmdConnectV2:
		s.snellV2 = cmd == cmdConnectV2

		if err := hr.need(1); err != nil {
			return false, err
		}
		addrLen := int(hr.take(1)[0])
		if err := hr.need(addrLen); err != nil {
			return false, err
		}
		addr := string(hr.take(addrLen))

		if err := hr.need(2); err != nil {
			return false, err
		}
		port := binary.BigEndian.Uint16(hr.take(2))

		if hr.sawZeroChunk {
			s.shutdownAfterForward = true
		}

		return s.handleConnect(ctx, st, addr, port, hr.buf), nil

	default:
		return false, snellerr.ErrUnsupportedCommand
	}
}

// handlePing replies with a single plaintext 0x00 byte plus a zero
// chunk, then ends the session unconditionally.
func (s *Session) handlePing(st *stream.Stream) {
	if err := st.Write([]byte{0x00}, true); err != nil {
		s.log.Info().Err(err).Str("uid", s.uid).Msg("ping reply failed")
	}
}

// handleConnect resolves and dials the target, forwards bytes in both
// directions once connected, and reports whether a v2 client gets a new
// sub-session afterwards.
func (s *Session) handleConnect(ctx context.Context, st *stream.Stream, addr string, port uint16, initialC2T []byte) (cont bool) {
	hosts, rerr := s.cfg.Resolver.LookupHost(ctx, addr)
	if rerr != nil || len(hosts) == 0 {
		s.replyError(st, errors.Join(snellerr.ErrResolveFailure, rerr))
		return s.snellV2
	}

	target, derr := s.dialFirst(ctx, hosts, port)
	if derr != nil {
		s.replyError(st, errors.Join(snellerr.ErrConnectFailure, derr))
		return s.snellV2
	}
	defer target.Close()

	s.forward(st, target, initialC2T)

	return s.snellV2
}

// observeFallback reports a cipher fallback swap to Metrics the first
// time it is observed on this session's Crypto Context.
func (s *Session) observeFallback(st *stream.Stream) {
	if s.fallbackReported || s.cfg.Fallback == nil {
		return
	}
	if st.FallbackConsumed() {
		s.fallbackReported = true
		s.metric.CipherFallback()
	}
}

func (s *Session) dialFirst(ctx context.Context, hosts []string, port uint16) (net.Conn, error) {
	var lastErr error
	for _, h := range hosts {
		addr := net.JoinHostPort(h, strconv.Itoa(int(port)))
		conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (s *Session) replyError(st *stream.Stream, cause error) {
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	payload := make([]byte, 0, 2+len(msg))
	payload = append(payload, replyError, byte(len(msg)))
	payload = append(payload, msg...)
	if err := st.Write(payload, true); err != nil {
		s.log.Info().Err(err).Str("uid", s.uid).Msg("error reply failed")
	}
}

// forward enters the FORWARDING state: two goroutines copy bytes in each
// direction until both finish, joined by a completion latch (a
// WaitGroup of size two is the idiomatic Go realization of one).
func (s *Session) forward(st *stream.Stream, target net.Conn, initialC2T []byte) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.runC2T(st, target, initialC2T, &wg)
	go s.runT2C(st, target, &wg)
	wg.Wait()
}

func (s *Session) runC2T(st *stream.Stream, target net.Conn, initial []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	defer closeWrite(target)

	if len(initial) > 0 {
		if _, err := target.Write(initial); err != nil {
			return
		}
	}

	for !s.shutdownAfterForward {
		plain, zero, err := st.ReadSome()
		if err != nil {
			if errors.Is(err, cryptoctx.ErrAuthFailure) {
				s.metric.AuthFailure()
			}
			return
		}
		s.observeFallback(st)
		if len(plain) > 0 {
			if _, werr := target.Write(plain); werr != nil {
				return
			}
		}
		if zero {
			s.shutdownAfterForward = true
		}
	}
}

func (s *Session) runT2C(st *stream.Stream, target net.Conn, wg *sync.WaitGroup) {
	defer wg.Done()
	defer closeRead(target)

	buf := make([]byte, forwardBufSize)
	first := true
	for {
		n, rerr := target.Read(buf)
		chunk := buf[:n]
		if first {
			framed := make([]byte, 0, n+1)
			framed = append(framed, 0x00)
			framed = append(framed, chunk...)
			chunk = framed
			first = false
		}
		if len(chunk) > 0 {
			if werr := st.Write(chunk, false); werr != nil {
				return
			}
		}
		if rerr != nil {
			if rerr == io.EOF && s.snellV2 {
				_ = st.Write(nil, true)
			}
			return
		}
	}
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}

func closeRead(conn net.Conn) {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
	}
}

func (s *Session) logHandshakeError(err error) {
	if errors.Is(err, io.EOF) {
		s.log.Info().Str("uid", s.uid).Msg("client closed during handshake")
		return
	}
	if errors.Is(err, snellerr.ErrObfsMismatch) {
		s.metric.ObfsMismatch()
	}
	s.log.Warn().Err(err).Str("uid", s.uid).Msg("session ended")
}
