// Package stream composes a raw byte stream with a Crypto Context and an
// optional Obfuscator into a message-oriented duplex: read_some/write
// over plaintext chunks, per the Snell Stream component.
package stream

import (
	"net"
	"sync"

	"github.com/icpz/open-snell/internal/cryptoctx"
	"github.com/icpz/open-snell/internal/obfs"
	"github.com/icpz/open-snell/internal/snellerr"
)

// readBufSize is the per-read buffer; §5's backpressure rule reads at
// most one buffer before the caller is expected to act on it.
const readBufSize = 8192

// Stream is a single connection's plaintext-chunk duplex.
type Stream struct {
	conn       net.Conn
	ctx        *cryptoctx.Context
	obfuscator obfs.Obfuscator

	raw []byte

	writeMu sync.Mutex
}

// New wraps conn with ctx and, if obfuscator is non-nil, that obfuscator
// instance (already a per-session Duplicate, never the shared template).
func New(conn net.Conn, ctx *cryptoctx.Context, obfuscator obfs.Obfuscator) *Stream {
	return &Stream{
		conn:       conn,
		ctx:        ctx,
		obfuscator: obfuscator,
		raw:        make([]byte, readBufSize),
	}
}

// ReadSome returns the next batch of decrypted plaintext, looping
// internally over partial obfuscator greetings and partial AEAD chunks
// until either plaintext is available, a zero chunk is observed, or the
// underlying connection errors out.
func (s *Stream) ReadSome() (plain []byte, zeroChunk bool, err error) {
	for {
		n, rerr := s.conn.Read(s.raw)
		if n > 0 {
			chunk := s.raw[:n]
			if s.obfuscator != nil {
				produced, res := s.obfuscator.DeobfsRequest(chunk)
				switch res {
				case obfs.ResultInvalid:
					return nil, false, snellerr.ErrObfsMismatch
				case obfs.ResultNeedMore:
					produced = nil
				}
				chunk = produced
			}

			if len(chunk) > 0 {
				plain, zeroChunk, err = s.ctx.DecryptSome(nil, chunk)
				if err != nil {
					return nil, false, err
				}
				if len(plain) > 0 || zeroChunk {
					return plain, zeroChunk, nil
				}
			}
		}
		if rerr != nil {
			return nil, false, rerr
		}
	}
}

// FallbackConsumed reports whether the Crypto Context's one-shot
// primary/fallback cipher swap has fired (or no fallback was configured
// to begin with).
func (s *Stream) FallbackConsumed() bool {
	return s.ctx.FallbackConsumed()
}

// Write encrypts plain (optionally appending a zero-length end-of-stream
// chunk), obfuscates it, and writes the complete buffer to the socket in
// one call. Concurrent Write calls on the same Stream are serialized.
func (s *Stream) Write(plain []byte, addZeroChunk bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctext, err := s.ctx.EncryptSome(nil, plain, addZeroChunk)
	if err != nil {
		return err
	}

	var wire []byte
	if s.obfuscator != nil {
		wire = s.obfuscator.ObfsResponse(nil, ctext)
	} else {
		wire = ctext
	}
	if len(wire) == 0 {
		return nil
	}

	_, err = s.conn.Write(wire)
	return err
}
