// Package cryptoctx implements the Snell record framer: the streaming AEAD
// chunk protocol that turns a raw byte stream into authenticated,
// length-prefixed plaintext chunks and back.
package cryptoctx

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/icpz/open-snell/internal/snellcipher"
)

// ErrInvalidState is returned when a direction is used for the wrong
// operation (encrypting on a decrypt-only context or vice versa).
var ErrInvalidState = errors.New("cryptoctx: direction used for wrong operation")

// ErrAuthFailure is returned when a chunk fails AEAD verification and no
// fallback swap is available to recover.
var ErrAuthFailure = snellcipher.ErrAuthFailure

const (
	maxChunkBody    = 0x3FFF
	headerPlainSize = 2
)

type direction int

const (
	stateUninitialized direction = iota
	stateEncrypt
	stateDecrypt
)

// directionContext is the per-direction mutable state: once state leaves
// stateUninitialized it is fixed for the lifetime of the Context.
type directionContext struct {
	state direction
	key   []byte
	nonce [snellcipher.NonceSize]byte
}

func (d *directionContext) incrementNonce() {
	for i := range d.nonce {
		d.nonce[i]++
		if d.nonce[i] != 0 {
			return
		}
	}
}

// Context is a per-session, per-direction-pair streaming AEAD framer. It
// owns a primary cipher, an optional one-shot fallback cipher, the shared
// PSK, and independent encrypt/decrypt Direction Contexts.
type Context struct {
	psk      []byte
	primary  snellcipher.Cipher
	fallback snellcipher.Cipher

	cipherSelected bool

	enc directionContext
	dec directionContext

	decBuf   []byte
	decStart int
}

// New creates a Crypto Context bound to psk, trying primary first on the
// decrypt side and falling back to fallback exactly once on first auth
// failure. fallback may be nil to disable the fallback swap entirely.
func New(psk []byte, primary, fallback snellcipher.Cipher) *Context {
	return &Context{psk: psk, primary: primary, fallback: fallback}
}

// FallbackConsumed reports whether the one-shot fallback swap has already
// fired (or no fallback was configured to begin with).
func (c *Context) FallbackConsumed() bool {
	return c.fallback == nil
}

// CipherSelected reports whether any chunk has been successfully
// authenticated yet, i.e. the wire cipher variant is now known for sure.
func (c *Context) CipherSelected() bool {
	return c.cipherSelected
}

// headerSealedSize is the on-wire size of a sealed chunk-length header:
// a 2-byte plaintext length plus one AEAD tag.
func headerSealedSize() int { return headerPlainSize + snellcipher.TagSize }

// EncryptSome appends the encrypted framing of ptext to dst, generating
// and emitting a fresh salt on first use. If addZeroChunk is set, a
// trailing zero-length chunk (end-of-stream marker) is appended after the
// body chunks.
func (c *Context) EncryptSome(dst, ptext []byte, addZeroChunk bool) ([]byte, error) {
	if c.enc.state == stateDecrypt {
		return dst, ErrInvalidState
	}
	if len(ptext) == 0 && !addZeroChunk {
		return dst, nil
	}

	if c.enc.state == stateUninitialized {
		salt := make([]byte, c.primary.SaltSize())
		if _, err := rand.Read(salt); err != nil {
			return dst, err
		}
		c.enc.key = deriveKey(c.psk, salt, c.primary.KeySize())
		dst = append(dst, salt...)
		c.enc.state = stateEncrypt
		c.cipherSelected = true
	}

	for len(ptext) > 0 {
		n := len(ptext)
		if n > maxChunkBody {
			n = maxChunkBody
		}
		piece := ptext[:n]
		ptext = ptext[n:]

		var lenBuf [headerPlainSize]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		sealedLen, err := c.primary.Encrypt(c.enc.key, c.enc.nonce[:], lenBuf[:])
		if err != nil {
			return dst, err
		}
		c.enc.incrementNonce()
		dst = append(dst, sealedLen...)

		sealedBody, err := c.primary.Encrypt(c.enc.key, c.enc.nonce[:], piece)
		if err != nil {
			return dst, err
		}
		c.enc.incrementNonce()
		dst = append(dst, sealedBody...)
	}

	if addZeroChunk {
		var lenBuf [headerPlainSize]byte
		sealed, err := c.primary.Encrypt(c.enc.key, c.enc.nonce[:], lenBuf[:])
		if err != nil {
			return dst, err
		}
		c.enc.incrementNonce()
		dst = append(dst, sealed...)
	}

	return dst, nil
}

// DecryptSome appends newly decrypted plaintext from ctext (plus any
// buffered remainder from previous calls) to dst. hasZeroChunk reports
// whether a zero-length chunk was observed, ending this logical stream.
func (c *Context) DecryptSome(dst, ctext []byte) (out []byte, hasZeroChunk bool, err error) {
	if c.dec.state == stateEncrypt {
		return dst, false, ErrInvalidState
	}

	if len(ctext) == 0 && c.decStart >= len(c.decBuf) {
		return dst, false, nil
	}
	c.decBuf = append(c.decBuf, ctext...)

	if c.dec.state == stateUninitialized {
		if len(c.decBuf)-c.decStart < c.primary.SaltSize() {
			return dst, false, nil
		}
		salt := c.decBuf[c.decStart : c.decStart+c.primary.SaltSize()]
		c.dec.key = deriveKey(c.psk, salt, c.primary.KeySize())
		c.decStart += c.primary.SaltSize()
		c.dec.state = stateDecrypt
	}

	hdrSize := headerSealedSize()
	for {
		pending := c.decBuf[c.decStart:]
		if len(pending) < hdrSize {
			break
		}

		plainHeader, derr := c.primary.Decrypt(c.dec.key, c.dec.nonce[:], pending[:hdrSize])
		if derr != nil {
			if c.swapFallback() {
				continue
			}
			return dst, false, ErrAuthFailure
		}
		c.cipherSelected = true

		chunkLen := int(binary.BigEndian.Uint16(plainHeader))
		needed := hdrSize
		if chunkLen != 0 {
			needed += chunkLen + snellcipher.TagSize
		}
		if len(pending) < needed {
			// Need more bytes; neither the buffer position nor the nonce
			// has been committed, so this header is retried verbatim once
			// more data arrives.
			break
		}

		c.dec.incrementNonce()
		if chunkLen == 0 {
			hasZeroChunk = true
			c.decStart += hdrSize
			break
		}

		plainBody, derr := c.primary.Decrypt(c.dec.key, c.dec.nonce[:], pending[hdrSize:needed])
		if derr != nil {
			return dst, false, ErrAuthFailure
		}
		c.dec.incrementNonce()
		dst = append(dst, plainBody...)
		c.decStart += needed
	}

	c.compact()
	return dst, hasZeroChunk, nil
}

// swapFallback performs the one-shot primary/fallback swap: eligible only
// while no chunk has ever been successfully authenticated and a fallback
// cipher is still available.
func (c *Context) swapFallback() bool {
	if c.cipherSelected || c.fallback == nil {
		return false
	}
	c.primary, c.fallback = c.fallback, nil
	return true
}

// HasPending reports whether the decrypt buffer holds more than a full
// sealed header's worth of bytes, i.e. enough to retry a chunk decode
// without waiting on the socket again.
func (c *Context) HasPending() bool {
	return len(c.decBuf)-c.decStart > headerSealedSize()
}

// compact reclaims consumed buffer space so the decrypt-side buffer does
// not grow without bound across a long-lived connection.
func (c *Context) compact() {
	if c.decStart == 0 {
		return
	}
	if c.decStart == len(c.decBuf) {
		c.decBuf = c.decBuf[:0]
		c.decStart = 0
		return
	}
	if c.decStart < 32*1024 {
		return
	}
	n := copy(c.decBuf, c.decBuf[c.decStart:])
	c.decBuf = c.decBuf[:n]
	c.decStart = 0
}
