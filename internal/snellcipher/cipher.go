// Package snellcipher implements the two AEAD primitives the Snell wire
// protocol negotiates over: AES-128-GCM and ChaCha20-Poly1305-IETF.
package snellcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SaltSize is the per-direction random prefix used to derive the key.
	SaltSize = 16
	// KeySize is the nominal derived key width; AES-128-GCM only consumes
	// the first 16 bytes of it.
	KeySize = 32
	// NonceSize is the AEAD nonce width for both variants.
	NonceSize = 12
	// TagSize is the authentication tag width for both variants.
	TagSize = 16
)

// ErrAuthFailure is returned when an AEAD tag fails to verify.
var ErrAuthFailure = errors.New("snellcipher: authentication failed")

// Kind identifies a concrete AEAD variant by name, as it appears in
// configuration and logs.
type Kind string

const (
	KindAES128GCM    Kind = "aes-128-gcm"
	KindChacha20IETF Kind = "chacha20-ietf-poly1305"
)

// Cipher is a stateless AEAD primitive: given a key and nonce it seals or
// opens exactly one record. Instances are immutable and safe to share
// across every session in the process.
type Cipher interface {
	Kind() Kind
	SaltSize() int
	KeySize() int
	NonceSize() int
	TagSize() int
	Encrypt(key, nonce, plaintext []byte) ([]byte, error)
	Decrypt(key, nonce, sealed []byte) ([]byte, error)
}

type aesGCMCipher struct{}

// NewAES128GCM returns the process-global AES-128-GCM cipher singleton.
func NewAES128GCM() Cipher { return aesGCMCipher{} }

func (aesGCMCipher) Kind() Kind     { return KindAES128GCM }
func (aesGCMCipher) SaltSize() int  { return SaltSize }
func (aesGCMCipher) KeySize() int   { return KeySize }
func (aesGCMCipher) NonceSize() int { return NonceSize }
func (aesGCMCipher) TagSize() int   { return TagSize }

func (aesGCMCipher) aead(key []byte) (cipher.AEAD, error) {
	// Only the low 16 bytes of the derived 32-byte key material are used;
	// derive_key always produces KeySize bytes regardless of variant.
	block, err := aes.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("snellcipher: aes: %w", err)
	}
	return cipher.NewGCM(block)
}

func (c aesGCMCipher) Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (c aesGCMCipher) Decrypt(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return out, nil
}

type chachaCipher struct{}

// NewChacha20Poly1305IETF returns the process-global ChaCha20-Poly1305-IETF
// cipher singleton.
func NewChacha20Poly1305IETF() Cipher { return chachaCipher{} }

func (chachaCipher) Kind() Kind     { return KindChacha20IETF }
func (chachaCipher) SaltSize() int  { return SaltSize }
func (chachaCipher) KeySize() int   { return KeySize }
func (chachaCipher) NonceSize() int { return NonceSize }
func (chachaCipher) TagSize() int   { return TagSize }

func (chachaCipher) aead(key []byte) (cipher.AEAD, error) {
	return chacha20poly1305.New(key)
}

func (c chachaCipher) Encrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (c chachaCipher) Decrypt(key, nonce, sealed []byte) ([]byte, error) {
	aead, err := c.aead(key)
	if err != nil {
		return nil, err
	}
	out, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return out, nil
}

// ByKind resolves a Cipher singleton by its configuration name. Used when
// wiring the primary/fallback pair for a new Crypto Context.
func ByKind(kind Kind) (Cipher, error) {
	switch kind {
	case KindAES128GCM:
		return NewAES128GCM(), nil
	case KindChacha20IETF:
		return NewChacha20Poly1305IETF(), nil
	default:
		return nil, fmt.Errorf("snellcipher: unknown cipher kind %q", kind)
	}
}

// OtherKind returns the Snell fallback partner for a configured primary
// cipher: AES-128-GCM falls back to ChaCha20-Poly1305-IETF and vice versa.
func OtherKind(kind Kind) Kind {
	if kind == KindAES128GCM {
		return KindChacha20IETF
	}
	return KindAES128GCM
}
