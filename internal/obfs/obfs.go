// Package obfs implements the two wire-level traffic obfuscators: an
// HTTP-Upgrade imitation and a pseudo-TLS record imitation. Both sit
// between the raw socket and the AEAD chunk stream, re-framing bytes
// without touching their meaning.
package obfs

// Kind names a configured obfuscator variant, as seen in configuration.
type Kind string

const (
	KindNone Kind = ""
	KindHTTP Kind = "http"
	KindTLS  Kind = "tls"
)

// Result is the outcome of feeding bytes into DeobfsRequest during the
// handshake stage.
type Result int

const (
	// ResultOK means produced holds zero or more bytes of recovered
	// ciphertext, and the call may be repeated with more input.
	ResultOK Result = iota
	// ResultNeedMore means the greeting is not yet fully buffered.
	ResultNeedMore
	// ResultInvalid means the greeting is structurally malformed; fatal
	// to the session.
	ResultInvalid
)

type stage int

const (
	stageGreeting stage = iota
	stageSteady
)

// Obfuscator is a per-session, per-direction byte-stream adapter. Each
// session owns its own clone, made via Duplicate from a shared, immutable
// template; the template itself is never mutated after construction.
type Obfuscator interface {
	Kind() Kind

	// ObfsResponse appends the obfuscated framing of payload (already
	// encrypted bytes) to dst, prepending a synthetic greeting on the
	// first call.
	ObfsResponse(dst, payload []byte) []byte

	// DeobfsRequest feeds newly arrived bytes into the obfuscator,
	// returning any ciphertext bytes recovered so far.
	DeobfsRequest(data []byte) (produced []byte, result Result)

	// Duplicate returns a fresh instance carrying only this
	// obfuscator's immutable configuration (e.g. the configured host),
	// with handshake state reset.
	Duplicate() Obfuscator
}

// New builds a fresh Obfuscator template for kind, or nil if kind is
// KindNone. host is the obfs-host configuration value; both variants
// keep it and carry it across Duplicate, but neither reads it when
// parsing the client greeting or building the server reply.
func New(kind Kind, host string) Obfuscator {
	switch kind {
	case KindHTTP:
		return NewHTTP(host)
	case KindTLS:
		return NewTLS(host)
	default:
		return nil
	}
}
