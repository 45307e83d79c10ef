// Package snellerr holds the protocol-level sentinel errors shared across
// the tunnel engine, so callers can classify a failure with errors.Is
// instead of string matching.
package snellerr

import "errors"

var (
	// ErrObfsMismatch means the HTTP or TLS obfuscator saw a
	// structurally invalid greeting. Fatal to the session.
	ErrObfsMismatch = errors.New("snell: obfuscator greeting mismatch")

	// ErrUnsupportedVersion means the handshake's version byte was not
	// the one this server speaks.
	ErrUnsupportedVersion = errors.New("snell: unsupported protocol version")

	// ErrUnsupportedCommand means the handshake's cmd byte was not one
	// of ping, connect-v1, connect-v2.
	ErrUnsupportedCommand = errors.New("snell: unsupported command")

	// ErrResolveFailure means DNS resolution of the requested target
	// failed.
	ErrResolveFailure = errors.New("snell: target resolve failed")

	// ErrConnectFailure means every resolved target address refused the
	// connection.
	ErrConnectFailure = errors.New("snell: target connect failed")
)
