package cryptoctx

import "golang.org/x/crypto/argon2"

// Argon2id parameters are wire-visible: every implementation must derive
// byte-identical keys from the same (psk, salt) pair.
const (
	argonTime    = 3
	argonMemory  = 8 // KiB
	argonThreads = 1
)

// deriveKey runs Argon2id over the PSK and per-direction salt, producing
// keyLen bytes of key material.
func deriveKey(psk, salt []byte, keyLen int) []byte {
	return argon2.IDKey(psk, salt, argonTime, argonMemory, argonThreads, uint32(keyLen))
}
