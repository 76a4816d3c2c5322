// Package crypto implements the LoRaWAN 1.0.x cryptographic primitives:
// AES-CMAC MICs, the AES-ECB ("decrypt-to-encrypt") Join-Accept cipher, the
// Ai-block payload cipher, and session-key derivation. None of it is
// generic — every function here exists because spec §4.2 names it.
package crypto

import "crypto/rand"

// GenerateRandomBytes returns n cryptographically random bytes, used for
// AppNonce generation and the random bits of newly allocated DevAddrs.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}
