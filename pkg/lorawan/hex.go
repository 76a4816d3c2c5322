package lorawan

import (
	"encoding/hex"
	"strings"
)

// DecodeHex decodes a hex string, accepting either case, for the opaque
// binary identifiers (EUIs, DevAddr, keys) that cross the external
// interfaces in spec §6.
func DecodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(s))
}

// EncodeHex lower-cases its output; callers that need upper case should
// call strings.ToUpper themselves.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// Reverse returns a copy of b with byte order reversed. DevAddr, DevEUI,
// AppEUI and FRMPayload are little-endian on the wire; the core stores them
// most-significant-byte first. The codec and the network layer use this
// helper for that reversal (spec §9, "Endianness"); pkg/crypto flips DevAddr
// with its own reverseAddr when it builds B0/Ai blocks.
func Reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

// ReverseEUI64 returns the wire (little-endian) encoding of an EUI64 stored
// in canonical (most-significant-byte-first) order, and vice versa — the
// operation is its own inverse.
func ReverseEUI64(e EUI64) EUI64 {
	var out EUI64
	copy(out[:], Reverse(e[:]))
	return out
}

// ReverseDevAddr is the DevAddr analogue of ReverseEUI64.
func ReverseDevAddr(d DevAddr) DevAddr {
	var out DevAddr
	copy(out[:], Reverse(d[:]))
	return out
}
