package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHexCaseInsensitive(t *testing.T) {
	b, err := DecodeHex("DEADBEEF")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b)

	b2, err := DecodeHex("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestEncodeHexLowercase(t *testing.T) {
	assert.Equal(t, "deadbeef", EncodeHex([]byte{0xde, 0xad, 0xbe, 0xef}))
}

func TestReverseIsOwnInverse(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5}
	assert.Equal(t, in, Reverse(Reverse(in)))
	assert.Equal(t, []byte{5, 4, 3, 2, 1}, Reverse(in))
}

func TestReverseEUI64AndDevAddr(t *testing.T) {
	eui := EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(t, eui, ReverseEUI64(ReverseEUI64(eui)))

	addr := DevAddr{0x26, 0x01, 0x00, 0x01}
	assert.Equal(t, addr, ReverseDevAddr(ReverseDevAddr(addr)))
	assert.Equal(t, byte(0x13), addr.NwkID())
}
