package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

const cmacRb = 0x87

// cmac implements AES-CMAC per RFC 4493, returning the full 16-byte tag.
// MIC computation (spec §4.2) truncates this to 4 bytes.
func cmac(key, data []byte) ([16]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return [16]byte{}, err
	}
	k1, k2 := cmacSubkeys(block)

	var mLast [16]byte
	n := len(data)
	complete := n > 0 && n%16 == 0

	switch {
	case n == 0:
		mLast[0] = 0x80
		xorInto(mLast[:], k2[:])
	case complete:
		copy(mLast[:], data[n-16:])
		xorInto(mLast[:], k1[:])
	default:
		rem := n % 16
		copy(mLast[:], data[n-rem:])
		mLast[rem] = 0x80
		xorInto(mLast[:], k2[:])
	}

	numFullBlocks := n / 16
	if complete {
		numFullBlocks--
	}

	var x, y [16]byte
	for i := 0; i < numFullBlocks; i++ {
		for j := 0; j < 16; j++ {
			y[j] = x[j] ^ data[i*16+j]
		}
		block.Encrypt(x[:], y[:])
	}

	for j := 0; j < 16; j++ {
		y[j] = x[j] ^ mLast[j]
	}
	block.Encrypt(x[:], y[:])
	return x, nil
}

func cmacSubkeys(block cipher.Block) (k1, k2 [16]byte) {
	var zero, k0 [16]byte
	block.Encrypt(k0[:], zero[:])

	k1 = leftShift1(k0)
	if k0[0]&0x80 != 0 {
		k1[15] ^= cmacRb
	}
	k2 = leftShift1(k1)
	if k1[0]&0x80 != 0 {
		k2[15] ^= cmacRb
	}
	return k1, k2
}

func leftShift1(b [16]byte) [16]byte {
	var out [16]byte
	var carry byte
	for i := 15; i >= 0; i-- {
		out[i] = b[i]<<1 | carry
		carry = b[i] >> 7
	}
	return out
}

func xorInto(dst, src []byte) {
	for i := range dst {
		dst[i] ^= src[i]
	}
}

// MIC computes the LoRaWAN message integrity code: the first 4 bytes of
// AES-CMAC(key, data).
func MIC(key [16]byte, data []byte) ([4]byte, error) {
	tag, err := cmac(key[:], data)
	if err != nil {
		return [4]byte{}, err
	}
	var mic [4]byte
	copy(mic[:], tag[:4])
	return mic, nil
}
