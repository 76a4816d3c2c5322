package crypto

import (
	"crypto/aes"
	"fmt"
)

// ecbEncrypt runs the AES block cipher forward over data one 16-byte block
// at a time. data must already be a multiple of the block size.
func ecbEncrypt(key, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ECB input must be block-aligned, got %d bytes", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// ecbDecrypt is ecbEncrypt's inverse. Join-Accept encryption uses this
// operation to "encrypt" server-side (spec §4.5) — the device recovers the
// plaintext by running the forward cipher, so what the network server calls
// encryption is the block decrypt operation.
func ecbDecrypt(key, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("crypto: ECB input must be block-aligned, got %d bytes", len(data))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// EncryptJoinAccept produces the wire encoding of a Join-Accept MACPayload
// given its cleartext bytes (payload ‖ MIC, both already block-aligned at
// 16 or 32 bytes). Per LoRaWAN, the network server runs the AES *decrypt*
// operation here.
func EncryptJoinAccept(appKey [16]byte, cleartext []byte) ([]byte, error) {
	return ecbDecrypt(appKey[:], cleartext)
}

// DecryptJoinAccept is EncryptJoinAccept's inverse, used by tests that
// verify a Join-Accept round-trips the way a device would decode it.
func DecryptJoinAccept(appKey [16]byte, ciphertext []byte) ([]byte, error) {
	return ecbEncrypt(appKey[:], ciphertext)
}
