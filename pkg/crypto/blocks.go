package crypto

import "encoding/binary"

// Dir distinguishes uplink from downlink in the B0/Ai block layout, per
// spec §4.2. LoRaWAN fixes uplink to 0 and downlink to 1.
type Dir byte

const (
	DirUp   Dir = 0
	DirDown Dir = 1
)

// reverseAddr flips a DevAddr's byte order. Callers in this package hold
// DevAddr in the core's canonical MSB-first form; the B0/Ai blocks need it
// in wire (LE) order, same as the FHDR codec reverses it on the way in.
func reverseAddr(addr [4]byte) [4]byte {
	return [4]byte{addr[3], addr[2], addr[1], addr[0]}
}

// b0Block builds the 16-byte authentication block used as the MIC prefix
// for data-message MICs (spec §4.4 step 8 / §4.6 downlink construction):
//
//	0x49 ‖ 0000 0000 ‖ dir ‖ DevAddr(LE,4) ‖ fcnt32(LE,4) ‖ 0x00 ‖ len(msg)
func b0Block(dir Dir, devAddr [4]byte, fcnt32 uint32, msgLen int) [16]byte {
	var b [16]byte
	b[0] = 0x49
	b[5] = byte(dir)
	ra := reverseAddr(devAddr)
	copy(b[6:10], ra[:])
	binary.LittleEndian.PutUint32(b[10:14], fcnt32)
	b[15] = byte(msgLen)
	return b
}

// DataMIC computes the MIC for an uplink or downlink data message: the B0
// block prefixed to MHDR‖MACPayload, CMAC'd under the session key.
func DataMIC(key [16]byte, dir Dir, devAddr [4]byte, fcnt32 uint32, mhdrAndMACPayload []byte) ([4]byte, error) {
	b0 := b0Block(dir, devAddr, fcnt32, len(mhdrAndMACPayload))
	msg := make([]byte, 0, 16+len(mhdrAndMACPayload))
	msg = append(msg, b0[:]...)
	msg = append(msg, mhdrAndMACPayload...)
	return MIC(key, msg)
}

// JoinMIC computes the MIC for a Join-Request: CMAC(AppKey, MHDR ‖
// JoinRequestMACPayload).
func JoinMIC(appKey [16]byte, mhdrAndMACPayload []byte) ([4]byte, error) {
	return MIC(appKey, mhdrAndMACPayload)
}

// JoinAcceptMIC computes the MIC for a Join-Accept: CMAC(AppKey, MHDR ‖
// JoinAcceptMACPayload), over the cleartext payload before encryption.
func JoinAcceptMIC(appKey [16]byte, mhdrAndMACPayload []byte) ([4]byte, error) {
	return MIC(appKey, mhdrAndMACPayload)
}

// aiBlock builds the i-th keystream input block for the payload cipher
// (spec §4.2): 0x01 ‖ 0000 0000 ‖ dir ‖ DevAddr(LE,4) ‖ fcnt32(LE,4) ‖
// 0x00 ‖ blockIndex.
func aiBlock(dir Dir, devAddr [4]byte, fcnt32 uint32, blockIndex byte) [16]byte {
	var a [16]byte
	a[0] = 0x01
	a[5] = byte(dir)
	ra := reverseAddr(devAddr)
	copy(a[6:10], ra[:])
	binary.LittleEndian.PutUint32(a[10:14], fcnt32)
	a[15] = blockIndex
	return a
}

// PayloadCipher XORs payload against the AES keystream derived from the Ai
// blocks. The operation is symmetric: the same call encrypts or decrypts,
// and dir/fcnt32 must match what was used on the other end (spec §4.2,
// §4.4 step 11, §4.6 downlink construction).
func PayloadCipher(key [16]byte, dir Dir, devAddr [4]byte, fcnt32 uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	numBlocks := (len(payload) + 15) / 16
	stream := make([]byte, 0, numBlocks*16)
	for i := 1; i <= numBlocks; i++ {
		a := aiBlock(dir, devAddr, fcnt32, byte(i))
		enc, err := ecbEncryptBlock(key, a)
		if err != nil {
			return nil, err
		}
		stream = append(stream, enc[:]...)
	}
	out := make([]byte, len(payload))
	for i := range payload {
		out[i] = payload[i] ^ stream[i]
	}
	return out, nil
}

func ecbEncryptBlock(key [16]byte, block [16]byte) ([16]byte, error) {
	out, err := ecbEncrypt(key[:], block[:])
	if err != nil {
		return [16]byte{}, err
	}
	var result [16]byte
	copy(result[:], out)
	return result, nil
}
