package lorawan

import "fmt"

// Split parses the outer PHY framing: MHDR (1 byte), MACPayload (opaque at
// this layer) and MIC (last 4 bytes). It performs no field-level decoding —
// that is DataPayload/JoinRequestPayload's job — and no byte reversal.
func Split(phyPayload []byte) (PHYPayload, error) {
	if len(phyPayload) < 1+4 {
		return PHYPayload{}, fmt.Errorf("lorawan: PHYPayload too short: %d bytes", len(phyPayload))
	}
	var p PHYPayload
	p.MHDR = DecodeMHDR(phyPayload[0])
	p.MACPayload = phyPayload[1 : len(phyPayload)-4]
	copy(p.MIC[:], phyPayload[len(phyPayload)-4:])
	return p, nil
}

// Marshal reassembles MHDR ‖ MACPayload ‖ MIC.
func (p PHYPayload) Marshal() []byte {
	out := make([]byte, 0, 1+len(p.MACPayload)+4)
	out = append(out, p.MHDR.Byte())
	out = append(out, p.MACPayload...)
	out = append(out, p.MIC[:]...)
	return out
}

// Pad16 zero-pads msg to the next multiple of 16 bytes, per spec §4.1. It
// returns msg unmodified (no copy) when already block-aligned.
func Pad16(msg []byte) []byte {
	rem := len(msg) % 16
	if rem == 0 {
		return msg
	}
	out := make([]byte, len(msg)+(16-rem))
	copy(out, msg)
	return out
}
