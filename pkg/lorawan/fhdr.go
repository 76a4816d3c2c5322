package lorawan

import "fmt"

const (
	fctrlADR       = 0x80
	fctrlADRACKReq = 0x40 // uplink only
	fctrlACK       = 0x20
	fctrlFPending  = 0x10 // downlink only
	fctrlFOptsMask = 0x0F
)

// MarshalFCtrl packs the control byte. uplink selects whether bit 6 is
// ADRACKReq (uplink) or reserved, and whether bit 4 is reserved (uplink) or
// FPending (downlink) — see spec §4.1 and §4.6.
func MarshalFCtrl(c FCtrl, uplink bool) byte {
	var out byte
	if c.ADR {
		out |= fctrlADR
	}
	if uplink {
		if c.ADRACKReq {
			out |= fctrlADRACKReq
		}
	} else if c.FPending {
		out |= fctrlFPending
	}
	if c.ACK {
		out |= fctrlACK
	}
	out |= c.FOptsLen & fctrlFOptsMask
	return out
}

// UnmarshalFCtrl is MarshalFCtrl's inverse.
func UnmarshalFCtrl(b byte, uplink bool) FCtrl {
	c := FCtrl{
		ADR:      b&fctrlADR != 0,
		ACK:      b&fctrlACK != 0,
		FOptsLen: b & fctrlFOptsMask,
	}
	if uplink {
		c.ADRACKReq = b&fctrlADRACKReq != 0
	} else {
		c.FPending = b&fctrlFPending != 0
	}
	return c
}

// MarshalFHDR packs DevAddr(LE,4) ‖ FCtrl(1) ‖ FCnt(LE,2) ‖ FOpts. DevAddr
// is byte-reversed onto the wire here.
func MarshalFHDR(h FHDR, uplink bool) []byte {
	out := make([]byte, 0, 7+len(h.FOpts))
	out = append(out, Reverse(h.DevAddr[:])...)
	fctrl := h.FCtrl
	fctrl.FOptsLen = uint8(len(h.FOpts))
	out = append(out, MarshalFCtrl(fctrl, uplink))
	out = append(out, byte(h.FCnt), byte(h.FCnt>>8))
	out = append(out, h.FOpts...)
	return out
}

// UnmarshalDataPayload decodes a data MACPayload: FHDR, and — if present —
// FPort ‖ FRMPayload. FRMPayload is returned verbatim (still ciphertext);
// decryption and the final byte reversal into canonical order are left to
// the caller (spec §4.4 step 11).
func UnmarshalDataPayload(data []byte, uplink bool) (DataPayload, error) {
	if len(data) < 7 {
		return DataPayload{}, fmt.Errorf("lorawan: MACPayload too short: %d bytes", len(data))
	}
	var p DataPayload
	pos := 0
	copy(p.FHDR.DevAddr[:], Reverse(data[pos:pos+4]))
	pos += 4

	fctrl := data[pos]
	p.FHDR.FCtrl = UnmarshalFCtrl(fctrl, uplink)
	foptsLen := int(fctrl & fctrlFOptsMask)
	pos++

	p.FHDR.FCnt = uint16(data[pos]) | uint16(data[pos+1])<<8
	pos += 2

	if pos+foptsLen > len(data) {
		return DataPayload{}, fmt.Errorf("lorawan: FOptsLen %d exceeds remaining payload", foptsLen)
	}
	if foptsLen > 0 {
		p.FHDR.FOpts = data[pos : pos+foptsLen]
		pos += foptsLen
	}

	if pos < len(data) {
		fport := data[pos]
		p.FPort = &fport
		pos++
		p.FRMPayload = data[pos:]
	}

	return p, nil
}

// MarshalDataPayload is UnmarshalDataPayload's inverse. FRMPayload must
// already be ciphertext in wire byte order — the caller encrypts and
// reverses before calling this.
func MarshalDataPayload(p DataPayload, uplink bool) []byte {
	out := MarshalFHDR(p.FHDR, uplink)
	if p.FPort != nil {
		out = append(out, *p.FPort)
		out = append(out, p.FRMPayload...)
	}
	return out
}
