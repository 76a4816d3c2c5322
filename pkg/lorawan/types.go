// Package lorawan implements the bit-exact wire layout of LoRaWAN 1.0.1
// Class-A PHY payloads: the byte/bit framing, the little-endian and
// byte-reversed fields, and hex encoding of the opaque identifiers used at
// the edges of the system. It does not touch cryptography (see pkg/crypto)
// and knows nothing about sessions, registries or scheduling.
package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 is an 8-byte Extended Unique Identifier (DevEUI or AppEUI), stored
// most-significant-byte first. The wire encoding is least-significant-byte
// first; reversal happens only at Marshal/Unmarshal boundaries.
type EUI64 [8]byte

func (e EUI64) String() string { return hex.EncodeToString(e[:]) }

func (e EUI64) MarshalJSON() ([]byte, error) { return json.Marshal(e.String()) }

func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := DecodeHex(s)
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("lorawan: EUI64 must be 8 bytes, got %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// DevAddr is the 32-bit per-session network address, stored
// most-significant-byte first.
type DevAddr [4]byte

func (d DevAddr) String() string { return hex.EncodeToString(d[:]) }

func (d DevAddr) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := DecodeHex(s)
	if err != nil {
		return err
	}
	if len(b) != 4 {
		return fmt.Errorf("lorawan: DevAddr must be 4 bytes, got %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// NwkID returns the 7-bit network identifier packed into the top bits of
// the address (spec §4.5 step 6).
func (d DevAddr) NwkID() byte { return d[0] >> 1 }

// AES128Key is a 128-bit AES key (AppKey, NwkSKey or AppSKey). Keys never
// travel over the air and carry no wire endianness.
type AES128Key [16]byte

func (k AES128Key) String() string { return hex.EncodeToString(k[:]) }

// MType is the 3-bit PHY message type packed into MHDR bits 7..5.
type MType byte

const (
	MTypeJoinRequest    MType = 0b000
	MTypeJoinAccept     MType = 0b001
	MTypeUnconfDataUp   MType = 0b010
	MTypeUnconfDataDown MType = 0b011
	MTypeConfDataUp     MType = 0b100
	MTypeConfDataDown   MType = 0b101
	MTypeRFU            MType = 0b110
	MTypeProprietary    MType = 0b111
)

// IsUplink reports whether this MType is sent by the device.
func (t MType) IsUplink() bool {
	switch t {
	case MTypeJoinRequest, MTypeUnconfDataUp, MTypeConfDataUp:
		return true
	default:
		return false
	}
}

// IsConfirmed reports whether the frame requires an ACK from the receiver.
func (t MType) IsConfirmed() bool {
	return t == MTypeConfDataUp || t == MTypeConfDataDown
}

func (t MType) String() string {
	switch t {
	case MTypeJoinRequest:
		return "JoinRequest"
	case MTypeJoinAccept:
		return "JoinAccept"
	case MTypeUnconfDataUp:
		return "UnconfirmedDataUp"
	case MTypeUnconfDataDown:
		return "UnconfirmedDataDown"
	case MTypeConfDataUp:
		return "ConfirmedDataUp"
	case MTypeConfDataDown:
		return "ConfirmedDataDown"
	default:
		return "RFU"
	}
}

// MHDR is the single-byte MAC header: top 3 bits MType, bits 4..2 RFU
// (always zero), bottom 2 bits Major.
type MHDR struct {
	MType MType
	Major byte
}

// Byte packs the header into its single-byte wire form.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | (h.Major & 0x03)
}

// DecodeMHDR unpacks the single-byte wire form.
func DecodeMHDR(b byte) MHDR {
	return MHDR{MType: MType((b >> 5) & 0x07), Major: b & 0x03}
}

// Direction is the `dir` bit used in the B0 and Ai blocks: 0 for uplink,
// 1 for downlink.
type Direction byte

const (
	DirUp   Direction = 0
	DirDown Direction = 1
)

// PHYPayload is MHDR ‖ MACPayload ‖ MIC, as carried on air.
type PHYPayload struct {
	MHDR       MHDR
	MACPayload []byte
	MIC        [4]byte
}

// FCtrl is the frame control byte. Bit 6 means ADRACKReq on an uplink and
// bit 4 means FPending on a downlink (each is reserved in the other
// direction); Unmarshal/Marshal take a direction to resolve them.
type FCtrl struct {
	ADR       bool
	ADRACKReq bool // uplink only
	ACK       bool
	FPending  bool // downlink only
	FOptsLen  uint8
}

// FHDR is the frame header common to uplink and downlink data messages.
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16 // 16-bit wire counter
	FOpts   []byte
}

// DataPayload is the MACPayload body of a data frame: FHDR plus the
// optional application port and frame payload.
type DataPayload struct {
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte // ciphertext on the wire, plaintext once decrypted
}

// JoinRequestPayload is the MACPayload body of a Join-Request.
type JoinRequestPayload struct {
	AppEUI   EUI64
	DevEUI   EUI64
	DevNonce [2]byte
}

// DLSettings is the single-byte RX window configuration carried in a
// Join-Accept.
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

func (s DLSettings) Byte() byte {
	return (s.RX1DROffset&0x07)<<4 | (s.RX2DataRate & 0x0F)
}

func DecodeDLSettings(b byte) DLSettings {
	return DLSettings{RX1DROffset: (b >> 4) & 0x07, RX2DataRate: b & 0x0F}
}

// JoinAcceptPayload is the MACPayload body of a Join-Accept, in plaintext
// (pre-encryption) form.
type JoinAcceptPayload struct {
	AppNonce   [3]byte
	NetID      [3]byte
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte // absent in this implementation; kept for wire completeness
}
