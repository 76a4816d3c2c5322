// Package maccommand provides the default implementation of the MAC-command
// sub-handler whose contract is specified (but not implemented) in spec
// §4.7: `(Link, FOpts_in) -> (Link', FOpts_out)`. The core's FrameProcessor
// treats FOpts as opaque bytes and never parses them itself; this package is
// the swappable default that does.
package maccommand

import "fmt"

// Command is a single MAC command: a command identifier and its
// fixed-length payload.
type Command struct {
	CID     byte
	Payload []byte
}

// Command identifiers shared between uplink and downlink directions.
const (
	LinkCheckReq     byte = 0x02
	LinkCheckAns     byte = 0x02
	LinkADRReq       byte = 0x03
	LinkADRAns       byte = 0x03
	DutyCycleReq     byte = 0x04
	DutyCycleAns     byte = 0x04
	RXParamSetupReq  byte = 0x05
	RXParamSetupAns  byte = 0x05
	DevStatusReq     byte = 0x06
	DevStatusAns     byte = 0x06
	NewChannelReq    byte = 0x07
	NewChannelAns    byte = 0x07
	RXTimingSetupReq byte = 0x08
	RXTimingSetupAns byte = 0x08
)

// Parse splits a FOpts byte string into individual commands. uplink selects
// which payload-length table to use, since CIDs are reused between
// directions with different payload shapes.
func Parse(uplink bool, data []byte) ([]Command, error) {
	var cmds []Command
	for i := 0; i < len(data); {
		cid := data[i]
		i++
		n := payloadLength(uplink, cid)
		if n < 0 {
			return nil, fmt.Errorf("maccommand: unknown CID %#02x", cid)
		}
		if i+n > len(data) {
			return nil, fmt.Errorf("maccommand: truncated payload for CID %#02x", cid)
		}
		cmds = append(cmds, Command{CID: cid, Payload: data[i : i+n]})
		i += n
	}
	return cmds, nil
}

// Encode concatenates commands back into a FOpts byte string.
func Encode(cmds []Command) []byte {
	var out []byte
	for _, c := range cmds {
		out = append(out, c.CID)
		out = append(out, c.Payload...)
	}
	return out
}

func payloadLength(uplink bool, cid byte) int {
	if uplink {
		switch cid {
		case LinkCheckReq, RXTimingSetupAns, DutyCycleAns:
			return 0
		case LinkADRAns, RXParamSetupAns, NewChannelAns:
			return 1
		case DevStatusAns:
			return 2
		default:
			return -1
		}
	}
	switch cid {
	case DevStatusReq, RXTimingSetupReq:
		return 0
	case DutyCycleReq:
		return 1
	case LinkCheckAns:
		return 2
	case LinkADRReq, RXParamSetupReq, NewChannelReq:
		return 4
	default:
		return -1
	}
}
