package maccommand

import (
	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/registry"
)

// Handler implements the external contract spec §4.7 names but does not
// define: (Link, FOpts_in) -> (Link', FOpts_out). FrameProcessor treats
// FOpts as opaque and calls this on every accepted uplink.
type Handler struct {
	log zerolog.Logger
}

// New returns the default Handler, logging through log.
func New(log zerolog.Logger) *Handler {
	return &Handler{log: log.With().Str("component", "maccommand").Logger()}
}

// Handle parses foptsIn, records a DevStatusAns battery/margin report on
// link in place, and returns the FOpts bytes to carry on the downlink.
// LinkADRAns is logged only; link's ADR state is not changed here.
func (h *Handler) Handle(link *registry.Link, foptsIn []byte) ([]byte, error) {
	cmds, err := Parse(true, foptsIn)
	if err != nil {
		return nil, err
	}

	var out []Command
	for _, cmd := range cmds {
		switch cmd.CID {
		case LinkCheckReq:
			out = append(out, Command{CID: LinkCheckAns, Payload: []byte{10, 1}})

		case LinkADRAns:
			h.handleLinkADRAns(link, cmd.Payload)

		case DevStatusAns:
			h.handleDevStatusAns(link, cmd.Payload)

		case RXParamSetupAns, NewChannelAns:
			// acknowledgement-only commands this core does not currently
			// act on; logged for visibility.
			h.log.Debug().Uint8("cid", cmd.CID).Msg("mac command acknowledged, no action taken")

		default:
			h.log.Warn().Uint8("cid", cmd.CID).Msg("unhandled mac command")
		}
	}

	return Encode(out), nil
}

func (h *Handler) handleLinkADRAns(link *registry.Link, payload []byte) {
	if len(payload) != 1 {
		return
	}
	status := payload[0]
	powerACK := status&0x04 != 0
	drACK := status&0x02 != 0
	chMaskACK := status&0x01 != 0

	h.log.Debug().
		Bool("powerAck", powerACK).
		Bool("drAck", drACK).
		Bool("chMaskAck", chMaskACK).
		Msg("link adr ans")
}

func (h *Handler) handleDevStatusAns(link *registry.Link, payload []byte) {
	if len(payload) != 2 {
		return
	}
	link.Status.Battery = payload[0]
	link.Status.Margin = int8(payload[1])
	link.Status.Valid = true
}
