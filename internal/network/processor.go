package network

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/maccommand"
	"github.com/lorawan-ns/macserver/internal/registry"
	"github.com/lorawan-ns/macserver/pkg/crypto"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// MaxFCntGap bounds the accepted gap between a Link's stored fcntup and an
// incoming wire FCnt (spec §4.4 step 7). Anything wider is treated as replay
// or an unrecoverable counter desync and rejected without touching state.
const MaxFCntGap = 16384

// FrameProcessor is the entry point for every frame a gateway forwards
// (spec §4.4). It owns no transport of its own — callers (BusListener,
// fed by the gateway bridge over NATS, or tests) hand it raw bytes and get back either nothing to send
// or a scheduled Outcome.
type FrameProcessor struct {
	store   registry.Store
	mac     *maccommand.Handler
	join    *JoinEngine
	planner *DownlinkPlanner
	log     zerolog.Logger
}

// NewFrameProcessor wires the core's components together.
func NewFrameProcessor(store registry.Store, mac *maccommand.Handler, join *JoinEngine, planner *DownlinkPlanner, log zerolog.Logger) *FrameProcessor {
	return &FrameProcessor{
		store:   store,
		mac:     mac,
		join:    join,
		planner: planner,
		log:     log.With().Str("component", "processor").Logger(),
	}
}

// ProcessFrame implements spec §4.4's process_frame. gatewayMAC identifies
// the reporting gateway; rxq/rf carry the radio metadata the planner needs
// to schedule a reply; phyPayload is the raw frame as received.
func (p *FrameProcessor) ProcessFrame(ctx context.Context, gatewayMAC lorawan.EUI64, rxq RxQuality, rf RF, phyPayload []byte) (Outcome, error) {
	phy, err := lorawan.Split(phyPayload)
	if err != nil {
		return Outcome{}, fail(KindParseError, err)
	}

	if _, err := p.store.GetGateway(ctx, gatewayMAC); err != nil {
		if err == registry.ErrNotFound {
			return Outcome{}, fail(KindUnknownMAC, err)
		}
		return Outcome{}, fail(KindApplicationError, err)
	}
	_ = p.store.TouchGateway(ctx, gatewayMAC, time.Now())

	if phy.MHDR.MType == lorawan.MTypeJoinRequest {
		return p.join.HandleJoinRequest(ctx, rxq, rf, phy)
	}

	return p.processDataUplink(ctx, gatewayMAC, rxq, rf, phy)
}

func (p *FrameProcessor) processDataUplink(ctx context.Context, gatewayMAC lorawan.EUI64, rxq RxQuality, rf RF, phy lorawan.PHYPayload) (Outcome, error) {
	uplink := phy.MHDR.MType.IsUplink()
	data, err := lorawan.UnmarshalDataPayload(phy.MACPayload, uplink)
	if err != nil {
		return Outcome{}, fail(KindParseError, err)
	}
	devAddr := data.FHDR.DevAddr

	ignored, err := p.store.ListIgnoredLinks(ctx)
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	for _, il := range ignored {
		if il.Matches(devAddr) {
			p.log.Debug().Str("devaddr", devAddr.String()).Msg("dropping frame from ignored link")
			return Outcome{}, nil
		}
	}

	link, err := p.store.GetLink(ctx, devAddr)
	if err != nil {
		if err == registry.ErrNotFound {
			return Outcome{}, fail(KindUnknownDevAddr, err)
		}
		return Outcome{}, fail(KindApplicationError, err)
	}

	newFCnt32, err := reconstructFCnt32(link.FCntUp, data.FHDR.FCnt)
	if err != nil {
		return Outcome{}, fail(KindFCntGapTooLarge, err)
	}

	mic, err := crypto.DataMIC(link.NwkSKey, crypto.DirUp, devAddr, newFCnt32,
		append([]byte{phy.MHDR.Byte()}, phy.MACPayload...))
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	if !bytes.Equal(mic[:], phy.MIC[:]) {
		p.logEvent(ctx, registry.EventTypeError, registry.EventLevelWarn, nil, &devAddr, &gatewayMAC, "bad mic on uplink")
		return Outcome{}, fail(KindBadMIC, fmt.Errorf("mic mismatch"))
	}

	foptsOut, err := p.mac.Handle(link, data.FHDR.FOpts)
	if err != nil {
		return Outcome{}, fail(KindParseError, err)
	}
	link.ADREnabled = data.FHDR.FCtrl.ADR
	link.FCntUp = newFCnt32
	link.LastRx = time.Now()

	if err := p.store.PutLink(ctx, link); err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	var port *uint8
	var plaintext []byte
	if data.FPort != nil {
		port = data.FPort
		decrypted, err := crypto.PayloadCipher(link.AppSKey, crypto.DirUp, devAddr, newFCnt32, data.FRMPayload)
		if err != nil {
			return Outcome{}, fail(KindApplicationError, err)
		}
		plaintext = lorawan.Reverse(decrypted)
	}

	if err := p.store.AppendRxFrame(ctx, &registry.RxFrame{
		GatewayMAC: gatewayMAC,
		RSSI:       rxq.RSSI,
		SNR:        rxq.LSNR,
		Frequency:  rf.Freq,
		DataRate:   rf.DataRate,
		CodingRate: rf.CodingRate,
		DevAddr:    devAddr,
		FCntUp:     newFCnt32,
		DevStatus:  link.Status,
		ReceivedAt: link.LastRx,
	}); err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	p.logEvent(ctx, registry.EventTypeUplink, registry.EventLevelInfo, nil, &devAddr, &gatewayMAC,
		fmt.Sprintf("fcnt=%d port=%v", newFCnt32, port))

	return p.planner.HandleUplink(ctx, UplinkContext{
		DevAddr:   devAddr,
		Link:      link,
		Port:      port,
		Data:      plaintext,
		Ack:       data.FHDR.FCtrl.ACK,
		ADRACKReq: data.FHDR.FCtrl.ADRACKReq,
		FOptsOut:  foptsOut,
		Confirm:   phy.MHDR.MType.IsConfirmed(),
		RxQuality: rxq,
		RF:        rf,
	})
}

// ProcessStatus implements spec §6's process_status: gateway GPS/health
// ingestion, unrelated to the frame path.
func (p *FrameProcessor) ProcessStatus(ctx context.Context, gatewayMAC lorawan.EUI64, status GatewayStatus) error {
	if err := p.store.UpdateGatewayStatus(ctx, gatewayMAC, status.Lat, status.Lon, status.Altitude, time.Now()); err != nil {
		if err == registry.ErrNotFound {
			return fail(KindUnknownMAC, err)
		}
		return fail(KindApplicationError, err)
	}
	p.logEvent(ctx, registry.EventTypeGatewayStatus, registry.EventLevelInfo, nil, nil, &gatewayMAC,
		fmt.Sprintf("lat=%.5f lon=%.5f alt=%.1f", status.Lat, status.Lon, status.Altitude))
	return nil
}

// logEvent appends a diagnostic event, logging rather than failing the
// caller if the registry can't take it: the event log is an observability
// aid, not part of the protocol.
func (p *FrameProcessor) logEvent(ctx context.Context, typ registry.EventType, level registry.EventLevel, devEUI *lorawan.EUI64, devAddr *lorawan.DevAddr, gatewayMAC *lorawan.EUI64, msg string) {
	err := p.store.AppendEvent(ctx, &registry.Event{
		Time:       time.Now(),
		Type:       typ,
		Level:      level,
		DevEUI:     devEUI,
		DevAddr:    devAddr,
		GatewayMAC: gatewayMAC,
		Message:    msg,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to append event")
	}
}

// reconstructFCnt32 implements spec §4.4 step 7.
func reconstructFCnt32(fcntup uint32, wire uint16) (uint32, error) {
	last16 := uint16(fcntup & 0xFFFF)
	var gap uint32
	if wire >= last16 {
		gap = uint32(wire - last16)
	} else {
		gap = 0x10000 - uint32(last16) + uint32(wire)
	}
	if gap >= MaxFCntGap {
		return 0, fmt.Errorf("network: fcnt gap %d exceeds %d", gap, MaxFCntGap)
	}
	return fcntup + gap, nil
}
