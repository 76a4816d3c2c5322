package network

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/registry"
	"github.com/lorawan-ns/macserver/pkg/crypto"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// UplinkContext is what FrameProcessor hands the planner after accepting a
// data uplink (spec §4.6 "Inputs").
type UplinkContext struct {
	DevAddr   lorawan.DevAddr
	Link      *registry.Link
	Port      *uint8
	Data      []byte // decrypted, canonical byte order
	Ack       bool
	ADRACKReq bool
	FOptsOut  []byte
	Confirm   bool
	RxQuality RxQuality
	RF        RF
}

// PlannerConfig carries the RX2-only scheduling parameters spec §6 leaves
// to configuration; this core never schedules into RX1 (spec §4.6).
type PlannerConfig struct {
	RX2Frequency  uint32
	RX2DataRate   int
	RX2CodingRate string
	RXDelay2      time.Duration
}

// DownlinkPlanner implements spec §4.6: respond-or-not policy, lost-downlink
// detection and retransmission, and downlink construction.
type DownlinkPlanner struct {
	store registry.Store
	app   ApplicationHandler
	cfg   PlannerConfig
	log   zerolog.Logger
}

// NewDownlinkPlanner builds a DownlinkPlanner.
func NewDownlinkPlanner(store registry.Store, app ApplicationHandler, cfg PlannerConfig, log zerolog.Logger) *DownlinkPlanner {
	return &DownlinkPlanner{
		store: store,
		app:   app,
		cfg:   cfg,
		log:   log.With().Str("component", "planner").Logger(),
	}
}

// HandleUplink implements spec §4.6 end to end, from ACK-bit bookkeeping
// through to the constructed Outcome.
func (p *DownlinkPlanner) HandleUplink(ctx context.Context, uc UplinkContext) (Outcome, error) {
	var lastLost bool
	var pendingPHY []byte

	if uc.Ack {
		if err := p.store.DeletePendingDownlink(ctx, uc.DevAddr); err != nil && err != registry.ErrNotFound {
			p.log.Warn().Err(err).Msg("failed to clear pending downlink on ack")
		}
		p.logEvent(ctx, uc.DevAddr, "confirmed downlink acked")
	} else if pd, err := p.store.GetPendingDownlink(ctx, uc.DevAddr); err == nil {
		lastLost = true
		pendingPHY = pd.PHY
	}

	shallReply := uc.Confirm || uc.ADRACKReq || len(uc.FOptsOut) > 0

	decision, err := p.app.HandleRx(ctx, RxNotification{
		DevAddr:    uc.DevAddr,
		App:        uc.Link.App,
		AppID:      uc.Link.AppID,
		Port:       uc.Port,
		Data:       uc.Data,
		LastLost:   lastLost,
		ShallReply: shallReply,
	})
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	switch decision.Action {
	case ActionRetransmit:
		if len(pendingPHY) == 0 {
			p.log.Warn().Str("devaddr", uc.DevAddr.String()).Msg("retransmit requested with no pending downlink, ignoring")
			return p.maybeEmptyReply(ctx, uc, shallReply)
		}
		return Outcome{
			Send:       true,
			Time:       p.rx2Time(),
			RF:         p.rx2RF(),
			PHYPayload: pendingPHY,
		}, nil

	case ActionSend:
		return p.buildDownlink(ctx, uc, decision.TxData)

	default: // ActionOK
		return p.maybeEmptyReply(ctx, uc, shallReply)
	}
}

func (p *DownlinkPlanner) maybeEmptyReply(ctx context.Context, uc UplinkContext, shallReply bool) (Outcome, error) {
	if !shallReply {
		return Outcome{}, nil
	}
	return p.buildDownlink(ctx, uc, TxData{})
}

func (p *DownlinkPlanner) buildDownlink(ctx context.Context, uc UplinkContext, tx TxData) (Outcome, error) {
	fcntdown, err := p.store.IncrementFCntDown(ctx, uc.DevAddr)
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	mtype := lorawan.MTypeUnconfDataDown
	if tx.Confirmed {
		mtype = lorawan.MTypeConfDataDown
	}

	dp := lorawan.DataPayload{
		FHDR: lorawan.FHDR{
			DevAddr: uc.DevAddr,
			FCtrl: lorawan.FCtrl{
				ADR:      uc.Link.ADREnabled,
				ACK:      uc.Confirm,
				FPending: tx.Pending,
			},
			FCnt:  uint16(fcntdown),
			FOpts: uc.FOptsOut,
		},
		FPort: tx.Port,
	}

	if tx.Port != nil && *tx.Port > 0 {
		encrypted, err := crypto.PayloadCipher(uc.Link.AppSKey, crypto.DirDown, uc.DevAddr, fcntdown, tx.Data)
		if err != nil {
			return Outcome{}, fail(KindApplicationError, err)
		}
		dp.FRMPayload = lorawan.Reverse(encrypted)
	}

	mhdr := lorawan.MHDR{MType: mtype, Major: 0}
	macPayload := lorawan.MarshalDataPayload(dp, false)
	mic, err := crypto.DataMIC(uc.Link.NwkSKey, crypto.DirDown, uc.DevAddr, fcntdown,
		append([]byte{mhdr.Byte()}, macPayload...))
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	phy := lorawan.PHYPayload{MHDR: mhdr, MACPayload: macPayload, MIC: mic}
	phyBytes := phy.Marshal()

	if tx.Confirmed {
		if err := p.store.PutPendingDownlink(ctx, &registry.PendingDownlink{
			DevAddr: uc.DevAddr,
			PHY:     phyBytes,
			SentAt:  time.Now(),
		}); err != nil {
			p.log.Warn().Err(err).Msg("failed to store pending downlink")
		}
	}

	p.logEvent(ctx, uc.DevAddr, fmt.Sprintf("scheduled downlink fcnt=%d confirmed=%t", fcntdown, tx.Confirmed))

	return Outcome{
		Send:       true,
		Time:       p.rx2Time(),
		RF:         p.rx2RF(),
		PHYPayload: phyBytes,
	}, nil
}

// logEvent appends a diagnostic event without letting a registry failure
// interrupt downlink scheduling.
func (p *DownlinkPlanner) logEvent(ctx context.Context, devAddr lorawan.DevAddr, msg string) {
	err := p.store.AppendEvent(ctx, &registry.Event{
		Time:    time.Now(),
		Type:    registry.EventTypeDownlink,
		Level:   registry.EventLevelInfo,
		DevAddr: &devAddr,
		Message: msg,
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to append event")
	}
}

// rx2Time expresses spec §4.6's "rxq.tmst + rx_delay2" as a deadline
// relative to now; correlating that deadline with the gateway's own
// timestamp clock is the transport's job (see DESIGN.md).
func (p *DownlinkPlanner) rx2Time() time.Time {
	return time.Now().Add(p.cfg.RXDelay2)
}

func (p *DownlinkPlanner) rx2RF() RF {
	return RF{
		Freq:       p.cfg.RX2Frequency,
		DataRate:   p.cfg.RX2DataRate,
		CodingRate: p.cfg.RX2CodingRate,
	}
}
