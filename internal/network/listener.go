package network

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/bus"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// BusListener drives a FrameProcessor from the gateway bridge's NATS
// traffic: every gateway.*.up message becomes a ProcessFrame call, and any
// resulting Outcome is published back out for the bridge to transmit.
type BusListener struct {
	bus       *bus.Bus
	processor *FrameProcessor
	log       zerolog.Logger
}

// NewBusListener builds a BusListener.
func NewBusListener(b *bus.Bus, p *FrameProcessor, log zerolog.Logger) *BusListener {
	return &BusListener{bus: b, processor: p, log: log.With().Str("component", "listener").Logger()}
}

// Start subscribes and blocks until ctx is cancelled.
func (l *BusListener) Start(ctx context.Context) error {
	upSub, err := bus.Subscribe(l.bus, "gateway.*.up", func(msg bus.UplinkMessage) {
		l.handleUplink(ctx, msg)
	})
	if err != nil {
		return err
	}
	defer upSub.Unsubscribe()

	statusSub, err := bus.Subscribe(l.bus, "gateway.*.status", func(msg bus.StatusMessage) {
		l.handleStatus(ctx, msg)
	})
	if err != nil {
		return err
	}
	defer statusSub.Unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

func (l *BusListener) handleUplink(ctx context.Context, msg bus.UplinkMessage) {
	mac, err := decodeGatewayMAC(msg.GatewayMAC)
	if err != nil {
		l.log.Warn().Err(err).Str("gatewayMac", msg.GatewayMAC).Msg("dropping uplink with malformed gateway mac")
		return
	}

	outcome, err := l.processor.ProcessFrame(ctx, mac,
		RxQuality{Tmst: msg.Tmst, RSSI: msg.RSSI, LSNR: msg.LSNR},
		RF{Freq: msg.Freq, DataRate: msg.DataRate, CodingRate: msg.CodingRate},
		msg.PHYPayload)
	if err != nil {
		if nerr, ok := err.(*Error); ok {
			l.log.Debug().Str("kind", string(nerr.Kind)).Err(nerr.Err).Msg("process_frame rejected uplink")
		} else {
			l.log.Error().Err(err).Msg("process_frame failed")
		}
		return
	}
	if !outcome.Send {
		return
	}

	downlink := bus.DownlinkMessage{
		GatewayMAC: msg.GatewayMAC,
		Time:       outcome.Time,
		Freq:       outcome.RF.Freq,
		DataRate:   outcome.RF.DataRate,
		CodingRate: outcome.RF.CodingRate,
		PHYPayload: outcome.PHYPayload,
	}
	if err := l.bus.Publish(bus.GatewayDownSubject(msg.GatewayMAC), downlink); err != nil {
		l.log.Error().Err(err).Msg("publish downlink")
	}
}

func (l *BusListener) handleStatus(ctx context.Context, msg bus.StatusMessage) {
	mac, err := decodeGatewayMAC(msg.GatewayMAC)
	if err != nil {
		l.log.Warn().Err(err).Str("gatewayMac", msg.GatewayMAC).Msg("dropping status with malformed gateway mac")
		return
	}
	if err := l.processor.ProcessStatus(ctx, mac, GatewayStatus{Lat: msg.Lat, Lon: msg.Lon, Altitude: msg.Altitude}); err != nil {
		l.log.Warn().Err(err).Msg("process_status failed")
	}
}

func decodeGatewayMAC(s string) (lorawan.EUI64, error) {
	b, err := lorawan.DecodeHex(s)
	if err != nil {
		return lorawan.EUI64{}, err
	}
	var mac lorawan.EUI64
	if len(b) != 8 {
		return mac, fmt.Errorf("network: gateway mac must be 8 bytes, got %d", len(b))
	}
	copy(mac[:], b)
	return mac, nil
}
