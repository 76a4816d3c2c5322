// Package bus centralizes the NATS subjects and JSON envelopes the gateway
// bridge, the network-server core, and application handlers exchange.
// Grounded on the teacher's internal/server/nats_subscriber.go subject
// conventions (application.<appID>.device.<devEUI>.<verb>); this package
// adds the gateway-facing side the teacher split across
// internal/gateway/udp_packet_forwarder.go's NATS calls.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// GatewayUpSubject carries raw uplink frames from the gateway bridge to the
// network-server core.
func GatewayUpSubject(mac string) string { return fmt.Sprintf("gateway.%s.up", mac) }

// GatewayDownSubject carries scheduled downlinks from the core back to the
// gateway bridge that owns the radio link to the device.
func GatewayDownSubject(mac string) string { return fmt.Sprintf("gateway.%s.down", mac) }

// GatewayStatusSubject carries gateway health/GPS status reports.
func GatewayStatusSubject(mac string) string { return fmt.Sprintf("gateway.%s.status", mac) }

// UplinkMessage is the wire envelope for GatewayUpSubject.
type UplinkMessage struct {
	GatewayMAC string  `json:"gatewayMac"`
	Tmst       uint64  `json:"tmst"`
	RSSI       float64 `json:"rssi"`
	LSNR       float64 `json:"lsnr"`
	Freq       uint32  `json:"freq"`
	DataRate   int     `json:"dataRate"`
	CodingRate string  `json:"codingRate"`
	PHYPayload []byte  `json:"phyPayload"`
}

// DownlinkMessage is the wire envelope for GatewayDownSubject.
type DownlinkMessage struct {
	GatewayMAC string    `json:"gatewayMac"`
	Time       time.Time `json:"time"`
	Freq       uint32    `json:"freq"`
	DataRate   int       `json:"dataRate"`
	CodingRate string    `json:"codingRate"`
	PHYPayload []byte    `json:"phyPayload"`
}

// StatusMessage is the wire envelope for GatewayStatusSubject.
type StatusMessage struct {
	GatewayMAC string  `json:"gatewayMac"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Altitude   float64 `json:"altitude"`
}

// Bus wraps a NATS connection with JSON-encoded publish/subscribe helpers.
type Bus struct {
	nc *nats.Conn
}

// New wraps nc.
func New(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// NC returns the underlying connection, for callers that need
// subscription features (wildcards, queue groups) this wrapper doesn't
// expose directly.
func (b *Bus) NC() *nats.Conn {
	return b.nc
}

// Publish JSON-encodes v and publishes it to subject.
func (b *Bus) Publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal: %w", err)
	}
	return b.nc.Publish(subject, data)
}

// Subscribe decodes every message on subject as a T and calls handler.
func Subscribe[T any](b *Bus, subject string, handler func(T)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		handler(v)
	})
}
