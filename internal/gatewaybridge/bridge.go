// Package gatewaybridge implements the Semtech UDP packet-forwarder
// protocol side of the system: the wire protocol gateways speak, translated
// onto the NATS bus the network-server core listens on. Grounded on the
// teacher's internal/gateway/udp_packet_forwarder.go, generalized away from
// its CN470-specific database wiring and onto the bus/registry split this
// repository uses instead.
package gatewaybridge

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/bus"
)

// Semtech UDP packet-forwarder protocol constants.
const (
	protocolVersion = 2

	pushData = 0x00
	pushAck  = 0x01
	pullData = 0x02
	pullResp = 0x03
	pullAck  = 0x04
	txAck    = 0x05
)

// gatewayState tracks the UDP address to send downlinks to, keyed by
// gateway MAC hex string.
type gatewayState struct {
	pullAddr *net.UDPAddr
	lastSeen time.Time
}

// Bridge is the UDP-facing half of the gateway bridge process.
type Bridge struct {
	conn     *net.UDPConn
	bus      *bus.Bus
	mu       sync.RWMutex
	gateways map[string]*gatewayState
	log      zerolog.Logger
}

// New binds a UDP listener at bindAddr and wraps b for the NATS side.
func New(bindAddr string, b *bus.Bus, log zerolog.Logger) (*Bridge, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("gatewaybridge: resolve %s: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gatewaybridge: listen %s: %w", bindAddr, err)
	}
	return &Bridge{
		conn:     conn,
		bus:      b,
		gateways: make(map[string]*gatewayState),
		log:      log.With().Str("component", "gatewaybridge").Logger(),
	}, nil
}

// Close releases the UDP socket.
func (g *Bridge) Close() error {
	return g.conn.Close()
}

// Run serves incoming UDP packets and the downlink subscription until ctx
// is cancelled.
func (g *Bridge) Run(ctx context.Context) error {
	g.log.Info().Str("addr", g.conn.LocalAddr().String()).Msg("udp packet forwarder listening")

	sub, err := g.bus.NC().Subscribe("gateway.*.down", g.handleDownlink)
	if err != nil {
		return fmt.Errorf("gatewaybridge: subscribe downlinks: %w", err)
	}
	defer sub.Unsubscribe()

	go g.expireGateways(ctx)

	buf := make([]byte, 65507)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, addr, err := g.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.log.Error().Err(err).Msg("udp read error")
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		go g.handlePacket(pkt, addr)
	}
}

func (g *Bridge) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	version := data[0]
	token := binary.BigEndian.Uint16(data[1:3])
	identifier := data[3]

	if version != protocolVersion {
		g.log.Warn().Uint8("version", version).Msg("unsupported packet-forwarder protocol version")
		return
	}

	switch identifier {
	case pushData:
		g.handlePushData(data, addr, token)
	case pullData:
		g.handlePullData(data, addr, token)
	case txAck:
		// transmit acknowledgment from the gateway; nothing downstream
		// currently consumes this.
	default:
		g.log.Warn().Uint8("type", identifier).Msg("unknown packet-forwarder message type")
	}
}

func (g *Bridge) handlePushData(data []byte, addr *net.UDPAddr, token uint16) {
	if len(data) < 12 {
		return
	}
	mac := fmt.Sprintf("%016x", data[4:12])
	g.sendAck(addr, token, pushAck)

	if len(data) <= 12 {
		return
	}
	var payload struct {
		RXPK []rxpk                 `json:"rxpk"`
		Stat map[string]interface{} `json:"stat"`
	}
	if err := json.Unmarshal(data[12:], &payload); err != nil {
		g.log.Error().Err(err).Msg("decode PUSH_DATA json")
		return
	}

	for _, pk := range payload.RXPK {
		g.publishUplink(mac, pk)
	}
	if payload.Stat != nil {
		g.publishStatus(mac, payload.Stat)
	}
}

func (g *Bridge) handlePullData(data []byte, addr *net.UDPAddr, token uint16) {
	if len(data) < 12 {
		return
	}
	mac := fmt.Sprintf("%016x", data[4:12])

	g.mu.Lock()
	g.gateways[mac] = &gatewayState{pullAddr: addr, lastSeen: time.Now()}
	g.mu.Unlock()

	g.sendAck(addr, token, pullAck)
}

func (g *Bridge) sendAck(addr *net.UDPAddr, token uint16, identifier byte) {
	ack := make([]byte, 4)
	ack[0] = protocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = identifier
	if _, err := g.conn.WriteToUDP(ack, addr); err != nil {
		g.log.Warn().Err(err).Msg("failed to send ack")
	}
}

// rxpk is the Semtech packet-forwarder's per-packet uplink record; only the
// fields process_frame needs are decoded.
type rxpk struct {
	Tmst uint64  `json:"tmst"`
	Freq float64 `json:"freq"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	RSSI float64 `json:"rssi"`
	LSNR float64 `json:"lsnr"`
	Data string  `json:"data"`
}

func (g *Bridge) publishUplink(mac string, pk rxpk) {
	phy, err := base64.StdEncoding.DecodeString(pk.Data)
	if err != nil {
		g.log.Warn().Err(err).Msg("decode rxpk data")
		return
	}
	dr, err := parseDataRate(pk.Datr)
	if err != nil {
		g.log.Warn().Err(err).Str("datr", pk.Datr).Msg("unrecognized data rate")
	}

	msg := bus.UplinkMessage{
		GatewayMAC: mac,
		Tmst:       pk.Tmst,
		RSSI:       pk.RSSI,
		LSNR:       pk.LSNR,
		Freq:       uint32(pk.Freq * 1e6),
		DataRate:   dr,
		CodingRate: pk.Codr,
		PHYPayload: phy,
	}
	if err := g.bus.Publish(bus.GatewayUpSubject(mac), msg); err != nil {
		g.log.Error().Err(err).Msg("publish uplink")
	}
}

func (g *Bridge) publishStatus(mac string, stat map[string]interface{}) {
	msg := bus.StatusMessage{
		GatewayMAC: mac,
		Lat:        floatField(stat, "lati"),
		Lon:        floatField(stat, "long"),
		Altitude:   floatField(stat, "alti"),
	}
	if err := g.bus.Publish(bus.GatewayStatusSubject(mac), msg); err != nil {
		g.log.Error().Err(err).Msg("publish gateway status")
	}
}

func floatField(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

// handleDownlink relays a scheduled Outcome from the core onto the gateway
// that reported the originating uplink, as a PULL_RESP packet. Semtech's
// scheduled-vs-immediate transmission ("imme") is collapsed to immediate
// here, since the planner already expresses its deadline as a bus message
// timestamp rather than a gateway-local tmst counter (see DESIGN.md).
func (g *Bridge) handleDownlink(msg *nats.Msg) {
	var dm bus.DownlinkMessage
	if err := json.Unmarshal(msg.Data, &dm); err != nil {
		g.log.Error().Err(err).Msg("decode downlink message")
		return
	}

	g.mu.RLock()
	gw, ok := g.gateways[dm.GatewayMAC]
	g.mu.RUnlock()
	if !ok || gw.pullAddr == nil {
		g.log.Warn().Str("gateway", dm.GatewayMAC).Msg("no known pull address for downlink")
		return
	}

	txpk := map[string]interface{}{
		"imme": true,
		"freq": float64(dm.Freq) / 1e6,
		"rfch": 0,
		"modu": "LORA",
		"datr": formatDataRate(dm.DataRate),
		"codr": dm.CodingRate,
		"ipol": true,
		"size": len(dm.PHYPayload),
		"data": base64.StdEncoding.EncodeToString(dm.PHYPayload),
	}
	body, err := json.Marshal(map[string]interface{}{"txpk": txpk})
	if err != nil {
		return
	}

	packet := make([]byte, 4, 4+len(body))
	packet[0] = protocolVersion
	packet[1], packet[2] = 0, 0
	packet[3] = pullResp
	packet = append(packet, body...)

	if _, err := g.conn.WriteToUDP(packet, gw.pullAddr); err != nil {
		g.log.Error().Err(err).Msg("write PULL_RESP")
	}
}

func (g *Bridge) expireGateways(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			for mac, gw := range g.gateways {
				if time.Since(gw.lastSeen) > 5*time.Minute {
					delete(g.gateways, mac)
				}
			}
			g.mu.Unlock()
		}
	}
}

// parseDataRate turns a "SF7BW125"-style string into this core's DR index
// (spec §6's data-rate table).
func parseDataRate(datr string) (int, error) {
	if !strings.HasPrefix(datr, "SF") {
		return 0, fmt.Errorf("gatewaybridge: not a LoRa data rate: %q", datr)
	}
	bwIdx := strings.Index(datr, "BW")
	if bwIdx < 0 {
		return 0, fmt.Errorf("gatewaybridge: malformed datr: %q", datr)
	}
	sf, err := strconv.Atoi(datr[2:bwIdx])
	if err != nil {
		return 0, err
	}
	bw, err := strconv.Atoi(datr[bwIdx+2:])
	if err != nil {
		return 0, err
	}
	switch {
	case sf == 12 && bw == 125:
		return 0, nil
	case sf == 11 && bw == 125:
		return 1, nil
	case sf == 10 && bw == 125:
		return 2, nil
	case sf == 9 && bw == 125:
		return 3, nil
	case sf == 8 && bw == 125:
		return 4, nil
	case sf == 7 && bw == 125:
		return 5, nil
	case sf == 7 && bw == 250:
		return 6, nil
	default:
		return 0, fmt.Errorf("gatewaybridge: unmapped data rate SF%dBW%d", sf, bw)
	}
}

func formatDataRate(dr int) string {
	table := []string{"SF12BW125", "SF11BW125", "SF10BW125", "SF9BW125", "SF8BW125", "SF7BW125", "SF7BW250"}
	if dr < 0 || dr >= len(table) {
		return "SF12BW125"
	}
	return table[dr]
}
