// Package registry defines the abstract device/link/gateway stores the
// core depends on (spec §4.3), and provides a Postgres-backed and an
// in-memory implementation.
package registry

import (
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// Gateway is a radio gateway record (spec §3). Created externally; the
// core only mutates LastSeen (on every frame and status report) and the
// GPS fields Lat/Lon/Altitude/HasGPS (via status ingestion).
type Gateway struct {
	MAC      lorawan.EUI64
	NetID    [3]byte
	Lat      float64
	Lon      float64
	Altitude float64
	HasGPS   bool
	LastSeen time.Time
}

// Device is the pre-activation record keyed by DevEUI (spec §3).
type Device struct {
	DevEUI      lorawan.EUI64
	AppEUI      lorawan.EUI64
	AppKey      lorawan.AES128Key
	CanJoin     bool
	App         string
	AppID       string
	DesiredADR  ADRParams
	Link        *lorawan.DevAddr // last-assigned DevAddr, nil before first join
	LastJoinAt  time.Time
}

// ADRParams bundles the three parameters the spec's ADR-in-use state
// tracks: power index, data-rate index, and channel mask.
type ADRParams struct {
	PowerIndex int
	DataRate   int
	ChMask     uint16
}

// DefaultADR is the ADR state a fresh Link is created with on join (spec
// §4.5 step 6): power index 1, DR0, channel mask 7.
var DefaultADR = ADRParams{PowerIndex: 1, DataRate: 0, ChMask: 7}

// DeviceStatus is the last-observed device-status MAC command payload
// (battery, margin), carried on the Link.
type DeviceStatus struct {
	Battery uint8
	Margin  int8
	Valid   bool
}

// Link is the post-activation session record keyed by DevAddr (spec §3).
type Link struct {
	DevAddr    lorawan.DevAddr
	NwkSKey    lorawan.AES128Key
	AppSKey    lorawan.AES128Key
	FCntUp     uint32
	FCntDown   uint32
	ADREnabled bool // last-observed FCtrl.ADR bit from the device
	ADRInUse   ADRParams
	Status     DeviceStatus
	LastRx     time.Time
	App        string
	AppID      string
}

// PendingDownlink holds the last confirmed PHY payload sent to a DevAddr,
// retained for retransmission on loss (spec §3).
type PendingDownlink struct {
	DevAddr lorawan.DevAddr
	PHY     []byte
	SentAt  time.Time
}

// IgnoredLink matches traffic to silently drop: any DevAddr with
// (addr & Mask) == Base (spec §3).
type IgnoredLink struct {
	Base lorawan.DevAddr
	Mask lorawan.DevAddr
}

// Matches reports whether addr falls under this ignore rule.
func (il IgnoredLink) Matches(addr lorawan.DevAddr) bool {
	for i := 0; i < 4; i++ {
		if addr[i]&il.Mask[i] != il.Base[i]&il.Mask[i] {
			return false
		}
	}
	return true
}

// EventType classifies an Event entry.
type EventType string

const (
	EventTypeJoin          EventType = "join"
	EventTypeUplink        EventType = "uplink"
	EventTypeDownlink      EventType = "downlink"
	EventTypeAck           EventType = "ack"
	EventTypeError         EventType = "error"
	EventTypeGatewayStatus EventType = "gateway_status"
)

// EventLevel is the severity of an Event entry.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is an append-only diagnostic log entry, the adapted equivalent of
// the teacher's per-tenant event log (spec §4's supplemented "event log"
// feature) with the multi-tenant filtering this core has no use for
// stripped out: DevEUI/DevAddr/GatewayMAC are all optional and simply
// identify whatever the event concerns.
type Event struct {
	ID         uuid.UUID
	Time       time.Time
	Type       EventType
	Level      EventLevel
	DevEUI     *lorawan.EUI64
	DevAddr    *lorawan.DevAddr
	GatewayMAC *lorawan.EUI64
	Message    string
}

// EventFilter narrows ListEvents. A zero-value DevEUI/GatewayMAC means "no
// filter on that field"; Since zero means "no lower time bound".
type EventFilter struct {
	DevEUI     *lorawan.EUI64
	GatewayMAC *lorawan.EUI64
	Since      time.Time
}

// RxFrame is an append-only authenticated-uplink log entry (spec §3).
type RxFrame struct {
	ID         uuid.UUID
	GatewayMAC lorawan.EUI64
	RSSI       float64
	SNR        float64
	Frequency  uint32
	DataRate   int
	CodingRate string
	DevAddr    lorawan.DevAddr
	FCntUp     uint32
	DevStatus  DeviceStatus
	ReceivedAt time.Time
}
