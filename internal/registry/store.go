package registry

import (
	"context"
	"errors"
	"time"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

var (
	ErrNotFound      = errors.New("registry: not found")
	ErrDevAddrInUse  = errors.New("registry: devaddr already allocated")
)

// Store is the abstract registry the core depends on (spec §4.3). Quick
// methods give single-key read/write with no transactional guarantee and
// back the hot uplink path after MIC verification; the JoinTx and
// IncrementFCntDown methods give the atomic read-modify-write the
// spec requires for join and for the downlink counter.
type Store interface {
	// Gateways
	GetGateway(ctx context.Context, mac lorawan.EUI64) (*Gateway, error)
	TouchGateway(ctx context.Context, mac lorawan.EUI64, seenAt time.Time) error
	UpdateGatewayStatus(ctx context.Context, mac lorawan.EUI64, lat, lon, altitude float64, seenAt time.Time) error

	// Quick access — devices and links
	GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*Device, error)
	GetLink(ctx context.Context, devAddr lorawan.DevAddr) (*Link, error)
	PutLink(ctx context.Context, link *Link) error

	// Ignored links
	ListIgnoredLinks(ctx context.Context) ([]IgnoredLink, error)

	// Pending downlinks
	GetPendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error)
	PutPendingDownlink(ctx context.Context, pd *PendingDownlink) error
	DeletePendingDownlink(ctx context.Context, devAddr lorawan.DevAddr) error

	// Rx frame log
	AppendRxFrame(ctx context.Context, f *RxFrame) error

	// Event log
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, filter EventFilter, limit int) ([]Event, error)

	// JoinTx atomically re-reads the Device, lets fn decide the DevAddr and
	// session, and writes back Device+Link together (spec §4.5 step 6). fn
	// receives the current Device, any pre-existing Link at its prior
	// DevAddr (nil if this is a first join), and a devAddrTaken predicate
	// that answers collision checks against the same transaction's view of
	// the registry, so fn can retry allocation without escaping the lock.
	// The implementation must serialize JoinTx calls for the same DevEUI
	// against each other and against GetDevice for the same key.
	JoinTx(ctx context.Context, devEUI lorawan.EUI64, fn func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error)) (*Device, *Link, error)

	// IncrementFCntDown atomically increments a Link's fcntdown and
	// returns the new value (spec §5, "Counter atomicity").
	IncrementFCntDown(ctx context.Context, devAddr lorawan.DevAddr) (uint32, error)

	Close() error
}
