package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// MemoryStore is an in-memory Store with no external dependencies, used by
// the core's tests. A single mutex serializes everything,
// which trivially satisfies the "at-most-once-at-a-time" guarantee spec
// §4.3 requires of transactions on the same key.
type MemoryStore struct {
	mu        sync.Mutex
	gateways  map[lorawan.EUI64]*Gateway
	devices   map[lorawan.EUI64]*Device
	links     map[lorawan.DevAddr]*Link
	pending   map[lorawan.DevAddr]*PendingDownlink
	ignored   []IgnoredLink
	rxFrames  []*RxFrame
	events    []*Event
}

// NewMemoryStore returns an empty MemoryStore. Callers seed gateways and
// devices directly via SeedGateway/SeedDevice before serving traffic.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gateways: make(map[lorawan.EUI64]*Gateway),
		devices:  make(map[lorawan.EUI64]*Device),
		links:    make(map[lorawan.DevAddr]*Link),
		pending:  make(map[lorawan.DevAddr]*PendingDownlink),
	}
}

// SeedGateway registers a Gateway outside of normal traffic flow, the way
// an operator's provisioning step would.
func (m *MemoryStore) SeedGateway(gw *Gateway) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *gw
	m.gateways[gw.MAC] = &cp
}

// SeedDevice registers a Device outside of normal traffic flow.
func (m *MemoryStore) SeedDevice(dev *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.DevEUI] = &cp
}

// SeedIgnoredLink adds a drop rule.
func (m *MemoryStore) SeedIgnoredLink(il IgnoredLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ignored = append(m.ignored, il)
}

func (m *MemoryStore) GetGateway(_ context.Context, mac lorawan.EUI64) (*Gateway, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[mac]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *gw
	return &cp, nil
}

func (m *MemoryStore) TouchGateway(_ context.Context, mac lorawan.EUI64, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[mac]
	if !ok {
		return ErrNotFound
	}
	gw.LastSeen = seenAt
	return nil
}

func (m *MemoryStore) UpdateGatewayStatus(_ context.Context, mac lorawan.EUI64, lat, lon, altitude float64, seenAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gw, ok := m.gateways[mac]
	if !ok {
		return ErrNotFound
	}
	gw.Lat, gw.Lon, gw.Altitude, gw.HasGPS = lat, lon, altitude, true
	gw.LastSeen = seenAt
	return nil
}

func (m *MemoryStore) GetDevice(_ context.Context, devEUI lorawan.EUI64) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[devEUI]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dev
	return &cp, nil
}

func (m *MemoryStore) GetLink(_ context.Context, devAddr lorawan.DevAddr) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) PutLink(_ context.Context, link *Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *link
	m.links[link.DevAddr] = &cp
	return nil
}

func (m *MemoryStore) ListIgnoredLinks(_ context.Context) ([]IgnoredLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IgnoredLink, len(m.ignored))
	copy(out, m.ignored)
	return out, nil
}

func (m *MemoryStore) GetPendingDownlink(_ context.Context, devAddr lorawan.DevAddr) (*PendingDownlink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pd, ok := m.pending[devAddr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pd
	return &cp, nil
}

func (m *MemoryStore) PutPendingDownlink(_ context.Context, pd *PendingDownlink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pd
	m.pending[pd.DevAddr] = &cp
	return nil
}

func (m *MemoryStore) DeletePendingDownlink(_ context.Context, devAddr lorawan.DevAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, devAddr)
	return nil
}

func (m *MemoryStore) AppendRxFrame(_ context.Context, f *RxFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = uuid.New()
	cp := *f
	m.rxFrames = append(m.rxFrames, &cp)
	return nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter EventFilter, limit int) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if filter.DevEUI != nil && (e.DevEUI == nil || *e.DevEUI != *filter.DevEUI) {
			continue
		}
		if filter.GatewayMAC != nil && (e.GatewayMAC == nil || *e.GatewayMAC != *filter.GatewayMAC) {
			continue
		}
		if !filter.Since.IsZero() && e.Time.Before(filter.Since) {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryStore) JoinTx(_ context.Context, devEUI lorawan.EUI64, fn func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error)) (*Device, *Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev, ok := m.devices[devEUI]
	if !ok {
		return nil, nil, ErrNotFound
	}
	devCopy := *dev

	var prevLinkCopy *Link
	if dev.Link != nil {
		if l, ok := m.links[*dev.Link]; ok {
			cp := *l
			prevLinkCopy = &cp
		}
	}

	devAddrTaken := func(addr lorawan.DevAddr) bool {
		if prevLinkCopy != nil && addr == prevLinkCopy.DevAddr {
			return false
		}
		_, exists := m.links[addr]
		return exists
	}

	newDev, newLink, err := fn(&devCopy, prevLinkCopy, devAddrTaken)
	if err != nil {
		return nil, nil, err
	}

	devStore := *newDev
	m.devices[devEUI] = &devStore
	if newLink != nil {
		linkStore := *newLink
		m.links[newLink.DevAddr] = &linkStore
	}

	retDev := *newDev
	var retLink *Link
	if newLink != nil {
		l := *newLink
		retLink = &l
	}
	return &retDev, retLink, nil
}

func (m *MemoryStore) IncrementFCntDown(_ context.Context, devAddr lorawan.DevAddr) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[devAddr]
	if !ok {
		return 0, ErrNotFound
	}
	l.FCntDown++
	return l.FCntDown, nil
}

func (m *MemoryStore) Close() error { return nil }
