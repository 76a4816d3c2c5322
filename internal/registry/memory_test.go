package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

func TestSeedAndGetDeviceGateway(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	gw := &Gateway{MAC: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}}
	s.SeedGateway(gw)
	got, err := s.GetGateway(ctx, gw.MAC)
	require.NoError(t, err)
	assert.Equal(t, gw.MAC, got.MAC)

	dev := &Device{DevEUI: lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}, CanJoin: true}
	s.SeedDevice(dev)
	gotDev, err := s.GetDevice(ctx, dev.DevEUI)
	require.NoError(t, err)
	assert.True(t, gotDev.CanJoin)

	_, err = s.GetDevice(ctx, lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutAndGetLinkIsolatesCallerMutation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	link := &Link{DevAddr: lorawan.DevAddr{1, 2, 3, 4}, FCntUp: 5}
	require.NoError(t, s.PutLink(ctx, link))

	link.FCntUp = 999 // mutating the caller's copy must not affect the store

	got, err := s.GetLink(ctx, link.DevAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.FCntUp)
}

func TestIncrementFCntDownIsAtomicPerCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	addr := lorawan.DevAddr{1, 1, 1, 1}
	require.NoError(t, s.PutLink(ctx, &Link{DevAddr: addr, FCntDown: 10}))

	v1, err := s.IncrementFCntDown(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), v1)

	v2, err := s.IncrementFCntDown(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(12), v2)

	_, err = s.IncrementFCntDown(ctx, lorawan.DevAddr{9, 9, 9, 9})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJoinTxAssignsNewDevAddrAndRejectsTaken(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	s.SeedDevice(&Device{DevEUI: devEUI, CanJoin: true})

	taken := lorawan.DevAddr{0xaa, 0xbb, 0xcc, 0xdd}
	require.NoError(t, s.PutLink(ctx, &Link{DevAddr: taken}))

	dev, link, err := s.JoinTx(ctx, devEUI, func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error) {
		assert.Nil(t, prevLink)
		assert.True(t, devAddrTaken(taken))
		assert.False(t, devAddrTaken(lorawan.DevAddr{1, 1, 1, 1}))

		newAddr := lorawan.DevAddr{1, 1, 1, 1}
		dev.Link = &newAddr
		return dev, &Link{DevAddr: newAddr}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, lorawan.DevAddr{1, 1, 1, 1}, link.DevAddr)
	assert.Equal(t, &link.DevAddr, dev.Link)
}

func TestJoinTxReusesPreviousDevAddrOnRejoin(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	prevAddr := lorawan.DevAddr{5, 5, 5, 5}
	s.SeedDevice(&Device{DevEUI: devEUI, CanJoin: true, Link: &prevAddr})
	require.NoError(t, s.PutLink(ctx, &Link{DevAddr: prevAddr, FCntUp: 42}))

	_, link, err := s.JoinTx(ctx, devEUI, func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error) {
		require.NotNil(t, prevLink)
		assert.Equal(t, prevAddr, prevLink.DevAddr)
		// A device's own previous DevAddr must not read back as taken.
		assert.False(t, devAddrTaken(prevAddr))
		return dev, &Link{DevAddr: prevAddr}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, prevAddr, link.DevAddr)
}

func TestJoinTxUnknownDevEUI(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.JoinTx(context.Background(), lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}, func(dev *Device, prevLink *Link, devAddrTaken func(lorawan.DevAddr) bool) (*Device, *Link, error) {
		t.Fatal("fn must not run for an unknown device")
		return nil, nil, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPendingDownlinkLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	addr := lorawan.DevAddr{2, 2, 2, 2}

	_, err := s.GetPendingDownlink(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutPendingDownlink(ctx, &PendingDownlink{DevAddr: addr, PHY: []byte{1, 2, 3}}))
	got, err := s.GetPendingDownlink(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got.PHY)

	require.NoError(t, s.DeletePendingDownlink(ctx, addr))
	_, err = s.GetPendingDownlink(ctx, addr)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIgnoredLinkMatches(t *testing.T) {
	il := IgnoredLink{
		Base: lorawan.DevAddr{0xff, 0x00, 0x00, 0x00},
		Mask: lorawan.DevAddr{0xff, 0x00, 0x00, 0x00},
	}
	assert.True(t, il.Matches(lorawan.DevAddr{0xff, 0x11, 0x22, 0x33}))
	assert.False(t, il.Matches(lorawan.DevAddr{0xfe, 0x11, 0x22, 0x33}))
}

func TestListIgnoredLinks(t *testing.T) {
	s := NewMemoryStore()
	il := IgnoredLink{Base: lorawan.DevAddr{1, 0, 0, 0}, Mask: lorawan.DevAddr{0xff, 0, 0, 0}}
	s.SeedIgnoredLink(il)

	got, err := s.ListIgnoredLinks(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, il, got[0])
}

func TestAppendAndListEventsFiltersByDevEUIAndSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	devA := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	devB := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}

	base := time.Now()
	require.NoError(t, s.AppendEvent(ctx, &Event{Time: base, Type: EventTypeJoin, DevEUI: &devA, Message: "a1"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{Time: base.Add(time.Second), Type: EventTypeJoin, DevEUI: &devB, Message: "b1"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{Time: base.Add(2 * time.Second), Type: EventTypeUplink, DevEUI: &devA, Message: "a2"}))

	only := devA
	got, err := s.ListEvents(ctx, EventFilter{DevEUI: &only}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Most recent first.
	assert.Equal(t, "a2", got[0].Message)
	assert.Equal(t, "a1", got[1].Message)

	since := base.Add(1500 * time.Millisecond)
	got, err = s.ListEvents(ctx, EventFilter{Since: since}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].Message)

	got, err = s.ListEvents(ctx, EventFilter{}, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTouchAndUpdateGatewayStatus(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	mac := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	s.SeedGateway(&Gateway{MAC: mac})

	now := time.Now()
	require.NoError(t, s.TouchGateway(ctx, mac, now))
	got, err := s.GetGateway(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), got.LastSeen.Unix())

	require.NoError(t, s.UpdateGatewayStatus(ctx, mac, 1.5, 2.5, 100, now))
	got, err = s.GetGateway(ctx, mac)
	require.NoError(t, err)
	assert.True(t, got.HasGPS)
	assert.Equal(t, 1.5, got.Lat)
}
