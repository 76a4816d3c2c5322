package network

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-ns/macserver/internal/maccommand"
	"github.com/lorawan-ns/macserver/internal/registry"
	"github.com/lorawan-ns/macserver/pkg/crypto"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// stubApp is a minimal ApplicationHandler double for exercising the core
// without a NATS peer.
type stubApp struct {
	joinErr     error
	joins       []lorawan.DevAddr
	decision    RxDecision
	decisionErr error
	rxCalls     []RxNotification
}

func (s *stubApp) HandleJoin(_ context.Context, devAddr lorawan.DevAddr, app, appID string) error {
	s.joins = append(s.joins, devAddr)
	return s.joinErr
}

func (s *stubApp) HandleRx(_ context.Context, n RxNotification) (RxDecision, error) {
	s.rxCalls = append(s.rxCalls, n)
	return s.decision, s.decisionErr
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testPlannerConfig() PlannerConfig {
	return PlannerConfig{
		RX2Frequency:  869525000,
		RX2DataRate:   0,
		RX2CodingRate: "4/5",
		RXDelay2:      time.Second,
	}
}

func buildUplinkPHY(t *testing.T, link *registry.Link, fcntWire uint16, fctrl lorawan.FCtrl, fopts []byte, port *uint8, plaintext []byte, confirmed bool) []byte {
	t.Helper()
	fcnt32 := uint32(fcntWire)

	dp := lorawan.DataPayload{
		FHDR: lorawan.FHDR{
			DevAddr: link.DevAddr,
			FCtrl:   fctrl,
			FCnt:    fcntWire,
			FOpts:   fopts,
		},
		FPort: port,
	}
	if port != nil {
		wireFRM, err := crypto.PayloadCipher(link.AppSKey, crypto.DirUp, link.DevAddr, fcnt32, lorawan.Reverse(plaintext))
		require.NoError(t, err)
		dp.FRMPayload = wireFRM
	}

	mtype := lorawan.MTypeUnconfDataUp
	if confirmed {
		mtype = lorawan.MTypeConfDataUp
	}
	mhdr := lorawan.MHDR{MType: mtype, Major: 0}
	macPayload := lorawan.MarshalDataPayload(dp, true)

	mic, err := crypto.DataMIC(link.NwkSKey, crypto.DirUp, link.DevAddr, fcnt32, append([]byte{mhdr.Byte()}, macPayload...))
	require.NoError(t, err)

	phy := lorawan.PHYPayload{MHDR: mhdr, MACPayload: macPayload, MIC: mic}
	return phy.Marshal()
}

func newTestProcessor(store registry.Store, app *stubApp) *FrameProcessor {
	log := testLogger()
	mac := maccommand.New(log)
	var netID [3]byte
	join := NewJoinEngine(store, app, netID, 5, 5*time.Second, 0, log)
	planner := NewDownlinkPlanner(store, app, testPlannerConfig(), log)
	return NewFrameProcessor(store, mac, join, planner, log)
}

func seedGatewayAndLink(t *testing.T, store *registry.MemoryStore) (lorawan.EUI64, *registry.Link) {
	t.Helper()
	ctx := context.Background()
	gwMAC := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	store.SeedGateway(&registry.Gateway{MAC: gwMAC})

	var nwkSKey, appSKey lorawan.AES128Key
	nwkSKey[0] = 0x11
	appSKey[0] = 0x22
	link := &registry.Link{
		DevAddr:  lorawan.DevAddr{0x01, 0x02, 0x03, 0x04},
		NwkSKey:  nwkSKey,
		AppSKey:  appSKey,
		FCntUp:   0,
		FCntDown: 0,
	}
	require.NoError(t, store.PutLink(ctx, link))
	return gwMAC, link
}

func TestProcessFrameAcceptsValidUplinkAndDeliversToApp(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{decision: RxDecision{Action: ActionOK}}
	p := newTestProcessor(store, app)
	gwMAC, link := seedGatewayAndLink(t, store)

	port := uint8(1)
	phyBytes := buildUplinkPHY(t, link, 1, lorawan.FCtrl{}, nil, &port, []byte("hello"), false)

	outcome, err := p.ProcessFrame(context.Background(), gwMAC, RxQuality{}, RF{}, phyBytes)
	require.NoError(t, err)
	assert.False(t, outcome.Send)

	require.Len(t, app.rxCalls, 1)
	assert.Equal(t, []byte("hello"), app.rxCalls[0].Data)

	updated, err := store.GetLink(context.Background(), link.DevAddr)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), updated.FCntUp)
}

func TestProcessFrameRejectsBadMIC(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{decision: RxDecision{Action: ActionOK}}
	p := newTestProcessor(store, app)
	gwMAC, link := seedGatewayAndLink(t, store)

	phyBytes := buildUplinkPHY(t, link, 1, lorawan.FCtrl{}, nil, nil, nil, false)
	phyBytes[len(phyBytes)-1] ^= 0xff // corrupt the MIC

	_, err := p.ProcessFrame(context.Background(), gwMAC, RxQuality{}, RF{}, phyBytes)
	require.Error(t, err)
	netErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindBadMIC, netErr.Kind)

	events, err := store.ListEvents(context.Background(), registry.EventFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventTypeError, events[0].Type)
}

func TestProcessFrameRejectsFCntGapTooLarge(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{decision: RxDecision{Action: ActionOK}}
	p := newTestProcessor(store, app)
	gwMAC, link := seedGatewayAndLink(t, store)

	phyBytes := buildUplinkPHY(t, link, uint16(MaxFCntGap+1), lorawan.FCtrl{}, nil, nil, nil, false)

	_, err := p.ProcessFrame(context.Background(), gwMAC, RxQuality{}, RF{}, phyBytes)
	require.Error(t, err)
	netErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindFCntGapTooLarge, netErr.Kind)
}

func TestProcessFrameUnknownGateway(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{}
	p := newTestProcessor(store, app)
	_, link := seedGatewayAndLink(t, store)

	phyBytes := buildUplinkPHY(t, link, 1, lorawan.FCtrl{}, nil, nil, nil, false)
	_, err := p.ProcessFrame(context.Background(), lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}, RxQuality{}, RF{}, phyBytes)
	require.Error(t, err)
	netErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindUnknownMAC, netErr.Kind)
}

func TestProcessFrameDropsIgnoredLinkSilently(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{decision: RxDecision{Action: ActionOK}}
	p := newTestProcessor(store, app)
	gwMAC, link := seedGatewayAndLink(t, store)
	store.SeedIgnoredLink(registry.IgnoredLink{
		Base: link.DevAddr,
		Mask: lorawan.DevAddr{0xff, 0xff, 0xff, 0xff},
	})

	phyBytes := buildUplinkPHY(t, link, 1, lorawan.FCtrl{}, nil, nil, nil, false)

	outcome, err := p.ProcessFrame(context.Background(), gwMAC, RxQuality{}, RF{}, phyBytes)
	require.NoError(t, err)
	assert.False(t, outcome.Send)
	assert.Empty(t, app.rxCalls)
}

func TestHandleJoinRequestSucceedsAndPersistsLink(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{}
	log := testLogger()
	var netID [3]byte
	netID[0] = 0x13
	join := NewJoinEngine(store, app, netID, 5, 5*time.Second, 0, log)
	mac := maccommand.New(log)
	planner := NewDownlinkPlanner(store, app, testPlannerConfig(), log)
	p := NewFrameProcessor(store, mac, join, planner, log)

	gwMAC := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	store.SeedGateway(&registry.Gateway{MAC: gwMAC})

	var appKey lorawan.AES128Key
	appKey[0] = 0x99
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	appEUI := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	store.SeedDevice(&registry.Device{DevEUI: devEUI, AppEUI: appEUI, AppKey: appKey, CanJoin: true})

	devNonce := [2]byte{0x01, 0x02}
	wire := append(append(lorawan.Reverse(appEUI[:]), lorawan.Reverse(devEUI[:])...), devNonce[:]...)
	mhdr := lorawan.MHDR{MType: lorawan.MTypeJoinRequest, Major: 0}
	mic, err := crypto.JoinMIC(appKey, append([]byte{mhdr.Byte()}, wire...))
	require.NoError(t, err)
	phy := lorawan.PHYPayload{MHDR: mhdr, MACPayload: wire, MIC: mic}

	outcome, err := p.ProcessFrame(context.Background(), gwMAC, RxQuality{}, RF{}, phy.Marshal())
	require.NoError(t, err)
	assert.True(t, outcome.Send)
	require.Len(t, app.joins, 1)

	dev, err := store.GetDevice(context.Background(), devEUI)
	require.NoError(t, err)
	require.NotNil(t, dev.Link)

	link, err := store.GetLink(context.Background(), *dev.Link)
	require.NoError(t, err)
	assert.Equal(t, *dev.Link, link.DevAddr)
}

func TestHandleJoinRequestReusesDevAddrOnRejoin(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{}
	log := testLogger()
	var netID [3]byte
	join := NewJoinEngine(store, app, netID, 5, 5*time.Second, 0, log)

	var appKey lorawan.AES128Key
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	appEUI := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	store.SeedDevice(&registry.Device{DevEUI: devEUI, AppEUI: appEUI, AppKey: appKey, CanJoin: true})

	joinOnce := func(devNonce [2]byte) lorawan.DevAddr {
		wire := append(append(lorawan.Reverse(appEUI[:]), lorawan.Reverse(devEUI[:])...), devNonce[:]...)
		mhdr := lorawan.MHDR{MType: lorawan.MTypeJoinRequest, Major: 0}
		mic, err := crypto.JoinMIC(appKey, append([]byte{mhdr.Byte()}, wire...))
		require.NoError(t, err)
		phy := lorawan.PHYPayload{MHDR: mhdr, MACPayload: wire, MIC: mic}

		outcome, err := join.HandleJoinRequest(context.Background(), RxQuality{}, RF{}, phy)
		require.NoError(t, err)
		require.True(t, outcome.Send)

		dev, err := store.GetDevice(context.Background(), devEUI)
		require.NoError(t, err)
		require.NotNil(t, dev.Link)
		return *dev.Link
	}

	addr1 := joinOnce([2]byte{0, 1})
	addr2 := joinOnce([2]byte{0, 2})
	assert.Equal(t, addr1, addr2)
}

func TestHandleJoinRequestIgnoredWhenCanJoinFalse(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{}
	log := testLogger()
	var netID [3]byte
	join := NewJoinEngine(store, app, netID, 5, 5*time.Second, 0, log)

	var appKey lorawan.AES128Key
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	appEUI := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	store.SeedDevice(&registry.Device{DevEUI: devEUI, AppEUI: appEUI, AppKey: appKey, CanJoin: false})

	wire := append(append(lorawan.Reverse(appEUI[:]), lorawan.Reverse(devEUI[:])...), 0, 0)
	mhdr := lorawan.MHDR{MType: lorawan.MTypeJoinRequest, Major: 0}
	mic, err := crypto.JoinMIC(appKey, append([]byte{mhdr.Byte()}, wire...))
	require.NoError(t, err)
	phy := lorawan.PHYPayload{MHDR: mhdr, MACPayload: wire, MIC: mic}

	outcome, err := join.HandleJoinRequest(context.Background(), RxQuality{}, RF{}, phy)
	require.NoError(t, err)
	assert.False(t, outcome.Send)
	assert.Empty(t, app.joins)
}

// buildJoinRequestPHY assembles a valid Join-Request PHYPayload the way a
// device would, under appKey.
func buildJoinRequestPHY(t *testing.T, appKey lorawan.AES128Key, appEUI, devEUI lorawan.EUI64, devNonce [2]byte) lorawan.PHYPayload {
	t.Helper()
	wire := append(append(lorawan.Reverse(appEUI[:]), lorawan.Reverse(devEUI[:])...), devNonce[:]...)
	mhdr := lorawan.MHDR{MType: lorawan.MTypeJoinRequest, Major: 0}
	mic, err := crypto.JoinMIC(appKey, append([]byte{mhdr.Byte()}, wire...))
	require.NoError(t, err)
	return lorawan.PHYPayload{MHDR: mhdr, MACPayload: wire, MIC: mic}
}

func TestHandleJoinRequestRejectsBadMIC(t *testing.T) {
	store := registry.NewMemoryStore()
	app := &stubApp{}
	log := testLogger()
	var netID [3]byte
	join := NewJoinEngine(store, app, netID, 5, 5*time.Second, 0, log)

	var appKey lorawan.AES128Key
	appKey[0] = 0x55
	devEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	appEUI := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	store.SeedDevice(&registry.Device{DevEUI: devEUI, AppEUI: appEUI, AppKey: appKey, CanJoin: true})

	phy := buildJoinRequestPHY(t, appKey, appEUI, devEUI, [2]byte{0x01, 0x02})
	phy.MIC[3] ^= 0xff // corrupt the MIC

	outcome, err := join.HandleJoinRequest(context.Background(), RxQuality{}, RF{}, phy)
	require.Error(t, err)
	netErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindBadMIC, netErr.Kind)
	assert.False(t, outcome.Send)
	assert.Empty(t, app.joins)

	// A rejected join must not allocate a DevAddr or touch the device record.
	dev, err := store.GetDevice(context.Background(), devEUI)
	require.NoError(t, err)
	assert.Nil(t, dev.Link)

	events, err := store.ListEvents(context.Background(), registry.EventFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, registry.EventTypeJoin, events[0].Type)
	assert.Equal(t, registry.EventLevelWarn, events[0].Level)
}

func TestDownlinkPlannerRetransmitsPendingOnLastLost(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	var nwkSKey, appSKey lorawan.AES128Key
	link := &registry.Link{DevAddr: lorawan.DevAddr{1, 1, 1, 1}, NwkSKey: nwkSKey, AppSKey: appSKey}
	require.NoError(t, store.PutLink(ctx, link))

	pending := []byte{0xaa, 0xbb, 0xcc}
	require.NoError(t, store.PutPendingDownlink(ctx, &registry.PendingDownlink{DevAddr: link.DevAddr, PHY: pending}))

	app := &stubApp{decision: RxDecision{Action: ActionRetransmit}}
	planner := NewDownlinkPlanner(store, app, testPlannerConfig(), testLogger())

	outcome, err := planner.HandleUplink(ctx, UplinkContext{DevAddr: link.DevAddr, Link: link})
	require.NoError(t, err)
	assert.True(t, outcome.Send)
	assert.Equal(t, pending, outcome.PHYPayload)

	require.Len(t, app.rxCalls, 1)
	assert.True(t, app.rxCalls[0].LastLost)
}

func TestDownlinkPlannerClearsPendingOnAck(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	var nwkSKey, appSKey lorawan.AES128Key
	link := &registry.Link{DevAddr: lorawan.DevAddr{2, 2, 2, 2}, NwkSKey: nwkSKey, AppSKey: appSKey}
	require.NoError(t, store.PutLink(ctx, link))
	require.NoError(t, store.PutPendingDownlink(ctx, &registry.PendingDownlink{DevAddr: link.DevAddr, PHY: []byte{1}}))

	app := &stubApp{decision: RxDecision{Action: ActionOK}}
	planner := NewDownlinkPlanner(store, app, testPlannerConfig(), testLogger())

	_, err := planner.HandleUplink(ctx, UplinkContext{DevAddr: link.DevAddr, Link: link, Ack: true})
	require.NoError(t, err)

	_, err = store.GetPendingDownlink(ctx, link.DevAddr)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestDownlinkPlannerSchedulesConfirmedDownlinkAndStoresPending(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	var nwkSKey, appSKey lorawan.AES128Key
	link := &registry.Link{DevAddr: lorawan.DevAddr{3, 3, 3, 3}, NwkSKey: nwkSKey, AppSKey: appSKey}
	require.NoError(t, store.PutLink(ctx, link))

	port := uint8(2)
	app := &stubApp{decision: RxDecision{Action: ActionSend, TxData: TxData{Confirmed: true, Port: &port, Data: []byte("ping")}}}
	planner := NewDownlinkPlanner(store, app, testPlannerConfig(), testLogger())

	outcome, err := planner.HandleUplink(ctx, UplinkContext{DevAddr: link.DevAddr, Link: link})
	require.NoError(t, err)
	assert.True(t, outcome.Send)

	pd, err := store.GetPendingDownlink(ctx, link.DevAddr)
	require.NoError(t, err)
	assert.Equal(t, outcome.PHYPayload, pd.PHY)

	phy, err := lorawan.Split(outcome.PHYPayload)
	require.NoError(t, err)
	assert.Equal(t, lorawan.MTypeConfDataDown, phy.MHDR.MType)
}
