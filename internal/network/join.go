package network

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lorawan-ns/macserver/internal/registry"
	"github.com/lorawan-ns/macserver/pkg/crypto"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// JoinEngine implements the OTAA handshake (spec §4.5).
type JoinEngine struct {
	store            registry.Store
	app              ApplicationHandler
	netID            [3]byte
	maxAttempts      int
	joinAcceptDelay1 time.Duration
	rx2DataRate      int
	log              zerolog.Logger
}

// NewJoinEngine builds a JoinEngine. netID is the 3-byte network identifier
// new DevAddrs are allocated under; maxAttempts bounds the collision-retry
// loop in resolveDevAddr (spec §9 Open Questions — this core retries a
// bounded number of times rather than failing outright or looping forever).
func NewJoinEngine(store registry.Store, app ApplicationHandler, netID [3]byte, maxAttempts int, joinAcceptDelay1 time.Duration, rx2DataRate int, log zerolog.Logger) *JoinEngine {
	return &JoinEngine{
		store:            store,
		app:              app,
		netID:            netID,
		maxAttempts:      maxAttempts,
		joinAcceptDelay1: joinAcceptDelay1,
		rx2DataRate:      rx2DataRate,
		log:              log.With().Str("component", "join").Logger(),
	}
}

// HandleJoinRequest implements spec §4.5 steps 1-8 plus Join-Accept
// construction. phy has already been split by FrameProcessor; MHDR.MType
// is always MTypeJoinRequest here.
func (j *JoinEngine) HandleJoinRequest(ctx context.Context, rxq RxQuality, rf RF, phy lorawan.PHYPayload) (Outcome, error) {
	req, err := lorawan.UnmarshalJoinRequestPayload(phy.MACPayload)
	if err != nil {
		return Outcome{}, fail(KindParseError, err)
	}

	dev, err := j.store.GetDevice(ctx, req.DevEUI)
	if err != nil {
		if err == registry.ErrNotFound {
			return Outcome{}, fail(KindUnknownDevEUI, err)
		}
		return Outcome{}, fail(KindApplicationError, err)
	}

	if !dev.CanJoin {
		j.log.Debug().Str("deveui", req.DevEUI.String()).Msg("join request from device with can_join=false, ignoring")
		return Outcome{}, nil
	}

	mic, err := crypto.JoinMIC(dev.AppKey, append([]byte{phy.MHDR.Byte()}, phy.MACPayload...))
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	if !bytes.Equal(mic[:], phy.MIC[:]) {
		j.logEvent(ctx, registry.EventLevelWarn, &req.DevEUI, nil, "bad mic on join request")
		return Outcome{}, fail(KindBadMIC, fmt.Errorf("mic mismatch"))
	}

	appNonceBytes, err := crypto.GenerateRandomBytes(3)
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	var appNonce [3]byte
	copy(appNonce[:], appNonceBytes)

	keys, err := crypto.DeriveSessionKeys(dev.AppKey, appNonce, j.netID, req.DevNonce)
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	_, newLink, err := j.store.JoinTx(ctx, req.DevEUI, func(d *registry.Device, prevLink *registry.Link, devAddrTaken func(lorawan.DevAddr) bool) (*registry.Device, *registry.Link, error) {
		devAddr, err := j.resolveDevAddr(prevLink, devAddrTaken)
		if err != nil {
			return nil, nil, err
		}

		d.Link = &devAddr
		d.LastJoinAt = time.Now()

		link := &registry.Link{
			DevAddr:  devAddr,
			NwkSKey:  lorawan.AES128Key(keys.NwkSKey),
			AppSKey:  lorawan.AES128Key(keys.AppSKey),
			FCntUp:   0,
			FCntDown: 0,
			ADRInUse: d.DesiredADR,
			LastRx:   time.Now(),
			App:      d.App,
			AppID:    d.AppID,
		}
		if link.ADRInUse == (registry.ADRParams{}) {
			link.ADRInUse = registry.DefaultADR
		}
		return d, link, nil
	})
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	if err := j.store.DeletePendingDownlink(ctx, newLink.DevAddr); err != nil {
		j.log.Warn().Err(err).Str("devaddr", newLink.DevAddr.String()).Msg("failed to clear pending downlink on rejoin")
	}

	if err := j.app.HandleJoin(ctx, newLink.DevAddr, newLink.App, newLink.AppID); err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}
	j.logEvent(ctx, registry.EventLevelInfo, &req.DevEUI, &newLink.DevAddr, "device joined")

	return j.buildJoinAccept(rxq, rf, dev.AppKey, appNonce, newLink.DevAddr)
}

// logEvent appends a diagnostic event without letting a registry failure
// interrupt the join handshake.
func (j *JoinEngine) logEvent(ctx context.Context, level registry.EventLevel, devEUI *lorawan.EUI64, devAddr *lorawan.DevAddr, msg string) {
	err := j.store.AppendEvent(ctx, &registry.Event{
		Time:    time.Now(),
		Type:    registry.EventTypeJoin,
		Level:   level,
		DevEUI:  devEUI,
		DevAddr: devAddr,
		Message: msg,
	})
	if err != nil {
		j.log.Warn().Err(err).Msg("failed to append event")
	}
}

// resolveDevAddr implements spec §4.5 step 6's allocation rule: reuse the
// device's prior DevAddr when it still has a Link, otherwise allocate a
// fresh one and retry on collision up to maxAttempts times.
func (j *JoinEngine) resolveDevAddr(prevLink *registry.Link, devAddrTaken func(lorawan.DevAddr) bool) (lorawan.DevAddr, error) {
	if prevLink != nil {
		return prevLink.DevAddr, nil
	}

	nwkID := j.netID[0] >> 1
	for attempt := 0; attempt < j.maxAttempts; attempt++ {
		rnd, err := crypto.GenerateRandomBytes(3)
		if err != nil {
			return lorawan.DevAddr{}, err
		}
		addr := lorawan.DevAddr{nwkID << 1, rnd[0], rnd[1], rnd[2]}
		if !devAddrTaken(addr) {
			return addr, nil
		}
	}
	return lorawan.DevAddr{}, fmt.Errorf("network: no free devaddr after %d attempts", j.maxAttempts)
}

func (j *JoinEngine) buildJoinAccept(rxq RxQuality, rf RF, appKey lorawan.AES128Key, appNonce [3]byte, devAddr lorawan.DevAddr) (Outcome, error) {
	mhdr := lorawan.MHDR{MType: lorawan.MTypeJoinAccept, Major: 0}
	macPayload := lorawan.MarshalJoinAcceptPayload(lorawan.JoinAcceptPayload{
		AppNonce: appNonce,
		NetID:    j.netID,
		DevAddr:  devAddr,
		DLSettings: lorawan.DLSettings{
			RX1DROffset: 0,
			RX2DataRate: uint8(j.rx2DataRate),
		},
		RxDelay: 1,
	})

	mic, err := crypto.JoinAcceptMIC(appKey, append([]byte{mhdr.Byte()}, macPayload...))
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	cleartext := lorawan.Pad16(append(macPayload, mic[:]...))
	encrypted, err := crypto.EncryptJoinAccept(appKey, cleartext)
	if err != nil {
		return Outcome{}, fail(KindApplicationError, err)
	}

	phyOut := append([]byte{mhdr.Byte()}, encrypted...)

	return Outcome{
		Send: true,
		Time: time.Now().Add(j.joinAcceptDelay1),
		RF:   rf,
		PHYPayload: phyOut,
	}, nil
}
