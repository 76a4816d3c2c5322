package network

import (
	"context"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// RxNotification is what the core tells the application handler about an
// accepted uplink (spec §6, handle_rx).
type RxNotification struct {
	DevAddr    lorawan.DevAddr
	App        string
	AppID      string
	Port       *uint8
	Data       []byte
	LastLost   bool
	ShallReply bool
}

// TxData is what the application handler hands back when it wants to send
// something (spec §6).
type TxData struct {
	Confirmed bool
	Port      *uint8
	Data      []byte
	Pending   bool
}

// RxAction is the handler's outcome for an uplink (spec §4.6).
type RxAction int

const (
	ActionOK RxAction = iota
	ActionRetransmit
	ActionSend
)

// RxDecision bundles the handler's outcome with the TxData for ActionSend.
type RxDecision struct {
	Action RxAction
	TxData TxData
}

// ApplicationHandler is the external collaborator spec §4.7/§6 describes
// by contract only. The core depends on this interface and nothing else;
// NATSApplicationHandler is the default wiring.
type ApplicationHandler interface {
	// HandleJoin notifies the handler a device joined. A non-nil error
	// aborts the Join-Accept.
	HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error

	// HandleRx delivers a decrypted uplink and returns the handler's
	// decision for whether and how to respond.
	HandleRx(ctx context.Context, n RxNotification) (RxDecision, error)
}
