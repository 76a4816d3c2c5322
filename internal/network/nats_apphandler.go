package network

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

// appRequestTimeout bounds how long the core waits for an application
// handler's reply before treating the request as failed.
const appRequestTimeout = 2 * time.Second

// NATSApplicationHandler is the default ApplicationHandler: it publishes a
// request on a per-app/per-device subject and waits for a reply, the way
// the rest of this codebase bridges components over NATS rather than
// calling them in-process.
type NATSApplicationHandler struct {
	nc *nats.Conn
}

// NewNATSApplicationHandler wraps an established NATS connection.
func NewNATSApplicationHandler(nc *nats.Conn) *NATSApplicationHandler {
	return &NATSApplicationHandler{nc: nc}
}

type joinRequestMsg struct {
	DevAddr string `json:"devAddr"`
	App     string `json:"app"`
	AppID   string `json:"appId"`
}

type joinReplyMsg struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (h *NATSApplicationHandler) HandleJoin(ctx context.Context, devAddr lorawan.DevAddr, app, appID string) error {
	req := joinRequestMsg{DevAddr: devAddr.String(), App: app, AppID: appID}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, appRequestTimeout)
	defer cancel()

	subject := fmt.Sprintf("application.%s.device.%s.join", appID, devAddr.String())
	msg, err := h.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("network: join notify %s: %w", subject, err)
	}

	var reply joinReplyMsg
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("network: decode join reply: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("network: application rejected join: %s", reply.Error)
	}
	return nil
}

type rxRequestMsg struct {
	DevAddr    string `json:"devAddr"`
	App        string `json:"app"`
	AppID      string `json:"appId"`
	Port       *uint8 `json:"port,omitempty"`
	Data       []byte `json:"data,omitempty"`
	LastLost   bool   `json:"lastLost"`
	ShallReply bool   `json:"shallReply"`
}

type rxReplyMsg struct {
	Action    string `json:"action"` // "ok" | "retransmit" | "send"
	Confirmed bool   `json:"confirmed,omitempty"`
	Port      *uint8 `json:"port,omitempty"`
	Data      []byte `json:"data,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *NATSApplicationHandler) HandleRx(ctx context.Context, n RxNotification) (RxDecision, error) {
	req := rxRequestMsg{
		DevAddr:    n.DevAddr.String(),
		App:        n.App,
		AppID:      n.AppID,
		Port:       n.Port,
		Data:       n.Data,
		LastLost:   n.LastLost,
		ShallReply: n.ShallReply,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return RxDecision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, appRequestTimeout)
	defer cancel()

	subject := fmt.Sprintf("application.%s.device.%s.rx", n.AppID, n.DevAddr.String())
	msg, err := h.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return RxDecision{}, fmt.Errorf("network: rx notify %s: %w", subject, err)
	}

	var reply rxReplyMsg
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return RxDecision{}, fmt.Errorf("network: decode rx reply: %w", err)
	}
	if reply.Error != "" {
		return RxDecision{}, fmt.Errorf("network: application error: %s", reply.Error)
	}

	switch reply.Action {
	case "retransmit":
		return RxDecision{Action: ActionRetransmit}, nil
	case "send":
		return RxDecision{Action: ActionSend, TxData: TxData{
			Confirmed: reply.Confirmed,
			Port:      reply.Port,
			Data:      reply.Data,
			Pending:   reply.Pending,
		}}, nil
	default:
		return RxDecision{Action: ActionOK}, nil
	}
}
