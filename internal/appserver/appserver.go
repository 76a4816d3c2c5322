// Package appserver is a reference ApplicationHandler peer: it answers the
// join/rx NATS requests network.NATSApplicationHandler issues (spec §6's
// handle_join/handle_rx contract) and mirrors accepted uplinks onto MQTT for
// a downstream application to consume. Grounded on the teacher's
// internal/integration/forwarder.go (MQTT fan-out) and
// internal/server/nats_subscriber.go (subject layout); this package plays
// the part the teacher split across both, on the other end of the wire from
// internal/network's handler.
package appserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Server answers join/rx requests for every application and device; real
// deployments would route per-AppID to distinct backends, but the wire
// contract is the same regardless.
type Server struct {
	nc  *nats.Conn
	mq  mqtt.Client
	log zerolog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// New wraps nc. mq may be nil, in which case accepted uplinks are logged
// but not mirrored anywhere.
func New(nc *nats.Conn, mq mqtt.Client, log zerolog.Logger) *Server {
	return &Server{nc: nc, mq: mq, log: log.With().Str("component", "appserver").Logger()}
}

// Start subscribes to every application's join/rx subjects.
func (s *Server) Start() error {
	joinSub, err := s.nc.Subscribe("application.*.device.*.join", s.handleJoin)
	if err != nil {
		return fmt.Errorf("appserver: subscribe join: %w", err)
	}
	rxSub, err := s.nc.Subscribe("application.*.device.*.rx", s.handleRx)
	if err != nil {
		return fmt.Errorf("appserver: subscribe rx: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{joinSub, rxSub}
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes from everything.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

type joinRequestMsg struct {
	DevAddr string `json:"devAddr"`
	App     string `json:"app"`
	AppID   string `json:"appId"`
}

type joinReplyMsg struct {
	OK bool `json:"ok"`
}

func (s *Server) handleJoin(msg *nats.Msg) {
	var req joinRequestMsg
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed join request")
		return
	}
	s.log.Info().Str("devAddr", req.DevAddr).Str("app", req.App).Msg("device joined")

	reply, _ := json.Marshal(joinReplyMsg{OK: true})
	if err := msg.Respond(reply); err != nil {
		s.log.Warn().Err(err).Msg("failed to reply to join request")
	}
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
	Action string `json:"action"`
}

// handleRx always answers "ok": this reference server observes uplinks and
// mirrors them to MQTT, it does not itself originate downlink traffic.
func (s *Server) handleRx(msg *nats.Msg) {
	var req rxRequestMsg
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn().Err(err).Msg("malformed rx request")
		return
	}

	if s.mq != nil && req.Port != nil {
		topic := fmt.Sprintf("application/%s/device/%s/rx", sanitizeTopic(req.AppID), req.DevAddr)
		payload, _ := json.Marshal(req)
		token := s.mq.Publish(topic, 0, false, payload)
		go func() {
			if !token.WaitTimeout(5 * time.Second) {
				s.log.Warn().Str("topic", topic).Msg("mqtt publish timed out")
			} else if err := token.Error(); err != nil {
				s.log.Warn().Err(err).Str("topic", topic).Msg("mqtt publish failed")
			}
		}()
	}

	reply, _ := json.Marshal(rxReplyMsg{Action: "ok"})
	if err := msg.Respond(reply); err != nil {
		s.log.Warn().Err(err).Msg("failed to reply to rx request")
	}
}

func sanitizeTopic(s string) string {
	return strings.ReplaceAll(s, "/", "_")
}
