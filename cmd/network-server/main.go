package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-ns/macserver/internal/bus"
	"github.com/lorawan-ns/macserver/internal/config"
	"github.com/lorawan-ns/macserver/internal/maccommand"
	"github.com/lorawan-ns/macserver/internal/network"
	"github.com/lorawan-ns/macserver/internal/registry"
	"github.com/lorawan-ns/macserver/pkg/lorawan"
)

func main() {
	configPath := flag.String("config", "config/network-server.yml", "configuration file path")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	netIDBytes, err := lorawan.DecodeHex(cfg.Network.NetID)
	if err != nil || len(netIDBytes) != 3 {
		log.Fatal().Str("net_id", cfg.Network.NetID).Msg("network.net_id must be a 3-byte hex string")
	}
	var netID [3]byte
	copy(netID[:], netIDBytes)

	store, err := newStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open registry store")
	}
	defer store.Close()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()
	b := bus.New(nc)

	appHandler := network.NewNATSApplicationHandler(nc)

	mac := maccommand.New(log.Logger)
	join := network.NewJoinEngine(store, appHandler, netID, cfg.Network.MaxJoinAttempts,
		cfg.Network.JoinAcceptDelay1, cfg.Network.RX2DataRate, log.Logger)
	planner := network.NewDownlinkPlanner(store, appHandler, network.PlannerConfig{
		RX2Frequency:  cfg.Network.RX2Frequency,
		RX2DataRate:   cfg.Network.RX2DataRate,
		RX2CodingRate: "4/5",
		RXDelay2:      cfg.Network.RXDelay2,
	}, log.Logger)
	processor := network.NewFrameProcessor(store, mac, join, planner, log.Logger)
	listener := network.NewBusListener(b, processor, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := listener.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("bus listener stopped")
			cancel()
		}
	}()

	log.Info().Str("config", *configPath).Msg("network server started")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-ctx.Done():
	}
	cancel()
	log.Info().Msg("network server stopped")
}

func newStore(cfg *config.Config) (registry.Store, error) {
	pg, err := registry.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return pg, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return registry.NewCachedStore(pg, client), nil
}
