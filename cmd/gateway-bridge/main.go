package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-ns/macserver/internal/bus"
	"github.com/lorawan-ns/macserver/internal/config"
	"github.com/lorawan-ns/macserver/internal/gatewaybridge"
)

func main() {
	configFile := flag.String("config", "config/gateway-bridge.yml", "configuration file path")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("lorawan-gateway-bridge"),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	bridge, err := gatewaybridge.New(cfg.Gateway.UDPBind, bus.New(nc), log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start udp packet forwarder")
	}
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("gateway bridge stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Str("bind", cfg.Gateway.UDPBind).Msg("gateway bridge started")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case <-ctx.Done():
	}
	cancel()
	log.Info().Msg("gateway bridge stopped")
}
