package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-ns/macserver/internal/appserver"
	"github.com/lorawan-ns/macserver/internal/config"
)

func main() {
	configFile := flag.String("config", "config/application-server.yml", "configuration file path")
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
		nats.Name("lorawan-application-server"),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	var mq mqtt.Client
	if cfg.MQTT.Broker != "" {
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTT.Broker).
			SetClientID(cfg.MQTT.ClientID).
			SetConnectTimeout(5 * time.Second).
			SetAutoReconnect(true)
		mq = mqtt.NewClient(opts)
		if token := mq.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Warn().Err(token.Error()).Msg("failed to connect to mqtt broker, continuing without mqtt mirroring")
			mq = nil
		} else {
			defer mq.Disconnect(250)
			log.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to mqtt broker")
		}
	}

	srv := appserver.New(nc, mq, log.Logger)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start application server")
	}
	defer srv.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info().Msg("application server started")

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	log.Info().Msg("application server stopped")
}
