// printerd bridges an MQTT topic to a serial receipt printer: every message
// arriving on the print topic is sanitized to ASCII and written to the
// printer as one LF-terminated line.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labmq/serialmq/internal/bridge"
	"github.com/labmq/serialmq/internal/config"
	"github.com/labmq/serialmq/internal/link"
	"github.com/labmq/serialmq/internal/logging"
	"github.com/labmq/serialmq/internal/mqttio"
	"github.com/labmq/serialmq/internal/observability"
	"github.com/labmq/serialmq/internal/queue"
	"github.com/labmq/serialmq/internal/serialio"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	logging.ConfigureRuntime()
	logger := observability.InitLogger("printerd")

	cfg, err := config.LoadPrinter(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printerd: %v\n", err)
		os.Exit(1)
	}
	logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort)).
		Str("print_topic", cfg.MQTT.PrintTopic).
		Int("qos", cfg.MQTT.QoS).
		Bool("tls", cfg.MQTT.UseTLS).
		Str("device", cfg.Serial.Device).
		Msg("starting printer daemon")

	// one queue: broker messages waiting to be printed
	printJobs := queue.New("mqtt_to_serial")
	printJobs.SetDepthFunc(func(n int) { observability.SetQueueDepth("mqtt_to_serial", n) })

	serialLink := serialio.New(serialio.Config{
		Device:          cfg.Serial.Device,
		BaudRate:        cfg.Serial.BaudRate,
		ReadTimeout:     cfg.Serial.Timeout(),
		WriteTerminator: []byte("\n"),
	}, printJobs, nil, logger)

	mqttLink, err := mqttio.New(mqttio.Config{
		BrokerHost:     cfg.MQTT.BrokerHost,
		BrokerPort:     cfg.MQTT.BrokerPort,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		SubscribeTopic: cfg.MQTT.PrintTopic,
		QoS:            byte(cfg.MQTT.QoS),
		KeepAlive:      cfg.MQTT.KeepAlive(),
		UseTLS:         cfg.MQTT.UseTLS,
	}, nil, printJobs, mqttio.PrintableText, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "printerd: %v\n", err)
		os.Exit(1)
	}

	br := bridge.New(
		[]link.Link{serialLink, mqttLink},
		[]*queue.Queue{printJobs},
		logger,
	)

	if cfg.HTTP.Addr != "" {
		srv := observability.NewServer(cfg.HTTP.Addr, cfg.HTTP.AllowedOrigins, br, logger)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("health server failed")
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	br.Run(ctx)
	logger.Info().Msg("printer daemon shut down")
}
