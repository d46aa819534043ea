// scaled bridges a laboratory scale on a serial port to an MQTT broker:
// readings go out on the data topic, single-byte commands come back in on
// the command topic.
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
	logger := observability.InitLogger("scaled")

	cfg, err := config.LoadScale(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scaled: %v\n", err)
		os.Exit(1)
	}
	logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", cfg.MQTT.BrokerHost, cfg.MQTT.BrokerPort)).
		Str("data_topic", cfg.MQTT.DataTopic).
		Str("command_topic", cfg.MQTT.CommandTopic).
		Int("qos", cfg.MQTT.QoS).
		Bool("tls", cfg.MQTT.UseTLS).
		Str("device", cfg.Serial.Device).
		Msg("starting scale daemon")

	readings := queue.New("serial_to_mqtt")
	commands := queue.New("mqtt_to_serial")
	readings.SetDepthFunc(func(n int) { observability.SetQueueDepth("serial_to_mqtt", n) })
	commands.SetDepthFunc(func(n int) { observability.SetQueueDepth("mqtt_to_serial", n) })

	serialLink := serialio.New(serialio.Config{
		Device:      cfg.Serial.Device,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.Timeout(),
	}, commands, readings, logger)

	mqttLink, err := mqttio.New(mqttio.Config{
		BrokerHost:     cfg.MQTT.BrokerHost,
		BrokerPort:     cfg.MQTT.BrokerPort,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		PublishTopic:   cfg.MQTT.DataTopic,
		SubscribeTopic: cfg.MQTT.CommandTopic,
		QoS:            byte(cfg.MQTT.QoS),
		KeepAlive:      cfg.MQTT.KeepAlive(),
		UseTLS:         cfg.MQTT.UseTLS,
	}, readings, commands, mqttio.FirstByte, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scaled: %v\n", err)
		os.Exit(1)
	}

	br := bridge.New(
		[]link.Link{serialLink, mqttLink},
		[]*queue.Queue{readings, commands},
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
	logger.Info().Msg("scale daemon shut down")
}
