// Package config loads daemon configuration: built-in defaults, then an
// optional TOML file, then environment variable overrides. The environment
// names match the ones the field installations already export (MQTT_*,
// SERIAL_*).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type SerialConfig struct {
	Device         string `toml:"device" env:"SERIAL_DEVICE"`
	BaudRate       int    `toml:"baud_rate" env:"SERIAL_BAUDRATE"`
	TimeoutSeconds int    `toml:"timeout_seconds" env:"SERIAL_TIMEOUT"`
}

func (c SerialConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type MQTTConfig struct {
	BrokerHost       string `toml:"broker_host" env:"MQTT_BROKER_HOST"`
	BrokerPort       int    `toml:"broker_port" env:"MQTT_BROKER_PORT"`
	Username         string `toml:"username" env:"MQTT_USERNAME"`
	Password         string `toml:"password" env:"MQTT_PASSWORD"`
	ClientID         string `toml:"client_id" env:"MQTT_CLIENT_ID"`
	DataTopic        string `toml:"data_topic" env:"MQTT_DATA_TOPIC"`
	CommandTopic     string `toml:"command_topic" env:"MQTT_COMMAND_TOPIC"`
	PrintTopic       string `toml:"print_topic" env:"MQTT_PRINT_TOPIC"`
	QoS              int    `toml:"qos" env:"MQTT_QOS"`
	KeepAliveSeconds int    `toml:"keepalive_seconds" env:"MQTT_KEEPALIVE"`
	UseTLS           bool   `toml:"use_tls" env:"MQTT_USE_TLS"`
}

func (c MQTTConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

type HTTPConfig struct {
	// Addr is the health/metrics listen address; empty disables the
	// server.
	Addr string `toml:"addr" env:"HTTP_ADDR"`
	// AllowedOrigins enables CORS on the health surface for the listed
	// origins; empty serves same-origin only.
	AllowedOrigins []string `toml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS" envSeparator:","`
}

type Config struct {
	Serial SerialConfig `toml:"serial"`
	MQTT   MQTTConfig   `toml:"mqtt"`
	HTTP   HTTPConfig   `toml:"http"`
}

func scaleDefaults() Config {
	return Config{
		Serial: SerialConfig{
			Device:         "/dev/ttyUSB_SCALE",
			BaudRate:       9600,
			TimeoutSeconds: 1,
		},
		MQTT: MQTTConfig{
			BrokerHost:       "mqtt.example.com",
			BrokerPort:       8883,
			Username:         "scale_user",
			Password:         "scale_password",
			ClientID:         "scale_daemon_client",
			DataTopic:        "laboratory/scale/data",
			CommandTopic:     "laboratory/scale/command",
			QoS:              2,
			KeepAliveSeconds: 60,
			UseTLS:           true,
		},
	}
}

func printerDefaults() Config {
	return Config{
		Serial: SerialConfig{
			Device:         "/dev/ttyUSB_PRINTER",
			BaudRate:       115200,
			TimeoutSeconds: 1,
		},
		MQTT: MQTTConfig{
			BrokerHost: "mqtt.example.com",
			BrokerPort: 8883,
			Username:   "printer_user",
			Password:   "printer_password",
			ClientID:   "printer_daemon_client",
			// the printer subscribes to the scale's data topic
			PrintTopic:       "laboratory/scale/data",
			QoS:              2,
			KeepAliveSeconds: 60,
			UseTLS:           true,
		},
	}
}

// LoadScale resolves the scale daemon configuration. path may be empty, in
// which case only defaults and environment apply.
func LoadScale(path string) (Config, error) {
	cfg := scaleDefaults()
	if err := load(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := validateCommon(cfg); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.DataTopic == "" {
		return Config{}, fmt.Errorf("%w: data topic is required", ErrInvalidConfig)
	}
	if cfg.MQTT.CommandTopic == "" {
		return Config{}, fmt.Errorf("%w: command topic is required", ErrInvalidConfig)
	}
	return cfg, nil
}

// LoadPrinter resolves the printer daemon configuration.
func LoadPrinter(path string) (Config, error) {
	cfg := printerDefaults()
	if err := load(path, &cfg); err != nil {
		return Config{}, err
	}
	if err := validateCommon(cfg); err != nil {
		return Config{}, err
	}
	if cfg.MQTT.PrintTopic == "" {
		return Config{}, fmt.Errorf("%w: print topic is required", ErrInvalidConfig)
	}
	return cfg, nil
}

func load(path string, cfg *Config) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config env parse failed: %w", err)
	}
	return nil
}

func validateCommon(cfg Config) error {
	switch {
	case cfg.Serial.Device == "":
		return fmt.Errorf("%w: serial device is required", ErrInvalidConfig)
	case cfg.Serial.BaudRate <= 0:
		return fmt.Errorf("%w: invalid baud rate %d", ErrInvalidConfig, cfg.Serial.BaudRate)
	case cfg.Serial.TimeoutSeconds < 0:
		return fmt.Errorf("%w: invalid serial timeout %d", ErrInvalidConfig, cfg.Serial.TimeoutSeconds)
	case cfg.MQTT.BrokerHost == "":
		return fmt.Errorf("%w: broker host is required", ErrInvalidConfig)
	case cfg.MQTT.BrokerPort <= 0 || cfg.MQTT.BrokerPort > 65535:
		return fmt.Errorf("%w: invalid broker port %d", ErrInvalidConfig, cfg.MQTT.BrokerPort)
	case cfg.MQTT.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrInvalidConfig)
	case cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2:
		return fmt.Errorf("%w: invalid qos %d", ErrInvalidConfig, cfg.MQTT.QoS)
	case cfg.MQTT.KeepAliveSeconds <= 0:
		return fmt.Errorf("%w: invalid keepalive %d", ErrInvalidConfig, cfg.MQTT.KeepAliveSeconds)
	}
	return nil
}
