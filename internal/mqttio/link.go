// Package mqttio owns the broker session of a bridge daemon. The link
// publishes payloads pulled from the readings queue and delivers arriving
// messages from the subscribed topic to the command queue. Reconnection is
// driven by the run loop, not by the client's own retry machinery.
package mqttio

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/labmq/serialmq/internal/ascii"
	"github.com/labmq/serialmq/internal/link"
	"github.com/labmq/serialmq/internal/observability"
	"github.com/labmq/serialmq/internal/queue"
)

var (
	ErrSessionSetup   = errors.New("mqttio: session setup failed")
	ErrConnectFailed  = errors.New("mqttio: connect failed")
	ErrConnectTimeout = errors.New("mqttio: connect timed out")
	ErrPublishFailed  = errors.New("mqttio: publish failed")
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultPollInterval   = 10 * time.Millisecond

	publishTimeout      = 5 * time.Second
	subscribeTimeout    = 5 * time.Second
	disconnectQuiesceMS = 250
	linkName            = "mqtt"
)

// Extractor picks the portion of an arriving payload that is handed to the
// command queue. The input is never empty.
type Extractor func(payload []byte) []byte

// FirstByte keeps only the leading byte. The scale protocol commands are
// single bytes; anything trailing is operator noise.
func FirstByte(payload []byte) []byte {
	return payload[:1]
}

// PrintableText sanitizes the full payload as ASCII text with replacement,
// the form the printer's serial side expects.
func PrintableText(payload []byte) []byte {
	return []byte(ascii.DecodeReplace(payload))
}

// Config describes one broker session.
type Config struct {
	BrokerHost string
	BrokerPort int
	Username   string
	Password   string
	ClientID   string
	// PublishTopic receives payloads from the readings queue; empty for
	// subscribe-only daemons.
	PublishTopic string
	// SubscribeTopic feeds the command queue; empty for publish-only
	// daemons.
	SubscribeTopic string
	QoS            byte
	KeepAlive      time.Duration
	UseTLS         bool

	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PollInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
}

// Link bridges one broker session and up to two transfer queues.
type Link struct {
	cfg      Config
	readings *queue.Queue // payloads to publish, nil for subscribe-only daemons
	commands *queue.Queue // arriving messages land here, nil for publish-only daemons
	extract  Extractor

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client

	connMu  sync.Mutex
	connRes chan error // one-shot, armed per connect attempt

	state    link.StateCell
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// New validates the configuration and constructs the client with all
// handlers wired. A validation or setup failure is fatal to the daemon; it
// is returned before any worker starts.
func New(cfg Config, readings, commands *queue.Queue, extract Extractor, logger zerolog.Logger) (*Link, error) {
	cfg.applyDefaults()
	if err := validate(cfg, readings, commands, extract); err != nil {
		return nil, err
	}
	l := &Link{
		cfg:       cfg,
		readings:  readings,
		commands:  commands,
		extract:   extract,
		newClient: mqtt.NewClient,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log: logger.With().Str("component", linkName).
			Str("broker", fmt.Sprintf("%s:%d", cfg.BrokerHost, cfg.BrokerPort)).Logger(),
	}
	l.setupSession()
	return l, nil
}

func validate(cfg Config, readings, commands *queue.Queue, extract Extractor) error {
	switch {
	case cfg.BrokerHost == "":
		return fmt.Errorf("%w: broker host is required", ErrSessionSetup)
	case cfg.BrokerPort <= 0 || cfg.BrokerPort > 65535:
		return fmt.Errorf("%w: invalid broker port %d", ErrSessionSetup, cfg.BrokerPort)
	case cfg.ClientID == "":
		return fmt.Errorf("%w: client id is required", ErrSessionSetup)
	case cfg.QoS > 2:
		return fmt.Errorf("%w: invalid qos %d", ErrSessionSetup, cfg.QoS)
	case readings != nil && cfg.PublishTopic == "":
		return fmt.Errorf("%w: readings queue set without publish topic", ErrSessionSetup)
	case cfg.SubscribeTopic != "" && commands == nil:
		return fmt.Errorf("%w: subscribe topic set without command queue", ErrSessionSetup)
	case commands != nil && cfg.SubscribeTopic == "":
		return fmt.Errorf("%w: command queue set without subscribe topic", ErrSessionSetup)
	case commands != nil && extract == nil:
		return fmt.Errorf("%w: command queue set without extractor", ErrSessionSetup)
	}
	return nil
}

func (l *Link) setupSession() {
	scheme := "tcp"
	opts := mqtt.NewClientOptions()
	if l.cfg.UseTLS {
		scheme = "ssl"
		// server certificate verified against the system roots, no
		// client certificate
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, l.cfg.BrokerHost, l.cfg.BrokerPort))
	opts.SetClientID(l.cfg.ClientID)
	opts.SetUsername(l.cfg.Username)
	opts.SetPassword(l.cfg.Password)
	if l.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(l.cfg.KeepAlive)
	}
	// the run loop owns reconnection
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(l.onConnected)
	opts.SetConnectionLostHandler(l.onConnectionLost)
	l.client = l.newClient(opts)
	l.log.Info().Bool("tls", l.cfg.UseTLS).Str("client_id", l.cfg.ClientID).Msg("mqtt session configured")
}

// armConnResult swaps in a fresh one-shot result channel for the next
// connect attempt, so a stale callback from a previous attempt can never
// signal the current one.
func (l *Link) armConnResult() chan error {
	res := make(chan error, 1)
	l.connMu.Lock()
	l.connRes = res
	l.connMu.Unlock()
	return res
}

func (l *Link) deliverConnResult(err error) {
	l.connMu.Lock()
	res := l.connRes
	l.connRes = nil
	l.connMu.Unlock()
	if res != nil {
		res <- err
	}
}

// onConnected completes the connect handshake: it subscribes to the inbound
// topic (when configured) and hands the outcome to the run loop through the
// armed one-shot channel.
func (l *Link) onConnected(c mqtt.Client) {
	if l.cfg.SubscribeTopic != "" {
		token := c.Subscribe(l.cfg.SubscribeTopic, l.cfg.QoS, l.onMessage)
		if !token.WaitTimeout(subscribeTimeout) {
			l.log.Error().Str("topic", l.cfg.SubscribeTopic).Msg("subscribe timed out")
			l.deliverConnResult(fmt.Errorf("%w: subscribe timed out", ErrConnectFailed))
			return
		}
		if err := token.Error(); err != nil {
			l.log.Error().Err(err).Str("topic", l.cfg.SubscribeTopic).Msg("subscribe failed")
			l.deliverConnResult(fmt.Errorf("%w: subscribe: %v", ErrConnectFailed, err))
			return
		}
		l.log.Info().Str("topic", l.cfg.SubscribeTopic).Uint8("qos", l.cfg.QoS).Msg("subscribed")
	}
	l.deliverConnResult(nil)
}

func (l *Link) onConnectionLost(_ mqtt.Client, err error) {
	// log only; the run loop notices the dropped session and reconnects
	l.log.Warn().Err(err).Msg("mqtt connection lost")
}

// onMessage validates topic and payload, extracts the relevant portion,
// and enqueues it on the command queue. Anything else is logged and
// dropped, never enqueued.
func (l *Link) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if msg.Topic() != l.cfg.SubscribeTopic {
		l.log.Warn().Str("topic", msg.Topic()).Msg("message on unexpected topic dropped")
		observability.RecordDropped("unexpected_topic")
		return
	}
	payload := msg.Payload()
	if len(payload) == 0 {
		l.log.Warn().Str("topic", msg.Topic()).Msg("empty payload dropped")
		observability.RecordDropped("empty_payload")
		return
	}
	cmd := l.extract(payload)
	l.commands.Push(cmd)
	l.log.Info().Str("topic", msg.Topic()).Int("bytes", len(cmd)).Msg("command enqueued")
}

func (l *Link) Name() string { return linkName }

func (l *Link) State() link.State { return l.state.State() }

func (l *Link) Start() {
	go l.run()
}

func (l *Link) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Link) Join(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *Link) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Link) run() {
	defer close(l.done)
	l.log.Info().Msg("mqtt link started")

	for !l.stopped() {
		if !l.client.IsConnected() {
			l.state.Set(link.StateDisconnected)
			if err := l.connectOnce(); err != nil {
				if l.stopped() {
					break
				}
				l.log.Error().Err(err).Dur("retry_in", l.cfg.ReconnectDelay).Msg("mqtt connect failed")
				link.Sleep(l.cfg.ReconnectDelay, l.stop)
				continue
			}
		}

		if l.readings != nil {
			if p, ok := l.readings.TryPop(); ok {
				if err := l.publish(p); err != nil {
					l.log.Error().Err(err).Msg("publish failed, re-queuing payload")
					l.readings.Push(p)
					observability.RecordRequeue(linkName)
					l.client.Disconnect(0)
					l.state.Set(link.StateDisconnected)
					continue
				}
				observability.RecordDelivered(linkName)
			}
		}

		link.Sleep(l.cfg.PollInterval, l.stop)
	}

	if l.client.IsConnected() {
		l.log.Info().Msg("disconnecting mqtt client")
		l.client.Disconnect(disconnectQuiesceMS)
	}
	l.state.Set(link.StateDisconnected)
	l.log.Info().Msg("mqtt link stopped")
}

// connectOnce performs a single bounded connect attempt: the broker
// handshake, then the on-connected callback's subscription, both within the
// connect timeout. A connection-refused error is an ordinary failure.
func (l *Link) connectOnce() error {
	l.state.Set(link.StateConnecting)
	res := l.armConnResult()

	token := l.client.Connect()
	if !token.WaitTimeout(l.cfg.ConnectTimeout) {
		l.abortConnect()
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		l.abortConnect()
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	select {
	case err := <-res:
		if err != nil {
			l.abortConnect()
			return err
		}
	case <-time.After(l.cfg.ConnectTimeout):
		l.abortConnect()
		return ErrConnectTimeout
	case <-l.stop:
		l.abortConnect()
		return ErrConnectFailed
	}

	l.state.Set(link.StateConnected)
	observability.RecordLinkConnect(linkName)
	l.log.Info().Msg("connected to mqtt broker")
	return nil
}

func (l *Link) abortConnect() {
	if l.client.IsConnectionOpen() || l.client.IsConnected() {
		l.client.Disconnect(0)
	}
	l.state.Set(link.StateDisconnected)
}

func (l *Link) publish(p []byte) error {
	token := l.client.Publish(l.cfg.PublishTopic, l.cfg.QoS, false, p)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timed out", ErrPublishFailed)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	l.log.Debug().Str("topic", l.cfg.PublishTopic).Int("bytes", len(p)).Msg("payload published")
	return nil
}
