package mqttio

import (
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/labmq/serialmq/internal/link"
	"github.com/labmq/serialmq/internal/queue"
)

type fakeToken struct {
	err  error
	hang bool
}

func (t *fakeToken) Wait() bool { return !t.hang }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.hang }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.hang {
		close(ch)
	}
	return ch
}

func (t *fakeToken) Error() error { return t.err }

// fakeClient implements the subset of mqtt.Client behavior the link
// exercises. Connect invokes the configured on-connect callback the way the
// real client's network loop would.
type fakeClient struct {
	mu          sync.Mutex
	connected   bool
	connectErr  error
	publishErr  error
	subscribed  map[string]byte
	published   [][]byte
	onConnect   mqtt.OnConnectHandler
	disconnects int
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	if c.connectErr != nil {
		err := c.connectErr
		c.mu.Unlock()
		return &fakeToken{err: err}
	}
	c.connected = true
	handler := c.onConnect
	c.mu.Unlock()
	if handler != nil {
		go handler(c)
	}
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(_ string, _ byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, append([]byte(nil), payload.([]byte)...))
	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed == nil {
		c.subscribed = make(map[string]byte)
	}
	c.subscribed[topic] = qos
	return &fakeToken{}
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token { return &fakeToken{} }

func (c *fakeClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) publishedPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.published))
	copy(out, c.published)
	return out
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func testConfig() Config {
	return Config{
		BrokerHost:     "broker.local",
		BrokerPort:     1883,
		ClientID:       "test_client",
		PublishTopic:   "laboratory/scale/data",
		SubscribeTopic: "laboratory/scale/command",
		QoS:            1,
		ConnectTimeout: 200 * time.Millisecond,
		ReconnectDelay: 5 * time.Millisecond,
		PollInterval:   time.Millisecond,
	}
}

// newFakeLink builds a link whose client is replaced with the fake after
// session setup, with the fake's connect path wired to the link's
// on-connected handler.
func newFakeLink(t *testing.T, cfg Config, readings, commands *queue.Queue, extract Extractor, fc *fakeClient) *Link {
	t.Helper()
	l, err := New(cfg, readings, commands, extract, zerolog.Nop())
	if err != nil {
		t.Fatalf("new link: %v", err)
	}
	fc.onConnect = l.onConnected
	l.client = fc
	return l
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestValidateRejectsMisconfiguration(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing host", func(c *Config) { c.BrokerHost = "" }},
		{"bad port", func(c *Config) { c.BrokerPort = 70000 }},
		{"missing client id", func(c *Config) { c.ClientID = "" }},
		{"bad qos", func(c *Config) { c.QoS = 3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			_, err := New(cfg, queue.New("r"), queue.New("c"), FirstByte, zerolog.Nop())
			if !errors.Is(err, ErrSessionSetup) {
				t.Fatalf("expected ErrSessionSetup, got %v", err)
			}
		})
	}
}

func TestValidateRequiresTopicQueuePairs(t *testing.T) {
	cfg := testConfig()
	cfg.SubscribeTopic = ""
	if _, err := New(cfg, queue.New("r"), queue.New("c"), FirstByte, zerolog.Nop()); !errors.Is(err, ErrSessionSetup) {
		t.Fatalf("expected ErrSessionSetup for command queue without topic, got %v", err)
	}

	cfg = testConfig()
	cfg.PublishTopic = ""
	if _, err := New(cfg, queue.New("r"), queue.New("c"), FirstByte, zerolog.Nop()); !errors.Is(err, ErrSessionSetup) {
		t.Fatalf("expected ErrSessionSetup for readings queue without topic, got %v", err)
	}
}

func TestOnMessageEnqueuesFirstByte(t *testing.T) {
	commands := queue.New("commands")
	fc := &fakeClient{}
	l := newFakeLink(t, testConfig(), queue.New("readings"), commands, FirstByte, fc)

	l.onMessage(fc, &fakeMessage{topic: "laboratory/scale/command", payload: []byte("T ignore the rest")})

	p, ok := commands.TryPop()
	if !ok {
		t.Fatalf("expected a command")
	}
	if string(p) != "T" {
		t.Fatalf("unexpected command: %q", p)
	}
}

func TestOnMessageDropsEmptyPayload(t *testing.T) {
	commands := queue.New("commands")
	fc := &fakeClient{}
	l := newFakeLink(t, testConfig(), queue.New("readings"), commands, FirstByte, fc)

	l.onMessage(fc, &fakeMessage{topic: "laboratory/scale/command", payload: nil})

	if commands.Len() != 0 {
		t.Fatalf("empty payload must never be enqueued")
	}
}

func TestOnMessageDropsUnexpectedTopic(t *testing.T) {
	commands := queue.New("commands")
	fc := &fakeClient{}
	l := newFakeLink(t, testConfig(), queue.New("readings"), commands, FirstByte, fc)

	l.onMessage(fc, &fakeMessage{topic: "laboratory/other", payload: []byte("T")})

	if commands.Len() != 0 {
		t.Fatalf("unexpected topic must never be enqueued")
	}
}

func TestOnMessageSanitizesPrintableText(t *testing.T) {
	cfg := testConfig()
	cfg.PublishTopic = ""
	commands := queue.New("print_jobs")
	fc := &fakeClient{}
	l := newFakeLink(t, cfg, nil, commands, PrintableText, fc)

	l.onMessage(fc, &fakeMessage{topic: cfg.SubscribeTopic, payload: []byte{0xff, 0xfe}})

	p, ok := commands.TryPop()
	if !ok {
		t.Fatalf("undecodable payload must still be enqueued, sanitized")
	}
	if string(p) != "��" {
		t.Fatalf("unexpected sanitized payload: %q", p)
	}
}

func TestConnectSubscribesAndPublishes(t *testing.T) {
	readings := queue.New("readings")
	commands := queue.New("commands")
	fc := &fakeClient{}
	l := newFakeLink(t, testConfig(), readings, commands, FirstByte, fc)

	readings.Push([]byte("123.5"))
	l.Start()
	defer func() {
		l.Stop()
		if !l.Join(time.Second) {
			t.Fatalf("link did not stop")
		}
	}()

	waitFor(t, time.Second, func() bool { return len(fc.publishedPayloads()) == 1 })
	if got := string(fc.publishedPayloads()[0]); got != "123.5" {
		t.Fatalf("unexpected published payload: %q", got)
	}

	fc.mu.Lock()
	qos, ok := fc.subscribed["laboratory/scale/command"]
	fc.mu.Unlock()
	if !ok || qos != 1 {
		t.Fatalf("expected subscription at qos 1, got %v/%v", ok, qos)
	}
	if got := l.State(); got != link.StateConnected {
		t.Fatalf("unexpected state: %v", got)
	}
}

func TestPublishFailureRequeuesAndReconnects(t *testing.T) {
	readings := queue.New("readings")
	fc := &fakeClient{publishErr: errors.New("publish rejected")}
	l := newFakeLink(t, testConfig(), readings, queue.New("commands"), FirstByte, fc)

	readings.Push([]byte("123.5"))
	l.Start()
	defer l.Stop()

	// payload returns to the queue and the session is torn down
	waitFor(t, time.Second, func() bool { return fc.disconnectCount() >= 1 })
	waitFor(t, time.Second, func() bool { return readings.Len() >= 1 })

	// once publishing heals, the same payload is delivered
	fc.mu.Lock()
	fc.publishErr = nil
	fc.mu.Unlock()
	waitFor(t, time.Second, func() bool { return len(fc.publishedPayloads()) == 1 })
	if got := string(fc.publishedPayloads()[0]); got != "123.5" {
		t.Fatalf("unexpected published payload: %q", got)
	}
}

func TestConnectFailureRetriesWithoutCrashing(t *testing.T) {
	fc := &fakeClient{connectErr: errors.New("connection refused")}
	l := newFakeLink(t, testConfig(), queue.New("readings"), queue.New("commands"), FirstByte, fc)

	l.Start()
	time.Sleep(30 * time.Millisecond) // several failed attempts
	if got := l.State(); got == link.StateConnected {
		t.Fatalf("link must not report connected while refused")
	}

	fc.mu.Lock()
	fc.connectErr = nil
	fc.mu.Unlock()
	waitFor(t, time.Second, func() bool { return l.State() == link.StateConnected })

	l.Stop()
	if !l.Join(time.Second) {
		t.Fatalf("link did not stop")
	}
}

func TestStopDuringReconnectBackoffIsPrompt(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectDelay = 10 * time.Second
	fc := &fakeClient{connectErr: errors.New("connection refused")}
	l := newFakeLink(t, cfg, queue.New("readings"), queue.New("commands"), FirstByte, fc)

	l.Start()
	time.Sleep(20 * time.Millisecond) // let the loop enter backoff
	start := time.Now()
	l.Stop()
	if !l.Join(time.Second) {
		t.Fatalf("link did not exit after stop")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}
}
