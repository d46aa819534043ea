// Package serialio owns the physical serial port of a bridge daemon. The
// link drains a command queue onto the wire and, when configured with a
// readings queue, assembles LF-terminated ASCII lines off the wire. It runs
// its own reconnect state machine, independent of the broker link.
package serialio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/labmq/serialmq/internal/ascii"
	"github.com/labmq/serialmq/internal/link"
	"github.com/labmq/serialmq/internal/observability"
	"github.com/labmq/serialmq/internal/queue"
)

var ErrDeviceNotFound = errors.New("serialio: device not found")

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultLineLimit      = 4096

	idleSleep = 50 * time.Millisecond
	linkName  = "serial"
)

// Config describes one serial device. Framing is fixed at 8 data bits, no
// parity, 1 stop bit.
type Config struct {
	Device         string
	BaudRate       int
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	// LineLimit caps the read buffer; on overflow the accumulated prefix
	// is emitted as a line and assembly resyncs.
	LineLimit int
	// WriteTerminator is appended to every payload written to the device.
	// The printer wants "\n"; the scale consumes bare command bytes.
	WriteTerminator []byte
}

func (c *Config) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.LineLimit <= 0 {
		c.LineLimit = DefaultLineLimit
	}
}

// Link bridges one serial device and up to two transfer queues.
type Link struct {
	cfg      Config
	commands *queue.Queue // payloads to write out the wire, nil when unused
	readings *queue.Queue // decoded lines off the wire, nil for write-only devices

	open func(Config) (io.ReadWriteCloser, error)
	stat func(string) error

	port io.ReadWriteCloser
	buf  []byte

	state    link.StateCell
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	log      zerolog.Logger
}

// New wires a serial link to its queues. Either queue may be nil: the
// printer daemon passes no readings queue, a read-only instrument would
// pass no command queue.
func New(cfg Config, commands, readings *queue.Queue, logger zerolog.Logger) *Link {
	cfg.applyDefaults()
	return &Link{
		cfg:      cfg,
		commands: commands,
		readings: readings,
		open:     openPort,
		stat: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  logger.With().Str("component", linkName).Str("device", cfg.Device).Logger(),
	}
}

func openPort(cfg Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.BaudRate,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
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

// connect opens the device. The path is probed first so a missing udev
// node is reported as ErrDeviceNotFound instead of a driver error.
func (l *Link) connect() error {
	l.state.Set(link.StateConnecting)
	if err := l.stat(l.cfg.Device); err != nil {
		l.state.Set(link.StateDisconnected)
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, l.cfg.Device)
	}
	port, err := l.open(l.cfg)
	if err != nil {
		l.state.Set(link.StateDisconnected)
		return fmt.Errorf("serialio: open %s: %w", l.cfg.Device, err)
	}
	l.port = port
	l.buf = l.buf[:0]
	l.state.Set(link.StateConnected)
	observability.RecordLinkConnect(linkName)
	l.log.Info().Int("baud", l.cfg.BaudRate).Msg("serial port connected")
	return nil
}

// disconnect is idempotent and safe to call from any state.
func (l *Link) disconnect() {
	if l.port != nil {
		if err := l.port.Close(); err != nil {
			l.log.Error().Err(err).Msg("error closing serial port")
		} else {
			l.log.Info().Msg("serial port closed")
		}
		l.port = nil
	}
	l.state.Set(link.StateDisconnected)
}

func (l *Link) run() {
	defer close(l.done)
	defer l.disconnect()
	l.log.Info().Msg("serial link started")

	for !l.stopped() {
		if l.port == nil {
			if err := l.connect(); err != nil {
				if errors.Is(err, ErrDeviceNotFound) {
					l.log.Warn().Err(err).Dur("retry_in", l.cfg.ReconnectDelay).Msg("device absent")
				} else {
					l.log.Error().Err(err).Dur("retry_in", l.cfg.ReconnectDelay).Msg("serial connect failed")
				}
				link.Sleep(l.cfg.ReconnectDelay, l.stop)
				continue
			}
		}

		wrote, err := l.drainOne()
		if err != nil {
			// payload already re-queued; reconnect on the next pass
			// instead of hammering a broken handle
			l.disconnect()
			continue
		}

		read := false
		if l.readings != nil {
			read, err = l.pump()
			if err != nil {
				l.log.Error().Err(err).Msg("serial read failed, reconnecting")
				l.disconnect()
				link.Sleep(l.cfg.ReconnectDelay, l.stop)
				continue
			}
		}

		if !wrote && !read {
			link.Sleep(idleSleep, l.stop)
		}
	}

	l.log.Info().Msg("serial link stopped")
}

// drainOne writes at most one pending payload to the device, encoded as
// ASCII with '?' replacing anything the device cannot represent. A failed
// write re-queues the payload at the tail, preserving at-least-once
// delivery at the cost of ordering under failure.
func (l *Link) drainOne() (bool, error) {
	if l.commands == nil {
		return false, nil
	}
	p, ok := l.commands.TryPop()
	if !ok {
		return false, nil
	}
	data := ascii.EncodeReplace(string(p))
	if len(l.cfg.WriteTerminator) > 0 {
		data = append(data, l.cfg.WriteTerminator...)
	}
	if _, err := l.port.Write(data); err != nil {
		l.log.Error().Err(err).Msg("serial write failed, re-queuing payload")
		l.commands.Push(p)
		observability.RecordRequeue(linkName)
		return true, err
	}
	l.log.Debug().Int("bytes", len(data)).Msg("payload written to device")
	observability.RecordDelivered(linkName)
	return true, nil
}

// pump reads one byte off the wire, bounded by the configured read
// timeout, and feeds the line assembler. A timed-out read is not an error;
// it reports false so the caller can idle instead of spinning.
func (l *Link) pump() (bool, error) {
	var b [1]byte
	n, err := l.port.Read(b[:])
	if err != nil {
		// the os layer reports a VTIME expiry as EOF; treat it as an
		// empty poll, real device loss surfaces as a driver error
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	l.accumulate(b[0])
	return true, nil
}

func (l *Link) accumulate(b byte) {
	if b == '\n' {
		l.emitLine()
		return
	}
	if len(l.buf) >= l.cfg.LineLimit {
		l.log.Warn().Int("limit", l.cfg.LineLimit).Msg("line buffer full, emitting truncated line")
		l.emitLine()
	}
	l.buf = append(l.buf, b)
}

// emitLine decodes the accumulated bytes as ASCII with replacement, strips
// surrounding whitespace, and enqueues the result if anything is left.
func (l *Link) emitLine() {
	raw := bytes.TrimRight(l.buf, "\r")
	text := strings.TrimSpace(ascii.DecodeReplace(raw))
	l.buf = l.buf[:0]
	if text == "" {
		return
	}
	l.log.Info().Str("line", text).Msg("line read from device")
	observability.RecordLineRead()
	l.readings.Push([]byte(text))
}
