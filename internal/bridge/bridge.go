// Package bridge composes one serial link and one broker link around their
// shared transfer queue(s), runs both as independent workers, and
// supervises orderly shutdown. The links never call each other; the bridge
// only observes their state, it never mutates it.
package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/labmq/serialmq/internal/link"
	"github.com/labmq/serialmq/internal/queue"
)

const DefaultJoinTimeout = 5 * time.Second

// LinkStatus is a read-only view of one link for health reporting.
type LinkStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// QueueStatus is a read-only view of one transfer queue.
type QueueStatus struct {
	Name  string `json:"name"`
	Depth int    `json:"depth"`
}

// Snapshot is the bridge's health view: link states and queue depths at
// one instant.
type Snapshot struct {
	Uptime string        `json:"uptime"`
	Links  []LinkStatus  `json:"links"`
	Queues []QueueStatus `json:"queues"`
}

// Bridge supervises the two transport workers of one daemon instance.
type Bridge struct {
	links       []link.Link
	queues      []*queue.Queue
	joinTimeout time.Duration
	startedAt   time.Time
	log         zerolog.Logger
}

func New(links []link.Link, queues []*queue.Queue, logger zerolog.Logger) *Bridge {
	return &Bridge{
		links:       links,
		queues:      queues,
		joinTimeout: DefaultJoinTimeout,
		startedAt:   time.Now(),
		log:         logger.With().Str("component", "bridge").Logger(),
	}
}

// Run starts every link and blocks until ctx is cancelled, then stops the
// links and joins each with a bounded timeout. Transient transport failures
// inside the links never surface here.
func (b *Bridge) Run(ctx context.Context) {
	b.startedAt = time.Now()
	for _, l := range b.links {
		b.log.Info().Str("link", l.Name()).Msg("starting link")
		l.Start()
	}

	<-ctx.Done()
	b.log.Info().Msg("shutdown signal received")
	b.Shutdown()
}

// Shutdown stops all links and waits for each worker to finish its current
// iteration and release its transport.
func (b *Bridge) Shutdown() {
	for _, l := range b.links {
		l.Stop()
	}
	for _, l := range b.links {
		if !l.Join(b.joinTimeout) {
			b.log.Warn().Str("link", l.Name()).Dur("timeout", b.joinTimeout).
				Msg("link did not stop within join timeout")
			continue
		}
		b.log.Info().Str("link", l.Name()).Msg("link stopped")
	}
}

// Snapshot reports link states and queue depths. Safe to call from any
// goroutine; purely observational.
func (b *Bridge) Snapshot() Snapshot {
	snap := Snapshot{Uptime: time.Since(b.startedAt).Round(time.Second).String()}
	for _, l := range b.links {
		snap.Links = append(snap.Links, LinkStatus{Name: l.Name(), State: l.State().String()})
	}
	for _, q := range b.queues {
		snap.Queues = append(snap.Queues, QueueStatus{Name: q.Name(), Depth: q.Len()})
	}
	return snap
}
