package link

import (
	"sync/atomic"
	"time"
)

// State is the connection state of one transport link. It is owned and
// mutated exclusively by the link itself; other components only read it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateCell holds a State readable from other goroutines. The zero value is
// StateDisconnected.
type StateCell struct {
	v atomic.Int32
}

func (c *StateCell) Set(s State) {
	c.v.Store(int32(s))
}

func (c *StateCell) State() State {
	return State(c.v.Load())
}

// Link is the lifecycle surface the bridge supervises. Start launches the
// link's run loop, Stop requests a cooperative shutdown, Join waits for the
// loop to exit and reports whether it did so within the timeout.
type Link interface {
	Name() string
	Start()
	Stop()
	Join(timeout time.Duration) bool
	State() State
}

// Sleep waits for d or until stop is closed, whichever comes first. It
// returns false when interrupted by stop, so reconnect backoff never delays
// shutdown by more than the granularity of a single select.
func Sleep(d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
