package link

import (
	"sync"
	"time"
)

// DefaultKeepaliveInterval is how often an idle link is pinged
const DefaultKeepaliveInterval = 30 * time.Second

// Heartbeat runs a periodic tick until stopped
type Heartbeat interface {
	Start(tick func())
	Stop()
}

// Keepalive calls a tick function on a fixed period from its own goroutine.
// Start and Stop are both idempotent; at most one ticker runs at a time.
type Keepalive struct {
	period time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewKeepalive creates a stopped keepalive. Non-positive periods use the default.
func NewKeepalive(period time.Duration) *Keepalive {
	if period <= 0 {
		period = DefaultKeepaliveInterval
	}
	return &Keepalive{period: period}
}

// Start begins ticking. Calling Start on a running keepalive does nothing.
func (k *Keepalive) Start(tick func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stop != nil {
		return
	}
	stop := make(chan struct{})
	k.stop = stop

	go func() {
		ticker := time.NewTicker(k.period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				tick()
			}
		}
	}()
}

// Stop cancels the ticker if running
func (k *Keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stop == nil {
		return
	}
	close(k.stop)
	k.stop = nil
}

// Running reports whether the ticker is active
func (k *Keepalive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.stop != nil
}

// Period returns the tick interval
func (k *Keepalive) Period() time.Duration {
	return k.period
}
