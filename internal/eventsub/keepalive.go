package eventsub

import (
	"sync"
	"time"
)

// keepalive fires expired once no message arrived within timeout. A zero
// timeout disables it.
type keepalive struct {
	mu      sync.Mutex
	timer   *time.Timer
	timeout time.Duration
	expired func()
	stopped bool
}

func newKeepalive(timeout time.Duration, expired func()) *keepalive {
	return &keepalive{timeout: timeout, expired: expired}
}

// Start arms the deadline.
func (k *keepalive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timeout <= 0 || k.stopped || k.timer != nil {
		return
	}
	k.timer = time.AfterFunc(k.timeout, k.expired)
}

// Reset pushes the deadline out by a full timeout.
func (k *keepalive) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.timer == nil || k.stopped {
		return
	}
	k.timer.Reset(k.timeout)
}

// Stop disarms the deadline for good.
func (k *keepalive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	if k.timer != nil {
		k.timer.Stop()
	}
}
