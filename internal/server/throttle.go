package server

import (
	"net"
	"sync"
	"time"
)

// throttle applies a simple per-host backoff to reduce connection
// flooding. It is shared by every listener.
type throttle struct {
	mu       sync.Mutex
	attempts map[string]*attempt
	now      func() time.Time
}

type attempt struct {
	last  time.Time
	count int
}

const (
	throttleWindow     = 10 * time.Second
	throttleResetAfter = 30 * time.Second
	throttleMaxCount   = 30
	throttleFree       = 3
	throttleStep       = 250 * time.Millisecond
	throttleMaxDelay   = 5 * time.Second
)

func newThrottle() *throttle {
	return &throttle{
		attempts: make(map[string]*attempt),
		now:      time.Now,
	}
}

// allow records a connection from host and returns how long to delay it,
// or false if it should be refused.
func (t *throttle) allow(host string) (time.Duration, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.attempts[host]
	if a == nil {
		a = &attempt{last: now}
		t.attempts[host] = a
	}

	if now.Sub(a.last) > throttleResetAfter {
		a.count = 0
	}
	if now.Sub(a.last) <= throttleWindow {
		a.count++
	} else {
		a.count = 1
	}
	a.last = now

	if a.count > throttleMaxCount {
		return 0, false
	}
	if a.count <= throttleFree {
		return 0, true
	}
	d := time.Duration(a.count-throttleFree) * throttleStep
	if d > throttleMaxDelay {
		d = throttleMaxDelay
	}
	return d, true
}

// prune drops entries idle for longer than the reset interval.
func (t *throttle) prune() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for host, a := range t.attempts {
		if now.Sub(a.last) > throttleResetAfter {
			delete(t.attempts, host)
		}
	}
}

// hostOf strips the port from a remote address.
func hostOf(remote string) string {
	if h, _, err := net.SplitHostPort(remote); err == nil {
		return h
	}
	return remote
}
