// Package liveness implements the ping/timeout policy shared by every
// session, grounded on the teacher's device pump ping/pong plumbing
// (katagun-webpa-common/device/manager.go's pingTicker and
// SetPongHandler/SetReadDeadline pairing) but expressed here as a small
// standalone timer rather than embedded directly in the websocket pump, so
// it can be tested without a real socket.
package liveness

import (
	"sync"
	"time"
)

// PingInterval is how often a session is sent a ping frame (spec.md 4.6).
const PingInterval = 30 * time.Second

// Timeout is how long a session may go without any inbound frame before it
// is considered dead (2x PingInterval, spec.md 4.6).
const Timeout = 2 * PingInterval

// Monitor periodically invokes SendPing and, if no inbound frame has
// arrived within Timeout, invokes OnTimeout exactly once.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	sendPing    func() error
	lastInbound func() time.Time
	onTimeout   func()

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a Monitor. sendPing is called on every tick; lastInbound
// reports the most recent time any frame was received on the session;
// onTimeout is invoked once, from the monitor's own goroutine, the first
// time lastInbound() is older than Timeout.
func New(sendPing func() error, lastInbound func() time.Time, onTimeout func()) *Monitor {
	return &Monitor{
		interval:    PingInterval,
		timeout:     Timeout,
		now:         func() time.Time { return time.Now().UTC() },
		sendPing:    sendPing,
		lastInbound: lastInbound,
		onTimeout:   onTimeout,
		stop:        make(chan struct{}),
	}
}

// Run drives the ticker loop. It blocks until Stop is called, so callers
// run it in its own goroutine, mirroring the teacher's dedicated
// pingTicker goroutine inside the device write pump.
func (m *Monitor) Run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if m.now().Sub(m.lastInbound()) >= m.timeout {
				m.onTimeout()
				return
			}
			if err := m.sendPing(); err != nil {
				return
			}
		}
	}
}

// Stop halts the monitor's ticker loop. Safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
