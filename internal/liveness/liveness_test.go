package liveness

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestMonitor builds a Monitor with a short interval/timeout so the tests
// don't have to wait out the real 30s/60s production values.
func newTestMonitor(interval, timeout time.Duration, sendPing func() error, lastInbound func() time.Time, onTimeout func()) *Monitor {
	return &Monitor{
		interval:    interval,
		timeout:     timeout,
		now:         func() time.Time { return time.Now().UTC() },
		sendPing:    sendPing,
		lastInbound: lastInbound,
		onTimeout:   onTimeout,
		stop:        make(chan struct{}),
	}
}

func TestMonitorSendsPingOnEachTick(t *testing.T) {
	var pings int32
	lastInbound := time.Now().UTC()

	m := newTestMonitor(10*time.Millisecond, time.Hour, func() error {
		atomic.AddInt32(&pings, 1)
		return nil
	}, func() time.Time { return lastInbound }, func() {
		t.Fatal("onTimeout should not fire while lastInbound is recent")
	})

	go m.Run()
	time.Sleep(55 * time.Millisecond)
	m.Stop()

	require.GreaterOrEqual(t, atomic.LoadInt32(&pings), int32(3))
}

func TestMonitorFiresTimeoutOnce(t *testing.T) {
	var timeouts int32
	done := make(chan struct{})

	m := newTestMonitor(10*time.Millisecond, 20*time.Millisecond, func() error {
		return nil
	}, func() time.Time { return time.Now().UTC().Add(-time.Hour) }, func() {
		atomic.AddInt32(&timeouts, 1)
		close(done)
	})

	go m.Run()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onTimeout never fired")
	}

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&timeouts))
}

func TestMonitorStopsOnSendPingError(t *testing.T) {
	stopped := make(chan struct{})
	m := newTestMonitor(10*time.Millisecond, time.Hour, func() error {
		return assertErr
	}, func() time.Time { return time.Now().UTC() }, func() {
		t.Fatal("onTimeout should not fire on a send error")
	})

	go func() {
		m.Run()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run should return once sendPing errors")
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	m := newTestMonitor(time.Hour, time.Hour, func() error { return nil }, time.Now, func() {})
	m.Stop()
	require.NotPanics(t, func() { m.Stop() })
}

var assertErr = &stopErr{}

type stopErr struct{}

func (*stopErr) Error() string { return "send failed" }
