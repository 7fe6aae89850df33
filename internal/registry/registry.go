// Package registry implements the Connection Registry: the single source of
// truth for which device ids currently have a live session, grounded on the
// teacher's device registry (katagun-webpa-common/device/manager.go's
// registry.add/remove with existing-device displacement) but scoped down to
// exactly the four operations spec.md §4.4 names.
package registry

import (
	"sync"

	"github.com/mobilerelay/relay/internal/session"
)

// PresenceEvent is emitted on every attach-from-absent or detach-to-absent
// edge (spec.md §4.4). A displacement emits no event: the device stays
// present throughout.
type PresenceEvent struct {
	DeviceID int64
	Online   bool
}

// subscriberBuffer bounds each presence subscriber's channel so one slow
// consumer cannot stall registry transitions; events are dropped, not
// queued without bound, past this size.
const subscriberBuffer = 256

// Registry tracks at most one *session.Session per device id. It is a plain
// value, not a package-level singleton (spec.md §9 design note), so tests
// and multiple listeners can each own an instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[int64]*session.Session

	subMu sync.Mutex
	subs  []chan PresenceEvent
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[int64]*session.Session)}
}

// Attach registers sess under its DeviceID. If a session was already
// registered for that device, it is returned as displaced; the caller (or
// Attach itself) is responsible for closing it, which Attach does itself
// after releasing the lock so no I/O ever happens under the mutex.
func (r *Registry) Attach(sess *session.Session) (displaced *session.Session) {
	r.mu.Lock()
	wasPresent := false
	if existing, ok := r.sessions[sess.DeviceID]; ok {
		displaced = existing
		wasPresent = true
	}
	r.sessions[sess.DeviceID] = sess
	r.mu.Unlock()

	if displaced != nil {
		displaced.Close(1008, "displaced by new connection")
	}

	// A displacement emits no edge, since the device never becomes absent:
	// only emit ONLINE when the device was previously absent.
	if !wasPresent {
		r.publish(PresenceEvent{DeviceID: sess.DeviceID, Online: true})
	}
	return displaced
}

// Detach removes sess from the registry, but only if sess is still the
// currently-registered session for its device: a displaced session
// detaching itself must not remove its replacement.
func (r *Registry) Detach(sess *session.Session) {
	r.mu.Lock()
	current, ok := r.sessions[sess.DeviceID]
	removed := ok && current == sess
	if removed {
		delete(r.sessions, sess.DeviceID)
	}
	r.mu.Unlock()

	if removed {
		r.publish(PresenceEvent{DeviceID: sess.DeviceID, Online: false})
	}
}

// Lookup returns the live session for deviceID, if any.
func (r *Registry) Lookup(deviceID int64) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[deviceID]
	return sess, ok
}

// Snapshot returns the set of device ids currently present.
func (r *Registry) Snapshot() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a channel of presence edges. The channel is closed when
// unsubscribe is called.
func (r *Registry) Subscribe() (events <-chan PresenceEvent, unsubscribe func()) {
	ch := make(chan PresenceEvent, subscriberBuffer)

	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()

	unsubscribe = func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// publish fans a presence edge out to every subscriber. Delivery is
// best-effort: a full subscriber channel drops the event rather than
// blocking the registry (spec.md §4.6: "presence events are best-effort").
func (r *Registry) publish(evt PresenceEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
