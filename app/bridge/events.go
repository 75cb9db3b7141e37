package bridge

import (
	"time"

	"github.com/umputun/forgeq/app/enums"
)

// Event is a lifecycle notification of the bridge
type Event struct {
	Kind     enums.EventKind
	State    enums.BridgeState
	Reason   string
	Port     int
	Restarts int
	Failures int         // consecutive health failures, health events only
	Health   *HealthInfo // last health answer, nil on failure
	Output   string      // engine output tail, crash and restart_failed events only
	At       time.Time
}

type subscriber struct {
	id int
	fn func(Event)
}

// Subscribe registers a handler for all bridge events and returns a function removing it.
// handlers are called synchronously in registration order, never under the bridge lock.
func (b *Bridge) Subscribe(fn func(Event)) (unsubscribe func()) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.subsMu.Lock()
		defer b.subsMu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// emit delivers an event to all subscribers, must be called without b.mu held
func (b *Bridge) emit(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	b.subsMu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.subsMu.Unlock()

	for _, s := range subs {
		s.fn(evt)
	}
}
