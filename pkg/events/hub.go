package events

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// replayed lists the event names whose latest occurrence is retained and
// replayed to new subscribers, in replay order. A watcher attaching
// mid-session immediately learns the current state and stage instead of
// waiting for the next transition.
var replayed = []string{SessionState, SessionStage}

// EventHub fans session and schedule events out to SSE subscribers. Slow
// subscribers miss events rather than backpressure the measurement loop.
type EventHub struct {
	mu       sync.Mutex
	subs     map[chan Event]struct{}
	retained map[string]Event
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:     make(map[chan Event]struct{}),
		retained: make(map[string]Event),
	}
}

// Subscribe returns a channel that first replays the retained events and
// then receives every subsequent publish. Unsubscribe closes it.
func (h *EventHub) Subscribe() chan Event {
	ch := make(chan Event, 16)
	h.mu.Lock()
	for _, name := range replayed {
		if ev, ok := h.retained[name]; ok {
			ch <- ev
		}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish marshals the payload and fans it out without blocking. Every
// payload type in this package marshals; anything else that cannot is
// dropped with a warning.
func (h *EventHub) Publish(name string, payload any) {
	if h == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		logrus.WithError(err).WithField("event", name).Warn("dropping unmarshalable event")
		return
	}
	msg := Event{Name: name, Data: b}

	h.mu.Lock()
	for _, rn := range replayed {
		if rn == name {
			h.retained[name] = msg
			break
		}
	}
	for ch := range h.subs {
		// Non-blocking send; drop if subscriber is slow
		select {
		case ch <- msg:
		default:
		}
	}
	h.mu.Unlock()
}
