package bridge

import "sync"

// eventBacklog retains the most recent events so a surface that connects
// mid-call still sees the current state before switching to the live stream.
type eventBacklog struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

func newEventBacklog(limit int) *eventBacklog {
	return &eventBacklog{limit: limit}
}

// add records ev, discarding the oldest entry once the limit is reached.
func (b *eventBacklog) add(ev Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	if len(b.events) > b.limit {
		b.events = b.events[len(b.events)-b.limit:]
	}
	b.mu.Unlock()
}

// replay returns the retained events, oldest first.
func (b *eventBacklog) replay() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}
