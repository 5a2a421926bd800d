package monitor

import "screenwatch-mcp-server/internal/observer"

// eventRing keeps the most recent events for one session.
type eventRing struct {
	buf   []observer.Event
	next  int
	full  bool
	total uint64
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 1
	}
	return &eventRing{buf: make([]observer.Event, size)}
}

func (r *eventRing) push(ev observer.Event) {
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// snapshot returns events oldest first.
func (r *eventRing) snapshot() []observer.Event {
	if !r.full {
		return append([]observer.Event(nil), r.buf[:r.next]...)
	}
	out := make([]observer.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
