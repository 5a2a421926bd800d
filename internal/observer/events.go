package observer

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a notification delivered to the caller.
type EventType string

const (
	EventURLChange          EventType = "url_change"
	EventManualIntervention EventType = "manual_intervention"
	EventChallengeDetected  EventType = "challenge_detected"
)

// Escalation reasons.
const (
	ReasonHandlerFailed = "handler_failed"
	ReasonNoHandler     = "no_handler"
)

// Escalation records a situation no automatic routine could resolve.
type Escalation struct {
	Category  Category  `json:"dialog_type"`
	Patterns  []string  `json:"patterns"`
	URL       string    `json:"url"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Reason    string    `json:"reason"`
}

// Event is one callback notification.
type Event struct {
	ID         string      `json:"id"`
	Type       EventType   `json:"type"`
	SessionID  string      `json:"session_id,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	OldURL     string      `json:"old_url,omitempty"`
	NewURL     string      `json:"new_url,omitempty"`
	Message    string      `json:"message,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
}

// Callback receives events on the observer goroutine. It should return
// quickly; a slow callback delays the next poll.
type Callback func(Event)

// Fanout delivers each event to every non-nil callback in order.
func Fanout(cbs ...Callback) Callback {
	return func(ev Event) {
		for _, cb := range cbs {
			if cb != nil {
				cb(ev)
			}
		}
	}
}

func newEvent(t EventType, sessionID string, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: t, SessionID: sessionID, Timestamp: now}
}

// Payload renders the event with the field names scripts consume. Timestamps
// are RFC 3339 strings.
func (e Event) Payload() map[string]interface{} {
	ts := e.Timestamp.Format(time.RFC3339Nano)
	switch e.Type {
	case EventURLChange:
		return map[string]interface{}{
			"old_url":   e.OldURL,
			"new_url":   e.NewURL,
			"timestamp": ts,
		}
	case EventChallengeDetected:
		return map[string]interface{}{
			"old_url":   e.OldURL,
			"new_url":   e.NewURL,
			"timestamp": ts,
			"message":   e.Message,
		}
	case EventManualIntervention:
		out := map[string]interface{}{
			"timestamp": ts,
			"message":   e.Message,
		}
		if e.Escalation != nil {
			out["dialog_type"] = string(e.Escalation.Category)
			out["patterns"] = append([]string(nil), e.Escalation.Patterns...)
			out["url"] = e.Escalation.URL
			out["reason"] = e.Escalation.Reason
		}
		return out
	}
	return map[string]interface{}{"timestamp": ts}
}

func probeStrings(ps []Probe) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}
