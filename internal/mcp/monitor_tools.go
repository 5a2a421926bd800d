package mcp

import (
	"context"
	"time"

	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"
)

type StartMonitoringTool struct {
	monitor *monitor.Manager
}

func (t *StartMonitoringTool) Name() string { return "start-monitoring" }
func (t *StartMonitoringTool) Description() string {
	return `Start the background screen observer for a session.

The observer polls the page, dismisses recognised dialogs (cookie banners,
notification prompts, save-login prompts, overlays), reacts to redirects
(blocked and error pages, challenges) and reports anything it cannot
resolve as a manual_intervention event.

Read events with observer-events. Returns the observer status.`
}
func (t *StartMonitoringTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *StartMonitoringTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	st, err := t.monitor.Watch(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "monitoring", "observer": st}, nil
}

type StopMonitoringTool struct {
	monitor *monitor.Manager
}

func (t *StopMonitoringTool) Name() string { return "stop-monitoring" }
func (t *StopMonitoringTool) Description() string {
	return `Stop the screen observer of a session. Its event history stays readable.`
}
func (t *StopMonitoringTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *StopMonitoringTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	st, err := t.monitor.Unwatch(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"status": "stopped", "observer": st}, nil
}

type MonitoringStatusTool struct {
	monitor *monitor.Manager
}

func (t *MonitoringStatusTool) Name() string { return "monitoring-status" }
func (t *MonitoringStatusTool) Description() string {
	return `Report observer counters (cycles, resolved dialogs, transitions,
escalations) for one session, or for all watched sessions when session_id
is omitted. halt_reason is set when the stop policy ended the observer.`
}
func (t *MonitoringStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
	}
}
func (t *MonitoringStatusTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID := getStringArg(args, "session_id")
	if sessionID == "" {
		return map[string]interface{}{"observers": t.monitor.Statuses()}, nil
	}
	st, err := t.monitor.Status(sessionID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"observer": st}, nil
}

type ObserverEventsTool struct {
	monitor *monitor.Manager
}

func (t *ObserverEventsTool) Name() string { return "observer-events" }
func (t *ObserverEventsTool) Description() string {
	return `Read recent observer events for a session, oldest first.

Event payloads:
- url_change: {old_url, new_url, timestamp}
- manual_intervention: {dialog_type, patterns, url, timestamp, message, reason}
- challenge_detected: {old_url, new_url, timestamp, message}

Payload timestamps are RFC 3339. Pass since_ms (the timestamp_ms of the last
event you saw) to poll for new events only.`
}
func (t *ObserverEventsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only events after this Unix millisecond timestamp",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum events to return (default 50, max 500)",
			},
			"types": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string", "enum": []string{"url_change", "manual_intervention", "challenge_detected"}},
				"description": "Restrict to these event types",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *ObserverEventsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}

	var since time.Time
	if ms := getIntArg(args, "since_ms", 0); ms > 0 {
		since = time.UnixMilli(int64(ms))
	}
	limit := clamp(getIntArg(args, "limit", 50), 1, 500)

	var types []observer.EventType
	for _, s := range getStringSliceArg(args, "types") {
		types = append(types, observer.EventType(s))
	}

	events := t.monitor.Events(sessionID, since, limit, types...)
	out := make([]map[string]interface{}, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]interface{}{
			"id":           ev.ID,
			"type":         ev.Type,
			"timestamp_ms": ev.Timestamp.UnixMilli(),
			"payload":      ev.Payload(),
		})
	}
	return map[string]interface{}{
		"session_id": sessionID,
		"count":      len(out),
		"events":     out,
	}, nil
}
