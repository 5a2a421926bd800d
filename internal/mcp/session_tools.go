package mcp

import (
	"context"
	"fmt"

	"screenwatch-mcp-server/internal/browser"
	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"
)

// LaunchBrowserTool starts or attaches to Chrome using the configured
// endpoint or launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start (or connect to) the Chrome instance the observers watch.

CALL THIS FIRST. Idempotent: safe to call if already running.

TYPICAL WORKFLOW:
1. launch-browser      -> Start Chrome
2. create-session      -> Open the site in a tab
3. start-monitoring    -> Background dialog handling for that tab
4. observer-events     -> Read what needs a human

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	// The connection outlives this request.
	if err := t.sessions.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops all observers, then Chrome.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
	monitor  *monitor.Manager
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop every observer, close all sessions and terminate Chrome.

Facts and observer event history are kept.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	stopped := make([]string, 0)
	for _, st := range t.monitor.Statuses() {
		if _, err := t.monitor.Unwatch(st.SessionID); err == nil {
			stopped = append(stopped, st.SessionID)
		}
	}
	if err := t.sessions.Shutdown(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":           "stopped",
		"stopped_monitors": stopped,
	}, nil
}

type ListSessionsTool struct {
	sessions *browser.SessionManager
	monitor  *monitor.Manager
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List browser sessions and whether an observer is watching each.

Returns: {sessions: [{id, url, status, monitoring}]}`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	watching := make(map[string]bool)
	for _, st := range t.monitor.Statuses() {
		watching[st.SessionID] = st.Running
	}

	sessions := t.sessions.List()
	out := make([]map[string]interface{}, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]interface{}{
			"id":          s.ID,
			"target_id":   s.TargetID,
			"url":         s.URL,
			"status":      s.Status,
			"last_active": s.LastActive,
			"monitoring":  watching[s.ID],
		})
	}
	return map[string]interface{}{"sessions": out}, nil
}

type CreateSessionTool struct {
	sessions *browser.SessionManager
	monitor  *monitor.Manager
	startURL string
}

func (t *CreateSessionTool) Name() string { return "create-session" }
func (t *CreateSessionTool) Description() string {
	return `Open a new incognito tab, optionally at a URL.

PREREQUISITE: launch-browser.

When observer auto_start is configured the new session is watched
immediately; otherwise call start-monitoring.

Returns: {session, monitoring}`
}
func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL to open (defaults to the configured start URL)",
			},
			"monitor": map[string]interface{}{
				"type":        "boolean",
				"description": "Start an observer for the session (overrides auto_start)",
			},
		},
	}
}
func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := getStringArg(args, "url")
	if url == "" {
		url = t.startURL
	}
	if url == "" {
		url = "about:blank"
	}

	sess, err := t.sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, err
	}
	return withAutoWatch(t.monitor, sess, getBoolArg(args, "monitor", t.monitor.AutoStart()))
}

type AttachSessionTool struct {
	sessions *browser.SessionManager
	monitor  *monitor.Manager
}

func (t *AttachSessionTool) Name() string { return "attach-session" }
func (t *AttachSessionTool) Description() string {
	return `Attach to an existing Chrome tab by its CDP TargetID.

Use this to watch a tab that a script or a person already opened.

Returns: {session, monitoring}`
}
func (t *AttachSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"target_id": map[string]interface{}{
				"type":        "string",
				"description": "CDP TargetID to attach",
			},
			"monitor": map[string]interface{}{
				"type":        "boolean",
				"description": "Start an observer for the session (overrides auto_start)",
			},
		},
		"required": []string{"target_id"},
	}
}
func (t *AttachSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	targetID := getStringArg(args, "target_id")
	if targetID == "" {
		return nil, fmt.Errorf("target_id is required")
	}

	sess, err := t.sessions.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	return withAutoWatch(t.monitor, sess, getBoolArg(args, "monitor", t.monitor.AutoStart()))
}

func withAutoWatch(mon *monitor.Manager, sess *browser.Session, watch bool) (interface{}, error) {
	result := map[string]interface{}{"session": sess, "monitoring": false}
	if !watch {
		return result, nil
	}
	st, err := mon.Watch(sess.ID)
	if err != nil {
		result["monitor_error"] = err.Error()
		return result, nil
	}
	result["monitoring"] = true
	result["observer"] = st
	return result, nil
}

// NavigateTool loads a URL while holding the session's action lock so the
// observer does not click mid-navigation.
type NavigateTool struct {
	sessions *browser.SessionManager
	monitor  *monitor.Manager
}

func (t *NavigateTool) Name() string { return "navigate" }
func (t *NavigateTool) Description() string {
	return `Navigate a session to a URL and wait for the page to load.

The observer reports the resulting address change as a url_change event.`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Destination URL",
			},
		},
		"required": []string{"session_id", "url"},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sessionID, err := requireSessionID(args)
	if err != nil {
		return nil, err
	}
	url := getStringArg(args, "url")
	if url == "" {
		return nil, fmt.Errorf("url is required")
	}

	lock := t.monitor.ActionLock(sessionID)
	lock.Lock()
	err = t.sessions.Navigate(ctx, sessionID, url)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"session_id": sessionID, "url": url}
	if st, err := t.monitor.Status(sessionID); err == nil {
		result["observer"] = observerSummary(st)
	}
	return result, nil
}

func observerSummary(st observer.Status) map[string]interface{} {
	return map[string]interface{}{
		"running":     st.Running,
		"last_url":    st.LastURL,
		"escalations": st.Escalations,
		"halt_reason": st.HaltReason,
	}
}
