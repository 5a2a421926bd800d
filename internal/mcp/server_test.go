package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"screenwatch-mcp-server/internal/browser"
	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/mangle"
	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"

	"github.com/mark3labs/mcp-go/mcp"
)

type stubPage struct {
	mu  sync.Mutex
	url string
}

func (p *stubPage) setURL(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
}

func (p *stubPage) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}
func (p *stubPage) Probe(context.Context, observer.Probe) (observer.ProbeResult, error) {
	return observer.ProbeResult{}, nil
}
func (p *stubPage) Click(context.Context, observer.Probe) error { return errors.New("nothing to click") }
func (p *stubPage) PressEscape(context.Context) error           { return nil }
func (p *stubPage) NavigateBack(context.Context) error          { return nil }
func (p *stubPage) Reload(context.Context) error                { return nil }
func (p *stubPage) Repaint(context.Context) error               { return nil }

type testEnv struct {
	server *Server
	engine *mangle.Engine
	page   *stubPage
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server = config.ServerConfig{Name: "test-server", Version: "1.0.0"}
	cfg.Browser.SessionStore = ""
	cfg.Mangle = config.MangleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/observer.mg",
		FactBufferLimit: 1000,
	}
	cfg.Observer.PollInterval = "5ms"
	cfg.Observer.FaultBackoff = "5ms"
	cfg.Observer.ProbeTimeout = "50ms"
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := setupTestServerConfig()

	engine, err := mangle.NewEngine(cfg.Mangle, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	page := &stubPage{url: "https://www.instagram.com/"}
	mon, err := monitor.NewManager(cfg.Observer, nil, monitor.Deps{
		Drivers: func(id string) (observer.Driver, error) {
			if id != "s1" {
				return nil, browser.ErrUnknownSession
			}
			return page, nil
		},
		Facts: engine,
	})
	if err != nil {
		t.Fatalf("Failed to create monitor: %v", err)
	}
	t.Cleanup(func() { _ = mon.StopAll() })

	sessions := browser.NewSessionManager(cfg.Browser, engine, nil)
	server, err := NewServer(cfg, sessions, engine, mon, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return &testEnv{server: server, engine: engine, page: page}
}

func (e *testEnv) exec(t *testing.T, name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	res, err := e.server.ExecuteTool(context.Background(), name, args)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	// Round-trip through JSON the way clients see it.
	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("%s: marshal: %v", name, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("%s: unmarshal: %v", name, err)
	}
	return out
}

func TestNewServerRegistersTools(t *testing.T) {
	env := newTestEnv(t)

	want := []string{
		"launch-browser", "shutdown-browser", "list-sessions", "create-session",
		"attach-session", "navigate", "start-monitoring", "stop-monitoring",
		"monitoring-status", "observer-events", "query-facts", "evaluate-rule",
	}
	if len(env.server.tools) != len(want) {
		t.Errorf("expected %d tools, got %d", len(want), len(env.server.tools))
	}
	for _, name := range want {
		tool, ok := env.server.tools[name]
		if !ok {
			t.Errorf("tool %s not registered", name)
			continue
		}
		if tool.Description() == "" {
			t.Errorf("tool %s has no description", name)
		}
		if tool.InputSchema()["type"] != "object" {
			t.Errorf("tool %s schema is not an object", name)
		}
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	if _, err := NewServer(config.DefaultConfig(), nil, nil, nil, nil); err == nil {
		t.Error("expected error without sessions and monitor")
	}
}

func TestExecuteToolUnknown(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.server.ExecuteTool(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestMonitoringTools(t *testing.T) {
	env := newTestEnv(t)

	started := env.exec(t, "start-monitoring", map[string]interface{}{"session_id": "s1"})
	if started["status"] != "monitoring" {
		t.Fatalf("unexpected start result: %v", started)
	}

	if _, err := env.server.ExecuteTool(context.Background(), "start-monitoring", map[string]interface{}{"session_id": "s1"}); !errors.Is(err, monitor.ErrAlreadyWatching) {
		t.Errorf("expected ErrAlreadyWatching, got %v", err)
	}

	env.page.setURL("https://www.instagram.com/accounts/onetap/?next=%2F")

	deadline := time.Now().Add(2 * time.Second)
	var events []interface{}
	for time.Now().Before(deadline) {
		out := env.exec(t, "observer-events", map[string]interface{}{"session_id": "s1", "types": []interface{}{"url_change"}})
		events, _ = out["events"].([]interface{})
		if len(events) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(events) == 0 {
		t.Fatal("expected a url_change event")
	}
	payload := events[0].(map[string]interface{})["payload"].(map[string]interface{})
	if payload["old_url"] != "https://www.instagram.com/" {
		t.Errorf("unexpected old_url: %v", payload["old_url"])
	}

	status := env.exec(t, "monitoring-status", map[string]interface{}{"session_id": "s1"})
	obs := status["observer"].(map[string]interface{})
	if obs["running"] != true {
		t.Errorf("expected running observer, got %v", obs)
	}
	all := env.exec(t, "monitoring-status", nil)
	if list, _ := all["observers"].([]interface{}); len(list) != 1 {
		t.Errorf("expected 1 observer, got %v", all["observers"])
	}

	stopped := env.exec(t, "stop-monitoring", map[string]interface{}{"session_id": "s1"})
	if stopped["status"] != "stopped" {
		t.Errorf("unexpected stop result: %v", stopped)
	}
	if _, err := env.server.ExecuteTool(context.Background(), "stop-monitoring", map[string]interface{}{"session_id": "s1"}); !errors.Is(err, monitor.ErrNotWatching) {
		t.Errorf("expected ErrNotWatching, got %v", err)
	}

	// History survives stop.
	after := env.exec(t, "observer-events", map[string]interface{}{"session_id": "s1"})
	if after["count"].(float64) == 0 {
		t.Error("expected events after stop")
	}

	facts := env.exec(t, "query-facts", map[string]interface{}{"query": `url_change("s1", Old, New, _).`})
	if facts["count"].(float64) < 1 {
		t.Errorf("expected url_change facts, got %v", facts)
	}
}

func TestToolArgumentErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		tool string
		args map[string]interface{}
	}{
		{"start-monitoring", nil},
		{"stop-monitoring", nil},
		{"observer-events", nil},
		{"navigate", map[string]interface{}{"session_id": "s1"}},
		{"navigate", map[string]interface{}{"url": "https://example.com"}},
		{"attach-session", nil},
		{"query-facts", nil},
		{"evaluate-rule", nil},
		{"monitoring-status", map[string]interface{}{"session_id": "unknown"}},
		{"start-monitoring", map[string]interface{}{"session_id": "unknown"}},
	}
	for _, c := range cases {
		if _, err := env.server.ExecuteTool(ctx, c.tool, c.args); err == nil {
			t.Errorf("%s(%v): expected error", c.tool, c.args)
		}
	}
}

func TestSessionToolsWithoutBrowser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.server.ExecuteTool(ctx, "create-session", nil); !errors.Is(err, browser.ErrBrowserNotConnected) {
		t.Errorf("create-session: expected ErrBrowserNotConnected, got %v", err)
	}
	if _, err := env.server.ExecuteTool(ctx, "navigate", map[string]interface{}{"session_id": "s1", "url": "https://example.com"}); !errors.Is(err, browser.ErrUnknownSession) {
		t.Errorf("navigate: expected ErrUnknownSession, got %v", err)
	}

	list := env.exec(t, "list-sessions", nil)
	if sessions, _ := list["sessions"].([]interface{}); len(sessions) != 0 {
		t.Errorf("expected no sessions, got %v", list["sessions"])
	}

	shutdown := env.exec(t, "shutdown-browser", nil)
	if shutdown["status"] != "stopped" {
		t.Errorf("unexpected shutdown result: %v", shutdown)
	}
}

func TestFactTools(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.engine.AddFacts(ctx, []mangle.Fact{
		{Predicate: "manual_intervention", Args: []interface{}{"s1", "captcha", "handler_failed", "https://a/", int64(1)}},
		{Predicate: "manual_intervention", Args: []interface{}{"s1", "captcha", "handler_failed", "https://a/", int64(2)}},
	})
	if err != nil {
		t.Fatal(err)
	}

	human := env.exec(t, "query-facts", map[string]interface{}{"query": "requires_human(S, C)."})
	if human["count"].(float64) != 1 {
		t.Errorf("expected requires_human for seeded captcha, got %v", human)
	}

	stuck := env.exec(t, "evaluate-rule", map[string]interface{}{
		"predicate": "stuck",
		"rule":      "Decl stuck(S). stuck(S) :- recurring_escalation(S, _).",
	})
	if stuck["count"].(float64) != 1 {
		t.Errorf("expected one stuck session, got %v", stuck)
	}

	if _, err := env.server.ExecuteTool(ctx, "evaluate-rule", map[string]interface{}{"predicate": "stuck", "rule": "broken( :- ."}); err == nil {
		t.Error("expected rule parse error")
	}
}

func TestWrapToolReportsErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := env.server.wrapTool(env.server.tools["start-monitoring"])

	res, err := handler(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !res.IsError {
		t.Error("expected IsError for missing session_id")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok || !strings.Contains(text.Text, "session_id is required") {
		t.Errorf("unexpected content: %#v", res.Content)
	}
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	raw := marshalToolPayload("x", map[string]interface{}{"ch": make(chan int)})
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("fallback is not JSON: %s", raw)
	}
	if out["success"] != false {
		t.Errorf("expected success=false, got %v", out)
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	read := func(uri string, args map[string]any) map[string]interface{} {
		t.Helper()
		req := mcp.ReadResourceRequest{}
		req.Params.URI = uri
		req.Params.Arguments = args

		var contents []mcp.ResourceContents
		var err error
		switch {
		case uri == "screenwatch://about":
			contents, err = env.server.handleAboutResource(ctx, req)
		case uri == "screenwatch://catalog":
			contents, err = env.server.handleCatalogResource(ctx, req)
		default:
			contents, err = env.server.handleSessionEventsResource(ctx, req)
		}
		if err != nil {
			t.Fatalf("%s: %v", uri, err)
		}
		text := contents[0].(mcp.TextResourceContents).Text
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(text), &out); err != nil {
			t.Fatalf("%s: %v", uri, err)
		}
		return out
	}

	about := read("screenwatch://about", nil)
	if about["name"] != "test-server" || about["escalation_policy"] != "advisory" {
		t.Errorf("unexpected about: %v", about)
	}

	catalog := read("screenwatch://catalog", nil)
	if dialogs, _ := catalog["dialogs"].([]interface{}); len(dialogs) != 13 {
		t.Errorf("expected 13 dialog categories, got %d", len(dialogs))
	}

	events := read("screenwatch://session/s1/events", map[string]any{"sessionId": "s1", "limit": "5"})
	if events["limit"].(float64) != 5 || events["count"].(float64) != 0 {
		t.Errorf("unexpected events resource: %v", events)
	}

	req := mcp.ReadResourceRequest{}
	if _, err := env.server.handleSessionEventsResource(ctx, req); err == nil {
		t.Error("expected error without sessionId")
	}
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{
		"s":     "  trimmed ",
		"n":     float64(7),
		"ns":    "12",
		"b":     true,
		"list":  []interface{}{"a", "", "b"},
		"csv":   "x,y",
		"empty": "",
	}
	if got := getStringArg(args, "s"); got != "trimmed" {
		t.Errorf("getStringArg = %q", got)
	}
	if got := getIntArg(args, "n", 0); got != 7 {
		t.Errorf("getIntArg float = %d", got)
	}
	if got := getIntArg(args, "ns", 0); got != 12 {
		t.Errorf("getIntArg string = %d", got)
	}
	if got := getIntArg(args, "missing", 3); got != 3 {
		t.Errorf("getIntArg fallback = %d", got)
	}
	if !getBoolArg(args, "b", false) || getBoolArg(args, "s", false) {
		t.Error("getBoolArg mismatch")
	}
	if got := getStringSliceArg(args, "list"); len(got) != 2 {
		t.Errorf("getStringSliceArg list = %v", got)
	}
	if got := getStringSliceArg(args, "csv"); len(got) != 2 {
		t.Errorf("getStringSliceArg csv = %v", got)
	}
	if got := getStringSliceArg(args, "empty"); got != nil {
		t.Errorf("getStringSliceArg empty = %v", got)
	}
	if clamp(0, 1, 5) != 1 || clamp(9, 1, 5) != 5 || clamp(3, 1, 5) != 3 {
		t.Error("clamp mismatch")
	}
}
