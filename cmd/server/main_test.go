package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"

	"go.uber.org/zap"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCatalogCommandYAML(t *testing.T) {
	out, err := runRoot(t, "--no-workspace", "catalog")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if !strings.Contains(out, "dialogs:") {
		t.Fatalf("expected yaml dialogs key, got:\n%s", out)
	}
	if !strings.Contains(out, string(observer.CategoryCaptcha)) {
		t.Errorf("expected captcha category in output")
	}
}

func TestCatalogCommandJSON(t *testing.T) {
	out, err := runRoot(t, "--no-workspace", "catalog", "--format", "json")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	var catalog observer.Catalog
	if err := json.Unmarshal([]byte(out), &catalog); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(catalog.Dialogs) != len(observer.DefaultCatalog().Dialogs) {
		t.Errorf("dialogs = %d, want %d", len(catalog.Dialogs), len(observer.DefaultCatalog().Dialogs))
	}
}

func TestCatalogCommandErrors(t *testing.T) {
	if _, err := runRoot(t, "--no-workspace", "catalog", "--format", "toml"); err == nil {
		t.Error("expected error for unknown format")
	}
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := runRoot(t, "--no-workspace", "catalog", "--file", missing); err == nil {
		t.Error("expected error for missing catalog file")
	}
}

func TestCatalogCommandRoundTrip(t *testing.T) {
	out, err := runRoot(t, "--no-workspace", "catalog")
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := runRoot(t, "--no-workspace", "catalog", "--file", path)
	if err != nil {
		t.Fatalf("reload printed catalog: %v", err)
	}
	if again != out {
		t.Error("printed catalog did not survive a reload")
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runRoot(t, "init", dir)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "initialized workspace") {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Fatalf("workspace config not created: %v", err)
	}
	if _, err := runRoot(t, "init", dir); err == nil {
		t.Error("second init should fail")
	}
}

func TestRootLogLevelOverride(t *testing.T) {
	opts := &rootOptions{noWorkspace: true, logLevel: "debug"}
	if err := opts.load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if opts.cfg.Logging.Level != "debug" {
		t.Errorf("level = %q", opts.cfg.Logging.Level)
	}
	if opts.wsDir != "" {
		t.Errorf("workspace should be disabled, got %q", opts.wsDir)
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.File = ""
	cfg.Mangle.Enable = true
	cfg.Mangle.SchemaPath = "../../schemas/observer.mg"
	cfg.Recorder.Enable = true
	cfg.Recorder.Dir = t.TempDir()
	cfg.Browser.SessionStore = filepath.Join(t.TempDir(), "sessions.json")
	return cfg
}

func TestNewAppWiring(t *testing.T) {
	a, err := newApp(testConfig(t), zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	if !a.engine.Ready() {
		t.Error("engine should have loaded the observer schema")
	}
	if a.recorder == nil {
		t.Error("recorder should be enabled")
	}
	if a.sessions.IsConnected() {
		t.Error("browser should not be connected yet")
	}
	if _, err := a.monitor.Watch("nope"); err == nil {
		t.Error("watching an unknown session should fail")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewAppBadCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Observer.CatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := newApp(cfg, zap.NewNop(), nil); err == nil {
		t.Fatal("expected catalog error")
	}
}

func TestEventPrinter(t *testing.T) {
	var out bytes.Buffer
	printEvent := newEventPrinter(&out)
	printEvent(observer.Event{
		ID:        "e1",
		Type:      observer.EventURLChange,
		SessionID: "s1",
		Timestamp: time.UnixMilli(1000),
		OldURL:    "https://a.example/",
		NewURL:    "https://b.example/",
	})

	var record map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &record); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if record["event"] != string(observer.EventURLChange) || record["session_id"] != "s1" {
		t.Errorf("unexpected record %v", record)
	}
	payload, ok := record["payload"].(map[string]interface{})
	if !ok || payload["new_url"] != "https://b.example/" {
		t.Errorf("unexpected payload %v", record["payload"])
	}
}

func TestSuperviseUnknownSession(t *testing.T) {
	mon, err := monitor.NewManager(config.DefaultConfig().Observer, observer.DefaultCatalog(), monitor.Deps{
		Drivers: func(string) (observer.Driver, error) { return nil, errors.New("no driver") },
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mon.StopAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = superviseObserver(ctx, mon, "ghost", 0, zap.NewNop())
	if !errors.Is(err, monitor.ErrNotWatching) {
		t.Fatalf("err = %v, want ErrNotWatching", err)
	}
}

func TestExitErr(t *testing.T) {
	if exitErr(context.Canceled) != nil {
		t.Error("canceled should map to nil")
	}
	boom := errors.New("boom")
	if !errors.Is(exitErr(boom), boom) {
		t.Error("other errors pass through")
	}
}
