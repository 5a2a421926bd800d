package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/mangle"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrBrowserNotConnected = errors.New("browser not connected")
	ErrUnknownSession      = errors.New("unknown session")
	ErrSessionDetached     = errors.New("session has no live page")
)

// Session status values.
const (
	StatusActive   = "active"
	StatusAttached = "attached"
	StatusDetached = "detached"
)

// Session describes the public metadata for a tracked browser page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta       Session
	page       *rod.Page
	stopStream context.CancelFunc
}

// EngineSink is the part of the fact engine the session manager feeds.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// SessionManager owns the Chrome connection and tracks the pages that
// observers watch.
type SessionManager struct {
	cfg    config.BrowserConfig
	engine EngineSink
	log    *zap.Logger

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	controlURL string
}

func NewSessionManager(cfg config.BrowserConfig, sink EngineSink, log *zap.Logger) *SessionManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionManager{
		cfg:      cfg,
		engine:   sink,
		log:      log.Named("browser"),
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches one. A healthy existing
// connection is reused.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.RLock()
	current := m.browser
	m.mu.RUnlock()

	if current != nil {
		if _, err := current.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection detected, reconnecting")
		_ = current.Close()
		m.mu.Lock()
		m.browser = nil
		m.controlURL = ""
		for _, rec := range m.sessions {
			if rec.stopStream != nil {
				rec.stopStream()
			}
		}
		m.sessions = make(map[string]*sessionRecord)
		m.mu.Unlock()
	}

	if err := m.loadSessions(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	controlURL, err := m.resolveControlURL()
	if err != nil {
		return err
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	m.log.Info("browser connected", zap.String("control_url", controlURL))
	return nil
}

func (m *SessionManager) resolveControlURL() (string, error) {
	if m.cfg.DebuggerURL != "" {
		return m.cfg.DebuggerURL, nil
	}

	launch := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) > 0 {
		launch = launch.Bin(m.cfg.Launch[0])
		for _, rawFlag := range m.cfg.Launch[1:] {
			name, val, hasVal := strings.Cut(strings.TrimLeft(rawFlag, "-"), "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
	}

	url, err := launch.Launch()
	if err == nil {
		return url, nil
	}
	if len(m.cfg.Launch) == 0 {
		return "", fmt.Errorf("launch chrome: %w", err)
	}

	// Retry without the custom flags.
	alt, altErr := launcher.New().Bin(m.cfg.Launch[0]).Headless(m.cfg.IsHeadless()).Launch()
	if altErr != nil {
		return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
	}
	return alt, nil
}

// ControlURL returns the DevTools WebSocket URL of the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, rec := range m.sessions {
		if rec.stopStream != nil {
			rec.stopStream()
		}
		if rec.page != nil {
			_ = rec.page.Close()
		}
		delete(m.sessions, id)
	}

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}

// List returns metadata for all known sessions, oldest first.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		results = append(results, rec.meta)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results
}

// CreateSession opens a page in a fresh incognito context and tracks it.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrBrowserNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		m.log.Warn("set viewport failed", zap.Error(err))
	}

	if url != "" {
		if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
			m.log.Warn("initial navigation failed", zap.String("url", url), zap.Error(err))
		}
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   string(page.TargetID),
		URL:        url,
		Status:     StatusActive,
		CreatedAt:  now,
		LastActive: now,
	}
	m.track(meta, page)
	return &meta, nil
}

// Attach binds a new session to an existing target.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrBrowserNotConnected
	}

	page, err := browser.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}

	now := time.Now()
	meta := Session{
		ID:         uuid.NewString(),
		TargetID:   targetID,
		Status:     StatusAttached,
		CreatedAt:  now,
		LastActive: now,
	}
	if info, err := page.Context(ctx).Timeout(m.cfg.AttachTimeout()).Info(); err == nil {
		meta.URL = info.URL
		meta.Title = info.Title
	}
	m.track(meta, page)
	return &meta, nil
}

func (m *SessionManager) track(meta Session, page *rod.Page) {
	// The stream outlives the request that created the session.
	streamCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, stopStream: cancel}
	m.mu.Unlock()

	m.startEventStream(streamCtx, meta.ID, page)
	if err := m.persistSessions(); err != nil {
		m.log.Warn("persist sessions failed", zap.Error(err))
	}
}

// CloseSession stops the navigation stream, closes the page and forgets
// the session.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	if rec.stopStream != nil {
		rec.stopStream()
	}
	var err error
	if rec.page != nil {
		err = rec.page.Close()
	}
	if perr := m.persistSessions(); perr != nil {
		m.log.Warn("persist sessions failed", zap.Error(perr))
	}
	return err
}

// Navigate loads url in the session's page and waits for the load event.
func (m *SessionManager) Navigate(ctx context.Context, sessionID, url string) error {
	page, err := m.livePage(sessionID)
	if err != nil {
		return err
	}
	p := page.Context(ctx).Timeout(m.cfg.NavigationTimeout())
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		m.log.Debug("wait load", zap.String("session", sessionID), zap.Error(err))
	}
	m.UpdateMetadata(sessionID, func(s Session) Session {
		s.URL = url
		s.LastActive = time.Now()
		return s
	})
	return nil
}

// Driver returns an observer driver bound to the session's page.
func (m *SessionManager) Driver(sessionID string) (*PageDriver, error) {
	page, err := m.livePage(sessionID)
	if err != nil {
		return nil, err
	}
	return NewPageDriver(page), nil
}

func (m *SessionManager) livePage(sessionID string) (*rod.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if rec.page == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionDetached, sessionID)
	}
	return rec.page, nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// UpdateMetadata applies updater to the session's metadata.
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// startEventStream records top-frame navigations as navigation_event facts
// and keeps the session URL current.
func (m *SessionManager) startEventStream(ctx context.Context, sessionID string, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		now := time.Now()
		m.UpdateMetadata(sessionID, func(s Session) Session {
			s.URL = ev.Frame.URL
			s.LastActive = now
			return s
		})
		if m.engine == nil || isInternalURL(ev.Frame.URL) {
			return
		}
		fact := mangle.Fact{
			Predicate: "navigation_event",
			Args:      []interface{}{sessionID, ev.Frame.URL, now.UnixMilli()},
			Timestamp: now,
		}
		if err := m.engine.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
			m.log.Debug("navigation fact", zap.String("session", sessionID), zap.Error(err))
		}
	})
	go wait()
}

// persistSessions writes session metadata to disk for continuity across
// restarts.
func (m *SessionManager) persistSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	sessions := m.List()
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.cfg.SessionStore), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.cfg.SessionStore, data, 0o644)
}

// loadSessions restores persisted metadata as detached sessions. Pages are
// not re-bound; attach-session does that.
func (m *SessionManager) loadSessions() error {
	if m.cfg.SessionStore == "" {
		return nil
	}

	data, err := os.ReadFile(m.cfg.SessionStore)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		if _, ok := m.sessions[s.ID]; ok {
			continue
		}
		s.Status = StatusDetached
		m.sessions[s.ID] = &sessionRecord{meta: s}
	}
	return nil
}

// isInternalURL reports browser-internal addresses that never need facts.
func isInternalURL(url string) bool {
	for _, prefix := range []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"about:",
		"data:",
		"blob:",
	} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}
