// Package monitor runs one screen observer per browser session and routes
// their events to logs, traces, facts and a queryable history.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/mangle"
	"screenwatch-mcp-server/internal/observer"
	"screenwatch-mcp-server/internal/recorder"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyWatching = errors.New("session already watched")
	ErrNotWatching     = errors.New("session not watched")
	ErrClosed          = errors.New("monitor closed")
)

// Observer state values reported as observer_state facts.
const (
	StateStarted = "started"
	StateStopped = "stopped"
	StateHalted  = "halted"
)

// DriverFunc resolves the browser handle for a session.
type DriverFunc func(sessionID string) (observer.Driver, error)

// FactSink receives facts derived from observer events.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Deps are the collaborators a Manager routes events to. Only Drivers is
// required.
type Deps struct {
	Drivers  DriverFunc
	Facts    FactSink
	Recorder *recorder.Recorder
	Logger   *zap.Logger
	// OnEvent is called after the built-in routing for every event.
	OnEvent observer.Callback
}

type watch struct {
	obs      *observer.Observer
	stopping bool
}

// Manager owns the observers of all watched sessions.
type Manager struct {
	cfg  config.ObserverConfig
	base observer.Options
	deps Deps
	log  *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watches map[string]*watch
	history map[string]*eventRing
	locks   map[string]*sync.Mutex
}

// NewManager validates the observer configuration and seeds the fact sink
// with the categories that always need a human.
func NewManager(cfg config.ObserverConfig, catalog *observer.Catalog, deps Deps) (*Manager, error) {
	if deps.Drivers == nil {
		return nil, errors.New("monitor: driver source required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	base, err := OptionsFromConfig(cfg, catalog, deps.Logger)
	if err != nil {
		return nil, err
	}

	root, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		base:    base,
		deps:    deps,
		log:     deps.Logger.Named("monitor"),
		root:    root,
		cancel:  cancel,
		watches: make(map[string]*watch),
		history: make(map[string]*eventRing),
		locks:   make(map[string]*sync.Mutex),
	}
	m.seedFacts()
	return m, nil
}

func (m *Manager) seedFacts() {
	if m.deps.Facts == nil {
		return
	}
	now := time.Now()
	permanent := m.base.Registry.Escalating()
	facts := make([]mangle.Fact, 0, len(permanent))
	for _, c := range permanent {
		facts = append(facts, mangle.Fact{Predicate: "permanent_category", Args: []interface{}{string(c)}, Timestamp: now})
	}
	if err := m.deps.Facts.AddFacts(m.root, facts); err != nil {
		m.log.Warn("seed facts failed", zap.Error(err))
	}
}

// Catalog returns the pattern catalog observers classify with.
func (m *Manager) Catalog() *observer.Catalog { return m.base.Catalog }

// Registry returns the handler registry shared by all observers.
func (m *Manager) Registry() *observer.Registry { return m.base.Registry }

// AutoStart reports whether new sessions should be watched immediately.
func (m *Manager) AutoStart() bool { return m.cfg.AutoStart }

// ActionLock returns the lock a session's observer holds while it acts.
// Callers that click on the same page take it to avoid racing the observer.
func (m *Manager) ActionLock(sessionID string) sync.Locker {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

// Watch starts an observer for sessionID. A session whose observer halted
// under the stop policy can be watched again.
func (m *Manager) Watch(sessionID string) (observer.Status, error) {
	lock := m.ActionLock(sessionID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return observer.Status{}, ErrClosed
	}
	if w, ok := m.watches[sessionID]; ok && (w.stopping || w.obs.Running()) {
		m.mu.Unlock()
		return observer.Status{}, fmt.Errorf("%w: %s", ErrAlreadyWatching, sessionID)
	}
	m.mu.Unlock()

	driver, err := m.deps.Drivers(sessionID)
	if err != nil {
		return observer.Status{}, err
	}

	opts := m.base
	opts.SessionID = sessionID
	if m.cfg.SerializeActions {
		opts.ActionLock = lock
	}

	if m.deps.Recorder != nil {
		if _, err := m.deps.Recorder.Start(sessionID); err != nil {
			m.log.Warn("trace start failed", zap.String("session", sessionID), zap.Error(err))
		}
	}

	obs := observer.New(driver, m.callback(sessionID), opts)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return observer.Status{}, ErrClosed
	}
	if w, ok := m.watches[sessionID]; ok && (w.stopping || w.obs.Running()) {
		m.mu.Unlock()
		return observer.Status{}, fmt.Errorf("%w: %s", ErrAlreadyWatching, sessionID)
	}
	w := &watch{obs: obs}
	m.watches[sessionID] = w
	if _, ok := m.history[sessionID]; !ok {
		m.history[sessionID] = newEventRing(m.cfg.GetEventBuffer())
	}
	obs.Start(m.root)
	done := obs.Done()
	m.wg.Add(1)
	m.mu.Unlock()

	m.stateFact(sessionID, StateStarted)
	go m.await(sessionID, w, done)

	m.log.Info("watching session", zap.String("session", sessionID))
	return obs.Status(), nil
}

// await reports how the observer loop ended.
func (m *Manager) await(sessionID string, w *watch, done <-chan struct{}) {
	defer m.wg.Done()
	<-done

	st := w.obs.Status()
	state := StateStopped
	if st.HaltReason != "" {
		state = StateHalted
		m.log.Warn("observer halted", zap.String("session", sessionID), zap.String("reason", st.HaltReason))
	}
	m.stateFact(sessionID, state)
}

// Unwatch stops the session's observer and closes its trace. The event
// history stays queryable.
func (m *Manager) Unwatch(sessionID string) (observer.Status, error) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	if !ok || w.stopping {
		m.mu.Unlock()
		return observer.Status{}, fmt.Errorf("%w: %s", ErrNotWatching, sessionID)
	}
	w.stopping = true
	m.mu.Unlock()

	w.obs.Stop()

	m.mu.Lock()
	delete(m.watches, sessionID)
	m.mu.Unlock()

	if m.deps.Recorder != nil {
		if err := m.deps.Recorder.Stop(sessionID); err != nil {
			m.log.Warn("trace stop failed", zap.String("session", sessionID), zap.Error(err))
		}
	}
	return w.obs.Status(), nil
}

// Status returns the observer snapshot of one session.
func (m *Manager) Status(sessionID string) (observer.Status, error) {
	m.mu.Lock()
	w, ok := m.watches[sessionID]
	m.mu.Unlock()
	if !ok {
		return observer.Status{}, fmt.Errorf("%w: %s", ErrNotWatching, sessionID)
	}
	return w.obs.Status(), nil
}

// Statuses returns snapshots for every watched session ordered by id.
func (m *Manager) Statuses() []observer.Status {
	m.mu.Lock()
	observers := make([]*observer.Observer, 0, len(m.watches))
	for _, w := range m.watches {
		observers = append(observers, w.obs)
	}
	m.mu.Unlock()

	out := make([]observer.Status, 0, len(observers))
	for _, o := range observers {
		out = append(out, o.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Events returns recent events of a session, oldest first. Zero since and
// limit mean no filter. Only events of the listed types are returned when
// types is non-empty.
func (m *Manager) Events(sessionID string, since time.Time, limit int, types ...observer.EventType) []observer.Event {
	m.mu.Lock()
	ring, ok := m.history[sessionID]
	var events []observer.Event
	if ok {
		events = ring.snapshot()
	}
	m.mu.Unlock()

	want := make(map[observer.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	out := make([]observer.Event, 0, len(events))
	for _, ev := range events {
		if !since.IsZero() && !ev.Timestamp.After(since) {
			continue
		}
		if len(want) > 0 && !want[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// StopAll stops every observer in parallel and refuses new watches.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.watches))
	for id, w := range m.watches {
		if !w.stopping {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := m.Unwatch(id)
			if errors.Is(err, ErrNotWatching) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	m.cancel()
	m.wg.Wait()
	return err
}

func (m *Manager) callback(sessionID string) observer.Callback {
	log := m.log.With(zap.String("session", sessionID))
	return func(ev observer.Event) {
		m.logEvent(log, ev)

		m.mu.Lock()
		if ring, ok := m.history[sessionID]; ok {
			ring.push(ev)
		}
		m.mu.Unlock()

		if m.deps.Recorder != nil {
			if err := m.deps.Recorder.Record(string(ev.Type), sessionID, ev.Payload()); err != nil && !errors.Is(err, recorder.ErrNotStarted) {
				log.Debug("trace write failed", zap.Error(err))
			}
		}

		if m.deps.Facts != nil {
			if err := m.deps.Facts.AddFacts(m.root, EventFacts(ev)); err != nil {
				log.Debug("fact ingest failed", zap.Error(err))
			}
		}

		if m.deps.OnEvent != nil {
			m.deps.OnEvent(ev)
		}
	}
}

func (m *Manager) logEvent(log *zap.Logger, ev observer.Event) {
	switch ev.Type {
	case observer.EventManualIntervention:
		fields := []zap.Field{zap.String("event_id", ev.ID)}
		if e := ev.Escalation; e != nil {
			fields = append(fields,
				zap.String("dialog_type", string(e.Category)),
				zap.String("reason", e.Reason),
				zap.String("url", e.URL),
			)
		}
		log.Warn("manual intervention required", fields...)
	case observer.EventChallengeDetected:
		log.Warn("challenge detected", zap.String("old_url", ev.OldURL), zap.String("new_url", ev.NewURL))
	default:
		log.Info("url changed", zap.String("old_url", ev.OldURL), zap.String("new_url", ev.NewURL))
	}
}

func (m *Manager) stateFact(sessionID, state string) {
	if m.deps.Facts == nil {
		return
	}
	now := time.Now()
	fact := mangle.Fact{
		Predicate: "observer_state",
		Args:      []interface{}{sessionID, state, now.UnixMilli()},
		Timestamp: now,
	}
	// The root context is cancelled by StopAll; final state facts still land.
	if err := m.deps.Facts.AddFacts(context.WithoutCancel(m.root), []mangle.Fact{fact}); err != nil {
		m.log.Debug("state fact failed", zap.Error(err))
	}
}

// EventFacts converts an observer event to the facts declared in
// schemas/observer.mg.
func EventFacts(ev observer.Event) []mangle.Fact {
	ts := ev.Timestamp.UnixMilli()
	switch ev.Type {
	case observer.EventURLChange:
		return []mangle.Fact{{
			Predicate: "url_change",
			Args:      []interface{}{ev.SessionID, ev.OldURL, ev.NewURL, ts},
			Timestamp: ev.Timestamp,
		}}
	case observer.EventChallengeDetected:
		return []mangle.Fact{{
			Predicate: "challenge_detected",
			Args:      []interface{}{ev.SessionID, ev.OldURL, ev.NewURL, ts},
			Timestamp: ev.Timestamp,
		}}
	case observer.EventManualIntervention:
		if ev.Escalation == nil {
			return nil
		}
		return []mangle.Fact{{
			Predicate: "manual_intervention",
			Args:      []interface{}{ev.SessionID, string(ev.Escalation.Category), ev.Escalation.Reason, ev.Escalation.URL, ts},
			Timestamp: ev.Timestamp,
		}}
	}
	return nil
}
