package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/mangle"
	"screenwatch-mcp-server/internal/observer"
	"screenwatch-mcp-server/internal/recorder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type page struct {
	mu      sync.Mutex
	url     string
	visible map[string]bool
}

func newPage(url string) *page {
	return &page{url: url, visible: map[string]bool{}}
}

func (p *page) setURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

func (p *page) show(probe observer.Probe) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible[probe.Expr] = true
}

func (p *page) CurrentURL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *page) Probe(_ context.Context, probe observer.Probe) (observer.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.visible[probe.Expr]
	return observer.ProbeResult{Present: v, Visible: v}, nil
}

func (p *page) Click(_ context.Context, probe observer.Probe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.visible[probe.Expr] {
		return errors.New("not visible")
	}
	delete(p.visible, probe.Expr)
	return nil
}

func (p *page) PressEscape(context.Context) error  { return nil }
func (p *page) NavigateBack(context.Context) error { return nil }
func (p *page) Reload(context.Context) error       { return nil }
func (p *page) Repaint(context.Context) error      { return nil }

func fastConfig() config.ObserverConfig {
	return config.ObserverConfig{
		PollInterval:      "5ms",
		FaultBackoff:      "5ms",
		ProbeTimeout:      "50ms",
		JoinTimeout:       "1s",
		Settle:            "1ms",
		LongSettle:        "1ms",
		ReloadSettle:      "1ms",
		RateLimitCooldown: "1ms",
		EventBuffer:       16,
	}
}

func pages(ps map[string]*page) DriverFunc {
	return func(id string) (observer.Driver, error) {
		p, ok := ps[id]
		if !ok {
			return nil, errors.New("unknown session")
		}
		return p, nil
	}
}

func newEngine(t *testing.T) *mangle.Engine {
	t.Helper()
	engine, err := mangle.NewEngine(config.MangleConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/observer.mg",
		FactBufferLimit: 1000,
	}, nil)
	require.NoError(t, err)
	return engine
}

func captchaProbe(t *testing.T) observer.Probe {
	t.Helper()
	d, ok := observer.DefaultCatalog().Dialog(observer.CategoryCaptcha)
	require.True(t, ok)
	return d.Probes[0]
}

func TestManagerWatchLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	ps := map[string]*page{"s1": newPage("https://www.instagram.com/")}
	m, err := NewManager(fastConfig(), nil, Deps{Drivers: pages(ps)})
	require.NoError(t, err)

	st, err := m.Watch("s1")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "https://www.instagram.com/", st.LastURL)

	_, err = m.Watch("s1")
	assert.ErrorIs(t, err, ErrAlreadyWatching)

	_, err = m.Watch("missing")
	assert.Error(t, err)

	assert.Len(t, m.Statuses(), 1)

	st, err = m.Unwatch("s1")
	require.NoError(t, err)
	assert.False(t, st.Running)

	_, err = m.Unwatch("s1")
	assert.ErrorIs(t, err, ErrNotWatching)
	_, err = m.Status("s1")
	assert.ErrorIs(t, err, ErrNotWatching)

	require.NoError(t, m.StopAll())
	_, err = m.Watch("s1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManagerRoutesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := newEngine(t)
	rec, err := recorder.NewRecorder(t.TempDir(), 0)
	require.NoError(t, err)
	defer rec.Close()

	var mu sync.Mutex
	var seen []observer.Event
	p := newPage("https://www.instagram.com/")
	m, err := NewManager(fastConfig(), nil, Deps{
		Drivers:  pages(map[string]*page{"s1": p}),
		Facts:    engine,
		Recorder: rec,
		OnEvent: func(ev observer.Event) {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	_, err = m.Watch("s1")
	require.NoError(t, err)
	tracePath, ok := rec.Path("s1")
	require.True(t, ok)

	p.setURL("https://www.instagram.com/explore/")
	p.show(captchaProbe(t))

	require.Eventually(t, func() bool {
		return len(m.Events("s1", time.Time{}, 0, observer.EventManualIntervention)) > 0 &&
			len(m.Events("s1", time.Time{}, 0, observer.EventURLChange)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.StopAll())

	mu.Lock()
	assert.NotEmpty(t, seen)
	mu.Unlock()

	changes := engine.FactsByPredicate("url_change")
	require.NotEmpty(t, changes)
	assert.Equal(t, []interface{}{"s1", "https://www.instagram.com/", "https://www.instagram.com/explore/"}, changes[0].Args[:3])

	human, err := engine.Evaluate(context.Background(), "requires_human")
	require.NoError(t, err)
	require.Len(t, human, 1)
	assert.Equal(t, "captcha", human[0].Args[1])

	states := engine.FactsByPredicate("observer_state")
	require.Len(t, states, 2)
	assert.Equal(t, StateStarted, states[0].Args[1])
	assert.Equal(t, StateStopped, states[1].Args[1])

	entries, err := recorder.ReadTrace(tracePath)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "s1", entries[0].SessionID)
}

func TestManagerStopPolicyHalts(t *testing.T) {
	defer goleak.VerifyNone(t)

	engine := newEngine(t)
	cfg := fastConfig()
	cfg.EscalationPolicy = "stop"

	p := newPage("https://www.instagram.com/")
	p.show(captchaProbe(t))
	m, err := NewManager(cfg, nil, Deps{Drivers: pages(map[string]*page{"s1": p}), Facts: engine})
	require.NoError(t, err)

	_, err = m.Watch("s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(engine.FactsByPredicate("observer_state")) == 2
	}, 2*time.Second, 5*time.Millisecond)

	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.False(t, st.Running)
	assert.Contains(t, st.HaltReason, "captcha")
	assert.Equal(t, StateHalted, engine.FactsByPredicate("observer_state")[1].Args[1])

	// A halted session can be watched again.
	_, err = m.Watch("s1")
	require.NoError(t, err)
	require.NoError(t, m.StopAll())
}

func TestManagerSerializeActions(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := fastConfig()
	cfg.SerializeActions = true
	p := newPage("https://www.instagram.com/")
	m, err := NewManager(cfg, nil, Deps{Drivers: pages(map[string]*page{"s1": p})})
	require.NoError(t, err)

	lock := m.ActionLock("s1")
	assert.Same(t, lock, m.ActionLock("s1"))

	lock.Lock()
	_, err = m.Watch("s1")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	st, err := m.Status("s1")
	require.NoError(t, err)
	assert.Zero(t, st.Resolved)
	lock.Unlock()

	require.NoError(t, m.StopAll())
}

func TestManagerEventsFilter(t *testing.T) {
	m, err := NewManager(fastConfig(), nil, Deps{Drivers: pages(nil)})
	require.NoError(t, err)
	defer m.StopAll()

	base := time.Unix(1700000000, 0)
	ring := newEventRing(3)
	for i := 0; i < 5; i++ {
		typ := observer.EventURLChange
		if i%2 == 1 {
			typ = observer.EventManualIntervention
		}
		ring.push(observer.Event{ID: string(rune('a' + i)), Type: typ, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	m.history["s1"] = ring

	all := m.Events("s1", time.Time{}, 0)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{all[0].ID, all[1].ID, all[2].ID})

	assert.Len(t, m.Events("s1", base.Add(3*time.Second), 0), 1)
	assert.Len(t, m.Events("s1", time.Time{}, 1), 1)
	assert.Equal(t, "e", m.Events("s1", time.Time{}, 1)[0].ID)
	assert.Len(t, m.Events("s1", time.Time{}, 0, observer.EventManualIntervention), 1)
	assert.Empty(t, m.Events("unknown", time.Time{}, 0))
}

func TestNewManagerErrors(t *testing.T) {
	_, err := NewManager(fastConfig(), nil, Deps{})
	assert.Error(t, err)

	cfg := fastConfig()
	cfg.EscalationPolicy = "panic"
	_, err = NewManager(cfg, nil, Deps{Drivers: pages(nil)})
	assert.Error(t, err)

	_, err = NewManager(fastConfig(), &observer.Catalog{}, Deps{Drivers: pages(nil)})
	assert.Error(t, err)
}

func TestSeedsPermanentCategories(t *testing.T) {
	engine := newEngine(t)
	m, err := NewManager(fastConfig(), nil, Deps{Drivers: pages(nil), Facts: engine})
	require.NoError(t, err)
	defer m.StopAll()

	seeded := engine.FactsByPredicate("permanent_category")
	assert.Len(t, seeded, len(m.Registry().Escalating()))
}

func TestEventFacts(t *testing.T) {
	ts := time.UnixMilli(1700000000500)

	facts := EventFacts(observer.Event{Type: observer.EventURLChange, SessionID: "s", OldURL: "a", NewURL: "b", Timestamp: ts})
	require.Len(t, facts, 1)
	assert.Equal(t, "url_change", facts[0].Predicate)
	assert.Equal(t, []interface{}{"s", "a", "b", int64(1700000000500)}, facts[0].Args)

	facts = EventFacts(observer.Event{
		Type:       observer.EventManualIntervention,
		SessionID:  "s",
		Timestamp:  ts,
		Escalation: &observer.Escalation{Category: observer.CategoryRateLimit, Reason: observer.ReasonHandlerFailed, URL: "u"},
	})
	require.Len(t, facts, 1)
	assert.Equal(t, []interface{}{"s", "rate_limit", "handler_failed", "u", int64(1700000000500)}, facts[0].Args)

	facts = EventFacts(observer.Event{Type: observer.EventChallengeDetected, SessionID: "s", OldURL: "a", NewURL: "b/challenge/", Timestamp: ts})
	require.Len(t, facts, 1)
	assert.Equal(t, "challenge_detected", facts[0].Predicate)

	assert.Empty(t, EventFacts(observer.Event{Type: observer.EventManualIntervention}))
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(fastConfig(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Millisecond, opts.PollInterval)
	assert.Equal(t, observer.PolicyAdvisory, opts.Policy)
	assert.NotNil(t, opts.Catalog)
	assert.NotNil(t, opts.Registry)

	timings := TimingsFromConfig(config.ObserverConfig{})
	assert.Equal(t, observer.DefaultTimings(), timings)
}
