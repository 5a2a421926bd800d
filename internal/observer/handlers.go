package observer

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Timings holds the fixed pauses handler routines use. Zero values disable
// the corresponding pause.
type Timings struct {
	// Settle follows a successful click on a lightweight dialog.
	Settle time.Duration
	// LongSettle follows clicks that usually trigger a navigation and the
	// back-navigation on blocked pages.
	LongSettle time.Duration
	// ReloadSettle follows every page reload.
	ReloadSettle time.Duration
	// RateLimitCooldown is the wait before reloading a rate-limited page.
	RateLimitCooldown time.Duration
	// ProbeTimeout bounds each candidate lookup inside a routine.
	ProbeTimeout time.Duration
	// ActionTimeout bounds each click, keystroke, back navigation and
	// reload. Zero means DefaultActionTimeout; actions are never unbounded.
	ActionTimeout time.Duration
}

// DefaultActionTimeout bounds a page action when no timeout is configured.
const DefaultActionTimeout = 5 * time.Second

// DefaultTimings mirrors the pauses the automation scripts were tuned for.
func DefaultTimings() Timings {
	return Timings{
		Settle:            time.Second,
		LongSettle:        2 * time.Second,
		ReloadSettle:      3 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		ProbeTimeout:      750 * time.Millisecond,
		ActionTimeout:     DefaultActionTimeout,
	}
}

// Routine attempts to resolve one dialog category. Implementations swallow
// individual action failures; only the final outcome is visible.
type Routine interface {
	Resolve(ctx context.Context, d Driver, log *zap.Logger) bool
}

// Registry maps category ids to routines. It is built once and treated as
// read-only after it is handed to an Observer.
type Registry struct {
	dialogs       map[Category]Routine
	transitions   map[Category]TransitionHandler
	actionTimeout time.Duration
}

// NewRegistry returns an empty registry whose actions are bounded by
// DefaultActionTimeout.
func NewRegistry() *Registry {
	return &Registry{
		dialogs:       make(map[Category]Routine),
		transitions:   make(map[Category]TransitionHandler),
		actionTimeout: DefaultActionTimeout,
	}
}

// WithActionTimeout sets the deadline given to every driver action a routine
// or transition handler takes. Non-positive values keep the current bound.
func (r *Registry) WithActionTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.actionTimeout = d
	}
	return r
}

// ActionTimeout returns the per-action deadline.
func (r *Registry) ActionTimeout() time.Duration { return r.actionTimeout }

// Register binds a dialog routine, replacing any previous binding.
func (r *Registry) Register(c Category, rt Routine) *Registry {
	r.dialogs[c] = rt
	return r
}

// RegisterTransition binds a transition handler.
func (r *Registry) RegisterTransition(c Category, h TransitionHandler) *Registry {
	r.transitions[c] = h
	return r
}

// Has reports whether a dialog routine exists for c.
func (r *Registry) Has(c Category) bool {
	_, ok := r.dialogs[c]
	return ok
}

// Resolve runs the routine registered for c. Unknown categories fail.
func (r *Registry) Resolve(ctx context.Context, c Category, d Driver, log *zap.Logger) bool {
	rt, ok := r.dialogs[c]
	if !ok {
		return false
	}
	return rt.Resolve(ctx, r.bound(d), log.With(zap.String("dialog", string(c))))
}

// HandleTransition runs the handler registered for the transition's rule.
// The boolean is false when no handler exists.
func (r *Registry) HandleTransition(ctx context.Context, t Transition, d Driver, log *zap.Logger) (TransitionResult, bool) {
	h, ok := r.transitions[t.Rule.ID]
	if !ok {
		return TransitionResult{}, false
	}
	return h.HandleTransition(ctx, r.bound(d), t, log.With(zap.String("transition", string(t.Rule.ID)))), true
}

// Escalating lists the categories whose routine never resolves automatically.
func (r *Registry) Escalating() []Category {
	var out []Category
	for c, rt := range r.dialogs {
		if _, ok := rt.(escalateAlways); ok {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Categories lists every dialog category with a routine.
func (r *Registry) Categories() []Category {
	out := make([]Category, 0, len(r.dialogs))
	for c := range r.dialogs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultRegistry binds the built-in routines for every category of
// DefaultCatalog.
func DefaultRegistry(t Timings) *Registry {
	closeControls := []Probe{
		XPath("//button[@aria-label='Close']"),
		XPath("//button[contains(@class, 'close')]"),
		XPath("//span[contains(@class, 'close')]"),
		XPath("//button[text()='×']"),
	}

	return NewRegistry().
		WithActionTimeout(t.ActionTimeout).
		Register(CategoryLoginRequired, ClickFirst(t.ProbeTimeout, t.LongSettle,
			XPath("//button[contains(text(), 'Log In')]"),
			XPath("//button[contains(text(), 'Sign In')]"),
		)).
		Register(CategoryCookiesConsent, ClickFirst(t.ProbeTimeout, t.Settle,
			XPath("//button[contains(text(), 'Accept')]"),
			XPath("//button[contains(text(), 'Allow')]"),
			XPath("//button[contains(text(), 'Accept All')]"),
			XPath("//button[contains(text(), 'OK')]"),
		)).
		Register(CategoryNotificationPopup, ClickFirst(t.ProbeTimeout, t.Settle,
			XPath("//button[contains(text(), 'Not Now')]"),
			XPath("//button[contains(text(), 'Maybe Later')]"),
			XPath("//button[contains(text(), 'Cancel')]"),
			XPath("//button[@aria-label='Close']"),
			XPath("//button[contains(text(), 'No Thanks')]"),
		)).
		Register(CategorySaveInfoOnetap, ClickFirst(t.ProbeTimeout, t.Settle,
			XPath("//main[@role='main']//button[@type='button']"),
			XPath("//button[contains(text(), 'Save Info')]"),
			XPath("//button[contains(text(), 'Not Now')]"),
		)).
		Register(CategorySuspiciousActivity, ClickFirst(t.ProbeTimeout, t.LongSettle,
			XPath("//button[contains(text(), 'This Was Me')]"),
			XPath("//button[contains(text(), 'Continue')]"),
			XPath("//button[contains(text(), 'Confirm')]"),
		)).
		Register(CategoryAgeVerification, Escalate("age verification requires manual intervention")).
		Register(CategoryCaptcha, Escalate("captcha requires manual intervention")).
		Register(CategoryAccountSuspended, Escalate("account suspended, manual intervention required")).
		Register(CategoryChallengeRequired, Escalate("challenge required, deferred to the calling script")).
		Register(CategoryRateLimit, CooldownReload(t.RateLimitCooldown, t.ReloadSettle)).
		Register(CategoryPopupModal, CloseOrDismiss(t.ProbeTimeout, t.Settle, closeControls...)).
		Register(CategoryCloseButtons, CloseOrDismiss(t.ProbeTimeout, t.Settle, closeControls...)).
		Register(CategoryOverlay, ClickFirst(t.ProbeTimeout, t.Settle,
			XPath("//div[contains(@class, 'overlay')]"),
			XPath("//div[contains(@class, 'backdrop')]"),
		)).
		RegisterTransition(TransitionOnetapSaveInfo, NoteTransition()).
		RegisterTransition(TransitionChallengeRedirect, NotifyTransition("challenge detected, external handling required")).
		RegisterTransition(TransitionBlockedPage, BackTransition(t.LongSettle)).
		RegisterTransition(TransitionErrorPage, ReloadTransition(t.ReloadSettle))
}

// clickFirst clicks the first visible candidate.
type clickFirst struct {
	candidates   []Probe
	probeTimeout time.Duration
	settle       time.Duration
}

// ClickFirst builds a routine that clicks the first visible candidate and
// pauses for settle afterwards.
func ClickFirst(probeTimeout, settle time.Duration, candidates ...Probe) Routine {
	return clickFirst{candidates: candidates, probeTimeout: probeTimeout, settle: settle}
}

func (r clickFirst) Resolve(ctx context.Context, d Driver, log *zap.Logger) bool {
	return clickFirstVisible(ctx, d, log, r.candidates, r.probeTimeout, r.settle)
}

func clickFirstVisible(ctx context.Context, d Driver, log *zap.Logger, candidates []Probe, probeTimeout, settle time.Duration) bool {
	for _, p := range candidates {
		if ctx.Err() != nil {
			return false
		}
		if !probeVisible(ctx, d, p, probeTimeout) {
			continue
		}
		if err := d.Click(ctx, p); err != nil {
			log.Debug("candidate click failed", zap.String("probe", p.String()), zap.Error(err))
			continue
		}
		log.Info("clicked dialog control", zap.String("probe", p.String()))
		_ = pause(ctx, settle)
		return true
	}
	return false
}

// escalateAlways never resolves; the observer escalates every time.
type escalateAlways struct {
	reason string
}

// Escalate builds a routine that always fails so the category is reported.
func Escalate(reason string) Routine { return escalateAlways{reason: reason} }

func (r escalateAlways) Resolve(_ context.Context, _ Driver, log *zap.Logger) bool {
	log.Warn(r.reason)
	return false
}

// cooldownReload waits out a rate limit, then reloads.
type cooldownReload struct {
	cooldown time.Duration
	settle   time.Duration
}

// CooldownReload builds the rate-limit retry routine.
func CooldownReload(cooldown, settle time.Duration) Routine {
	return cooldownReload{cooldown: cooldown, settle: settle}
}

func (r cooldownReload) Resolve(ctx context.Context, d Driver, log *zap.Logger) bool {
	log.Warn("rate limit detected, waiting before reload", zap.Duration("cooldown", r.cooldown))
	if err := pauseUnlocked(ctx, r.cooldown); err != nil {
		return false
	}
	if err := d.Reload(ctx); err != nil {
		log.Debug("reload after rate limit failed", zap.Error(err))
	}
	_ = pause(ctx, r.settle)
	return true
}

// closeOrDismiss clicks a close control or falls back to Escape.
type closeOrDismiss struct {
	candidates   []Probe
	probeTimeout time.Duration
	settle       time.Duration
}

// CloseOrDismiss builds the generic popup routine.
func CloseOrDismiss(probeTimeout, settle time.Duration, candidates ...Probe) Routine {
	return closeOrDismiss{candidates: candidates, probeTimeout: probeTimeout, settle: settle}
}

func (r closeOrDismiss) Resolve(ctx context.Context, d Driver, log *zap.Logger) bool {
	if clickFirstVisible(ctx, d, log, r.candidates, r.probeTimeout, r.settle) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if err := d.PressEscape(ctx); err != nil {
		log.Debug("escape fallback failed", zap.Error(err))
		return false
	}
	log.Info("dismissed popup with escape")
	_ = pause(ctx, r.settle)
	return true
}

func (r *Registry) bound(d Driver) Driver {
	if _, ok := d.(boundedDriver); ok {
		return d
	}
	return boundedDriver{Driver: d, timeout: r.actionTimeout}
}

// boundedDriver gives each page action its own deadline. A control that never
// becomes interactable then fails like any other click instead of holding the
// loop.
type boundedDriver struct {
	Driver
	timeout time.Duration
}

func (b boundedDriver) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

func (b boundedDriver) Click(ctx context.Context, p Probe) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	return b.Driver.Click(ctx, p)
}

func (b boundedDriver) PressEscape(ctx context.Context) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	return b.Driver.PressEscape(ctx)
}

func (b boundedDriver) NavigateBack(ctx context.Context) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	return b.Driver.NavigateBack(ctx)
}

func (b boundedDriver) Reload(ctx context.Context) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	return b.Driver.Reload(ctx)
}

func (b boundedDriver) Repaint(ctx context.Context) error {
	ctx, cancel := b.withDeadline(ctx)
	defer cancel()
	return b.Driver.Repaint(ctx)
}

func probeVisible(ctx context.Context, d Driver, p Probe, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := d.Probe(ctx, p)
	return err == nil && res.Present && res.Visible
}

type actionLockKey struct{}

// withActionLock records the lock the observer holds around its actions.
func withActionLock(ctx context.Context, l sync.Locker) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, actionLockKey{}, l)
}

// pauseUnlocked is pause with the observer's action lock released for the
// duration of the wait, so callers serializing on the same lock are not held
// through long cooldowns. The lock is held again when it returns.
func pauseUnlocked(ctx context.Context, d time.Duration) error {
	if l, ok := ctx.Value(actionLockKey{}).(sync.Locker); ok && d > 0 {
		l.Unlock()
		defer l.Lock()
	}
	return pause(ctx, d)
}

// pause sleeps for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
