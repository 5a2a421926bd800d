package observer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// EscalationPolicy decides what happens after a manual_intervention event.
type EscalationPolicy string

const (
	// PolicyAdvisory reports and keeps polling.
	PolicyAdvisory EscalationPolicy = "advisory"
	// PolicyStop reports and then stops the observer.
	PolicyStop EscalationPolicy = "stop"
)

// ParsePolicy validates a policy name. The empty string means advisory.
func ParsePolicy(s string) (EscalationPolicy, error) {
	switch EscalationPolicy(s) {
	case "", PolicyAdvisory:
		return PolicyAdvisory, nil
	case PolicyStop:
		return PolicyStop, nil
	}
	return "", fmt.Errorf("unknown escalation policy %q", s)
}

// Options configures an Observer. Zero values fall back to DefaultOptions.
type Options struct {
	PollInterval time.Duration
	FaultBackoff time.Duration
	ProbeTimeout time.Duration
	JoinTimeout  time.Duration

	// LogLevel raises the minimum level of the observer's own logs.
	LogLevel zapcore.Level
	Logger   *zap.Logger

	Catalog  *Catalog
	Registry *Registry
	Policy   EscalationPolicy

	// ActionLock, when set, is held while the observer handles transitions
	// and classifies or resolves dialogs. It is released during the
	// rate-limit cooldown.
	ActionLock sync.Locker

	// RepaintBeforeProbe forces a render before presence checks.
	RepaintBeforeProbe bool

	SessionID string
}

// DefaultOptions returns the tuned loop timings.
func DefaultOptions() Options {
	return Options{
		PollInterval: 500 * time.Millisecond,
		FaultBackoff: time.Second,
		ProbeTimeout: 750 * time.Millisecond,
		JoinTimeout:  2 * time.Second,
		LogLevel:     zapcore.InfoLevel,
		Policy:       PolicyAdvisory,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.FaultBackoff <= 0 {
		o.FaultBackoff = def.FaultBackoff
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = def.ProbeTimeout
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = def.JoinTimeout
	}
	if o.Policy == "" {
		o.Policy = PolicyAdvisory
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Catalog == nil {
		o.Catalog = DefaultCatalog()
	}
	if o.Registry == nil {
		t := DefaultTimings()
		t.ProbeTimeout = o.ProbeTimeout
		o.Registry = DefaultRegistry(t)
	}
	return o
}

// Status is a point-in-time snapshot of an observer.
type Status struct {
	SessionID   string           `json:"session_id,omitempty"`
	Running     bool             `json:"running"`
	Policy      EscalationPolicy `json:"policy"`
	LastURL     string           `json:"last_url"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	Cycles      uint64           `json:"cycles"`
	Faults      uint64           `json:"faults"`
	Resolved    uint64           `json:"resolved"`
	Transitions uint64           `json:"transitions"`
	Escalations uint64           `json:"escalations"`
	HaltReason  string           `json:"halt_reason,omitempty"`
}

// Observer polls one page, resolves dialogs and reports what it cannot.
type Observer struct {
	driver     Driver
	callback   Callback
	opts       Options
	log        *zap.Logger
	classifier *Classifier
	faultLog   rate.Sometimes

	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	status  Status
}

// New builds a stopped observer. callback may be nil.
func New(d Driver, callback Callback, opts Options) *Observer {
	opts = opts.withDefaults()
	log := opts.Logger.Named("observer")
	if opts.SessionID != "" {
		log = log.With(zap.String("session", opts.SessionID))
	}
	if log.Core().Enabled(opts.LogLevel) {
		log = log.WithOptions(zap.IncreaseLevel(opts.LogLevel))
	}
	return &Observer{
		driver:     d,
		callback:   callback,
		opts:       opts,
		log:        log,
		classifier: NewClassifier(opts.Catalog, opts.ProbeTimeout),
		faultLog:   rate.Sometimes{First: 3, Interval: 30 * time.Second},
		status:     Status{SessionID: opts.SessionID, Policy: opts.Policy},
	}
}

// Start launches the polling goroutine. It is a no-op when already running,
// and when a loop that missed its Stop join timeout is still exiting after
// another join timeout. The loop lives until Stop is called or ctx is done.
func (o *Observer) Start(ctx context.Context) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	prev := o.done
	o.mu.Unlock()

	// A loop that outlived its Stop join timeout must exit first so only one
	// loop ever polls the page.
	if prev != nil && !o.awaitExit(prev) {
		o.log.Warn("previous observer loop still running, start skipped", zap.Duration("join_timeout", o.opts.JoinTimeout))
		return
	}

	url, err := o.readURL(ctx)
	if err != nil {
		o.log.Debug("initial address read failed", zap.Error(err))
		url = ""
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	o.running = true
	o.cancel = cancel
	o.done = done
	o.status.LastURL = url
	o.status.StartedAt = time.Now()
	o.status.HaltReason = ""
	o.mu.Unlock()

	o.log.Info("observer started", zap.String("url", url), zap.Duration("poll_interval", o.opts.PollInterval))
	go o.run(loopCtx, cancel, done)
}

// Stop signals the loop and waits up to the join timeout. It is a no-op when
// the observer is not running.
func (o *Observer) Stop() {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	if !o.awaitExit(done) {
		o.log.Warn("observer did not stop within join timeout", zap.Duration("join_timeout", o.opts.JoinTimeout))
	}

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	o.log.Info("observer stopped")
}

// Running reports whether the polling goroutine is active.
func (o *Observer) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Status returns a snapshot of the observer's counters.
func (o *Observer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.Running = o.running
	return s
}

// Done is closed when the current loop exits. It returns nil before the first
// Start.
func (o *Observer) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// awaitExit waits up to the join timeout for a loop to close done.
func (o *Observer) awaitExit(done <-chan struct{}) bool {
	timer := time.NewTimer(o.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (o *Observer) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer func() {
		o.mu.Lock()
		if o.done == done {
			o.running = false
		}
		o.mu.Unlock()
	}()

	for ctx.Err() == nil {
		wait := o.opts.PollInterval
		halt, err := o.safeCycle(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			o.bump(func(s *Status) { s.Faults++ })
			o.faultLog.Do(func() {
				o.log.Warn("observer cycle failed", zap.Error(err))
			})
			wait = o.opts.FaultBackoff
		}
		if halt {
			o.log.Warn("observer halted by escalation policy", zap.String("reason", o.Status().HaltReason))
			return
		}
		if pause(ctx, wait) != nil {
			return
		}
	}
}

func (o *Observer) safeCycle(ctx context.Context) (halt bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer cycle panic: %v", r)
		}
	}()
	return o.cycle(ctx)
}

// cycle runs one poll: address check, then dialog check. It reports whether
// the escalation policy asked the loop to halt.
func (o *Observer) cycle(ctx context.Context) (bool, error) {
	o.bump(func(s *Status) { s.Cycles++ })

	url, err := o.readURL(ctx)
	if err != nil {
		return false, fmt.Errorf("read address: %w", err)
	}

	if o.opts.ActionLock != nil {
		o.opts.ActionLock.Lock()
		defer o.opts.ActionLock.Unlock()
		ctx = withActionLock(ctx, o.opts.ActionLock)
	}

	o.mu.Lock()
	last := o.status.LastURL
	o.mu.Unlock()

	if url != last {
		if halt := o.onAddressChange(ctx, last, url); halt {
			return true, nil
		}
		if ctx.Err() != nil {
			return false, nil
		}
	}

	if o.opts.RepaintBeforeProbe {
		if err := o.opts.Registry.bound(o.driver).Repaint(ctx); err != nil {
			o.log.Debug("repaint failed", zap.Error(err))
		}
	}

	m, ok := o.classifier.Classify(ctx, o.driver)
	if !ok {
		return false, nil
	}
	o.log.Info("dialog detected", zap.String("dialog", string(m.Category)), zap.String("probe", m.Probe.String()))

	if !o.opts.Registry.Has(m.Category) {
		return o.escalate(ctx, m.Category, probeStrings(m.Patterns), url, ReasonNoHandler,
			fmt.Sprintf("No handler registered for %s", m.Category)), nil
	}
	if o.opts.Registry.Resolve(ctx, m.Category, o.driver, o.log) {
		o.bump(func(s *Status) { s.Resolved++ })
		o.log.Info("dialog resolved", zap.String("dialog", string(m.Category)))
		return false, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return o.escalate(ctx, m.Category, probeStrings(m.Patterns), url, ReasonHandlerFailed,
		fmt.Sprintf("Manual intervention required for %s", m.Category)), nil
}

// onAddressChange classifies and handles a transition, records the new
// address and emits url_change.
func (o *Observer) onAddressChange(ctx context.Context, oldURL, newURL string) bool {
	o.bump(func(s *Status) { s.Transitions++ })
	o.log.Info("address changed", zap.String("old_url", oldURL), zap.String("new_url", newURL))

	halt := false
	if rule, ok := o.opts.Catalog.ClassifyTransition(oldURL, newURL); ok {
		t := Transition{Rule: rule, OldURL: oldURL, NewURL: newURL}
		res, handled := o.opts.Registry.HandleTransition(ctx, t, o.driver, o.log)
		switch {
		case !handled:
			halt = o.escalate(ctx, rule.ID, []string{rule.Predicate()}, newURL, ReasonNoHandler,
				fmt.Sprintf("No handler registered for %s", rule.ID))
		case res.Notify:
			ev := newEvent(EventChallengeDetected, o.opts.SessionID, time.Now())
			ev.OldURL, ev.NewURL, ev.Message = oldURL, newURL, res.Message
			o.emit(ctx, ev)
		}
	}

	o.mu.Lock()
	o.status.LastURL = newURL
	o.mu.Unlock()

	ev := newEvent(EventURLChange, o.opts.SessionID, time.Now())
	ev.OldURL, ev.NewURL = oldURL, newURL
	o.emit(ctx, ev)
	return halt
}

// escalate emits manual_intervention and applies the escalation policy.
func (o *Observer) escalate(ctx context.Context, c Category, patterns []string, url, reason, message string) bool {
	now := time.Now()
	ev := newEvent(EventManualIntervention, o.opts.SessionID, now)
	ev.Message = message
	ev.Escalation = &Escalation{
		Category:  c,
		Patterns:  patterns,
		URL:       url,
		Timestamp: now,
		Message:   message,
		Reason:    reason,
	}
	o.log.Warn("manual intervention required", zap.String("dialog", string(c)), zap.String("reason", reason), zap.String("url", url))
	o.bump(func(s *Status) { s.Escalations++ })
	o.emit(ctx, ev)

	if o.opts.Policy != PolicyStop {
		return false
	}
	o.bump(func(s *Status) { s.HaltReason = fmt.Sprintf("%s: %s", c, reason) })
	return true
}

// emit delivers ev unless the loop is shutting down. A panicking callback is
// logged and does not end the loop.
func (o *Observer) emit(ctx context.Context, ev Event) {
	if o.callback == nil || ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("event callback panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	o.callback(ev)
}

func (o *Observer) readURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.opts.ProbeTimeout)
	defer cancel()
	return o.driver.CurrentURL(ctx)
}

func (o *Observer) bump(fn func(*Status)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}
