package observer

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// TransitionRule matches a new address when it contains any of ContainsAny
// and none of ExcludesAny.
type TransitionRule struct {
	ID          Category `yaml:"id" json:"id"`
	ContainsAny []string `yaml:"contains_any" json:"contains_any"`
	ExcludesAny []string `yaml:"excludes_any,omitempty" json:"excludes_any,omitempty"`
}

// Matches evaluates the rule against an address change.
func (r TransitionRule) Matches(_, newURL string) bool {
	for _, marker := range r.ExcludesAny {
		if strings.Contains(newURL, marker) {
			return false
		}
	}
	for _, marker := range r.ContainsAny {
		if strings.Contains(newURL, marker) {
			return true
		}
	}
	return false
}

// Predicate renders the rule for escalation records.
func (r TransitionRule) Predicate() string {
	s := "contains any of [" + strings.Join(r.ContainsAny, ", ") + "]"
	if len(r.ExcludesAny) > 0 {
		s += " and none of [" + strings.Join(r.ExcludesAny, ", ") + "]"
	}
	return s
}

// Transition is a classified address change.
type Transition struct {
	Rule   TransitionRule
	OldURL string
	NewURL string
}

// ClassifyTransition returns the first transition rule matching an address
// change. It returns false when the address did not change.
func (c *Catalog) ClassifyTransition(oldURL, newURL string) (TransitionRule, bool) {
	if oldURL == newURL {
		return TransitionRule{}, false
	}
	for _, r := range c.Transitions {
		if r.Matches(oldURL, newURL) {
			return r, true
		}
	}
	return TransitionRule{}, false
}

// TransitionResult describes what a transition handler did.
type TransitionResult struct {
	Action  string
	Notify  bool
	Message string
}

// TransitionHandler reacts to a classified address change.
type TransitionHandler interface {
	HandleTransition(ctx context.Context, d Driver, t Transition, log *zap.Logger) TransitionResult
}

// NoteTransition logs the change and takes no action.
func NoteTransition() TransitionHandler { return noteTransition{} }

// NotifyTransition asks the observer to emit challenge_detected with message.
func NotifyTransition(message string) TransitionHandler {
	return notifyTransition{message: message}
}

// BackTransition navigates back once and pauses.
func BackTransition(settle time.Duration) TransitionHandler { return backTransition{settle: settle} }

// ReloadTransition reloads the page and pauses.
func ReloadTransition(settle time.Duration) TransitionHandler {
	return reloadTransition{settle: settle}
}

type noteTransition struct{}

func (noteTransition) HandleTransition(_ context.Context, _ Driver, t Transition, log *zap.Logger) TransitionResult {
	log.Info("address transition observed", zap.String("old_url", t.OldURL), zap.String("new_url", t.NewURL))
	return TransitionResult{Action: "none"}
}

type notifyTransition struct {
	message string
}

func (n notifyTransition) HandleTransition(_ context.Context, _ Driver, t Transition, log *zap.Logger) TransitionResult {
	log.Warn("challenge redirect detected", zap.String("old_url", t.OldURL), zap.String("new_url", t.NewURL))
	return TransitionResult{Action: "notify", Notify: true, Message: n.message}
}

type backTransition struct {
	settle time.Duration
}

func (b backTransition) HandleTransition(ctx context.Context, d Driver, t Transition, log *zap.Logger) TransitionResult {
	log.Warn("blocked page detected, navigating back", zap.String("new_url", t.NewURL))
	if err := d.NavigateBack(ctx); err != nil {
		log.Debug("navigate back failed", zap.Error(err))
	}
	_ = pause(ctx, b.settle)
	return TransitionResult{Action: "back"}
}

type reloadTransition struct {
	settle time.Duration
}

func (r reloadTransition) HandleTransition(ctx context.Context, d Driver, t Transition, log *zap.Logger) TransitionResult {
	log.Warn("error page detected, reloading", zap.String("new_url", t.NewURL))
	if err := d.Reload(ctx); err != nil {
		log.Debug("reload failed", zap.Error(err))
	}
	_ = pause(ctx, r.settle)
	return TransitionResult{Action: "reload"}
}
