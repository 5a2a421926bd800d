package observer

import "context"

// ProbeResult reports what a structural query found on the current page.
type ProbeResult struct {
	Present bool `json:"present"`
	Visible bool `json:"visible"`
}

// Driver is the browser-control handle the observer polls and acts through.
// It is shared with the caller's own scripts; implementations must tolerate
// concurrent use and should return promptly once ctx is done.
type Driver interface {
	// CurrentURL returns the address of the controlled page.
	CurrentURL(ctx context.Context) (string, error)
	// Probe evaluates a structural query. Visible is true when at least one
	// matching element is rendered.
	Probe(ctx context.Context, p Probe) (ProbeResult, error)
	// Click clicks the first visible element matched by p.
	Click(ctx context.Context, p Probe) error
	// PressEscape sends a single dismiss keystroke to the page.
	PressEscape(ctx context.Context) error
	NavigateBack(ctx context.Context) error
	Reload(ctx context.Context) error
	// Repaint forces the page to render (e.g. by capturing a screenshot)
	// before presence checks run.
	Repaint(ctx context.Context) error
}
