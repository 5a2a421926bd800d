package observer

import (
	"context"
	"time"
)

// Match is the single dialog category the classifier picked for a cycle.
type Match struct {
	Category Category `json:"category"`
	Tier     Tier     `json:"tier"`
	Probe    Probe    `json:"probe"`
	Patterns []Probe  `json:"patterns"`
}

// Classifier evaluates a catalog against the live page.
type Classifier struct {
	catalog      *Catalog
	probeTimeout time.Duration
}

// NewClassifier binds a classifier to a catalog. A non-positive probeTimeout
// leaves probes bounded only by the caller's context.
func NewClassifier(catalog *Catalog, probeTimeout time.Duration) *Classifier {
	return &Classifier{catalog: catalog, probeTimeout: probeTimeout}
}

// Classify returns the first category with a present and visible probe.
// Site categories win over generic ones; at most one category is returned.
func (c *Classifier) Classify(ctx context.Context, d Driver) (Match, bool) {
	for _, tier := range []Tier{TierSite, TierGeneric} {
		for _, cat := range c.catalog.Tier(tier) {
			for _, p := range cat.Probes {
				if ctx.Err() != nil {
					return Match{}, false
				}
				if c.visible(ctx, d, p) {
					return Match{Category: cat.ID, Tier: tier, Probe: p, Patterns: cat.Probes}, true
				}
			}
		}
	}
	return Match{}, false
}

// visible treats evaluation errors and timeouts as absence.
func (c *Classifier) visible(ctx context.Context, d Driver, p Probe) bool {
	if c.probeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.probeTimeout)
		defer cancel()
	}
	res, err := d.Probe(ctx, p)
	if err != nil {
		return false
	}
	return res.Present && res.Visible
}
