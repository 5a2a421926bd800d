package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier(t *testing.T) {
	c := NewClassifier(DefaultCatalog(), 0)
	ctx := context.Background()

	t.Run("empty page", func(t *testing.T) {
		_, ok := c.Classify(ctx, newFakeDriver(""))
		assert.False(t, ok)
	})

	t.Run("site tier wins over generic", func(t *testing.T) {
		d := newFakeDriver("")
		d.show("//div[@role='dialog']", "//div[contains(text(), 'suspended')]")
		m, ok := c.Classify(ctx, d)
		require.True(t, ok)
		assert.Equal(t, CategoryAccountSuspended, m.Category)
		assert.Equal(t, TierSite, m.Tier)
	})

	t.Run("catalog order decides between site categories", func(t *testing.T) {
		d := newFakeDriver("")
		d.show("//div[contains(text(), 'Try again later')]", "//div[contains(text(), 'Log in to continue')]")
		m, ok := c.Classify(ctx, d)
		require.True(t, ok)
		assert.Equal(t, CategoryLoginRequired, m.Category)
	})

	t.Run("hidden element does not match", func(t *testing.T) {
		d := newFakeDriver("")
		d.hidden["//iframe[contains(@src, 'recaptcha')]"] = true
		_, ok := c.Classify(ctx, d)
		assert.False(t, ok)
	})

	t.Run("probe error is absence", func(t *testing.T) {
		d := newFakeDriver("")
		d.probeErr["//div[contains(text(), 'security check')]"] = errors.New("execution context destroyed")
		d.show("//div[contains(@class, 'backdrop')]")
		m, ok := c.Classify(ctx, d)
		require.True(t, ok)
		assert.Equal(t, CategoryOverlay, m.Category)
		assert.Equal(t, TierGeneric, m.Tier)
	})

	t.Run("match carries the category patterns", func(t *testing.T) {
		d := newFakeDriver("")
		d.show("//div[contains(@class, 'popup')]")
		m, ok := c.Classify(ctx, d)
		require.True(t, ok)
		assert.Equal(t, CategoryPopupModal, m.Category)
		assert.Equal(t, "//div[contains(@class, 'popup')]", m.Probe.Expr)
		assert.Len(t, m.Patterns, 3)
	})

	t.Run("cancelled context returns no match", func(t *testing.T) {
		d := newFakeDriver("")
		d.show("//div[@role='dialog']")
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, ok := c.Classify(cctx, d)
		assert.False(t, ok)
	})
}
