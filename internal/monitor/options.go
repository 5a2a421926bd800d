package monitor

import (
	"fmt"

	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/logging"
	"screenwatch-mcp-server/internal/observer"

	"go.uber.org/zap"
)

// TimingsFromConfig maps the observer section onto handler timings.
func TimingsFromConfig(cfg config.ObserverConfig) observer.Timings {
	return observer.Timings{
		Settle:            cfg.GetSettle(),
		LongSettle:        cfg.GetLongSettle(),
		ReloadSettle:      cfg.GetReloadSettle(),
		RateLimitCooldown: cfg.GetRateLimitCooldown(),
		ProbeTimeout:      cfg.GetProbeTimeout(),
		ActionTimeout:     cfg.GetActionTimeout(),
	}
}

// OptionsFromConfig builds observer options shared by every session. The
// caller fills SessionID and ActionLock per watch.
func OptionsFromConfig(cfg config.ObserverConfig, catalog *observer.Catalog, log *zap.Logger) (observer.Options, error) {
	policy, err := observer.ParsePolicy(cfg.EscalationPolicy)
	if err != nil {
		return observer.Options{}, err
	}
	if catalog == nil {
		catalog = observer.DefaultCatalog()
	}
	if err := catalog.Validate(); err != nil {
		return observer.Options{}, fmt.Errorf("catalog: %w", err)
	}

	return observer.Options{
		PollInterval:       cfg.GetPollInterval(),
		FaultBackoff:       cfg.GetFaultBackoff(),
		ProbeTimeout:       cfg.GetProbeTimeout(),
		JoinTimeout:        cfg.GetJoinTimeout(),
		LogLevel:           logging.ParseLevel(cfg.LogLevel),
		Logger:             log,
		Catalog:            catalog,
		Registry:           observer.DefaultRegistry(TimingsFromConfig(cfg)),
		Policy:             policy,
		RepaintBeforeProbe: cfg.RepaintBeforeProbe,
	}, nil
}

// LoadCatalog returns the catalog at path, or the built-in one when path is
// empty.
func LoadCatalog(path string) (*observer.Catalog, error) {
	if path == "" {
		return observer.DefaultCatalog(), nil
	}
	return observer.LoadCatalog(path)
}
