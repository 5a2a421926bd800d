package main

import (
	"context"
	"errors"
	"fmt"

	"screenwatch-mcp-server/internal/browser"
	"screenwatch-mcp-server/internal/config"
	"screenwatch-mcp-server/internal/logging"
	"screenwatch-mcp-server/internal/mangle"
	"screenwatch-mcp-server/internal/monitor"
	"screenwatch-mcp-server/internal/observer"
	"screenwatch-mcp-server/internal/recorder"

	"go.uber.org/zap"
)

// app holds the long-lived components shared by serve and watch.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	engine   *mangle.Engine
	recorder *recorder.Recorder
	sessions *browser.SessionManager
	monitor  *monitor.Manager
}

func newApp(cfg config.Config, log *zap.Logger, onEvent observer.Callback) (*app, error) {
	if log == nil {
		log = logging.New(cfg.Logging)
	}

	engine, err := mangle.NewEngine(cfg.Mangle, log)
	if err != nil {
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.NewRecorder(cfg.Recorder.Dir, recorder.DefaultMaxTraces)
		if err != nil {
			return nil, fmt.Errorf("initialize recorder: %w", err)
		}
	}

	catalog, err := monitor.LoadCatalog(cfg.Observer.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	sessions := browser.NewSessionManager(cfg.Browser, engine, log)
	mon, err := monitor.NewManager(cfg.Observer, catalog, monitor.Deps{
		Drivers: func(sessionID string) (observer.Driver, error) {
			d, err := sessions.Driver(sessionID)
			if err != nil {
				return nil, err
			}
			return d, nil
		},
		Facts:    engine,
		Recorder: rec,
		Logger:   log,
		OnEvent:  onEvent,
	})
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return nil, fmt.Errorf("initialize monitor: %w", err)
	}

	return &app{
		cfg:      cfg,
		log:      log,
		engine:   engine,
		recorder: rec,
		sessions: sessions,
		monitor:  mon,
	}, nil
}

// Close stops observers before the browser goes away, then flushes traces
// and logs.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if err := a.monitor.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("stop observers: %w", err))
	}
	if a.sessions.IsConnected() {
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown browser: %w", err))
		}
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recorder: %w", err))
		}
	}
	logging.Sync(a.log)
	return errors.Join(errs...)
}
