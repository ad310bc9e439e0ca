package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcode/amaloop/internal/badge"
	"github.com/mrcode/amaloop/internal/config"
	"github.com/mrcode/amaloop/internal/constraints"
	"github.com/mrcode/amaloop/internal/determinebasal"
	"github.com/mrcode/amaloop/internal/history"
	"github.com/mrcode/amaloop/internal/loop"
	"github.com/mrcode/amaloop/internal/mqtt"
	"github.com/mrcode/amaloop/internal/nightscout"
	"github.com/mrcode/amaloop/internal/notifications"
	"github.com/mrcode/amaloop/internal/prediction"
	"github.com/mrcode/amaloop/internal/sources"
)

// stateClearer is a sink that remembers what it already sent
type stateClearer interface {
	ClearState()
}

// app is the wired loop with its data source and sinks
type app struct {
	log        *zap.Logger
	client     *nightscout.Client
	cache      *sources.Cache
	desktop    stateClearer
	controller *loop.Controller
	bus        *notifications.Bus
	history    *history.Store
	retention  time.Duration

	mu        sync.Mutex
	lastEvent *loop.Event

	closers []func() error
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	age, err := cfg.AgeGroup()
	if err != nil {
		return nil, err
	}

	a := &app{log: log, retention: cfg.GetRetention()}

	ns := cfg.Nightscout
	a.client = nightscout.NewClient(ns.URL, ns.APISecret, ns.APIToken, ns.UseToken)
	a.cache = sources.NewCache(a.client, sources.CacheOptions{
		Lookback:    cfg.GetLookback(),
		ProfileName: ns.Profile,
		Logger:      log,
	})

	pcfg := prediction.DefaultConfig()
	p := cfg.Prediction
	pcfg.InsulinPeakMinutes = p.InsulinPeakMinutes
	pcfg.CarbAbsorptionMinutes = p.CarbAbsorptionMinutes
	pcfg.Min5mCarbImpact = p.Min5mCarbImpact
	pcfg.AutosensMin = p.AutosensMin
	pcfg.AutosensMax = p.AutosensMax

	s := cfg.Safety
	policy := constraints.New(constraints.Settings{
		AgeGroup:                     age,
		MaxBasal:                     s.MaxBasal,
		MaxIob:                       s.MaxIob,
		MaxDailySafetyMultiplier:     s.MaxDailySafetyMultiplier,
		CurrentBasalSafetyMultiplier: s.CurrentBasalSafetyMultiplier,
		AutosensEnabled:              s.AutosensEnabled,
	}, log)

	a.bus = notifications.NewBus(log.Named("notifications"))
	a.bus.Add("cli", notifications.SinkFunc(a.record))
	a.addSinks(cfg.Notifications)
	if cfg.History.Enabled {
		path, err := cfg.HistoryPath()
		if err != nil {
			return nil, err
		}
		if a.history, err = history.Open(path); err != nil {
			_ = a.Close()
			return nil, err
		}
		a.bus.Add("history", a.history)
		a.closers = append(a.closers, a.history.Close)
	}

	a.controller = loop.NewController(loop.Deps{
		Profiles:    a.cache,
		Pumps:       sources.NewVirtualPump(a.cache, cfg.Pump.Connected, cfg.Pump.TempBasalCapable),
		Constraints: policy,
		Glucose:     prediction.NewGlucoseReader(a.cache, pcfg),
		Iob:         prediction.NewIobCalculator(a.cache, pcfg),
		Meals:       prediction.NewMealCalculator(a.cache, pcfg),
		Sensitivity: prediction.NewAutosensDetector(a.cache, pcfg),
		TempTargets: a.cache,
		TempBasals:  a.cache,
		Algorithm:   determinebasal.New(log),
		Bus:         a.bus,
	}, loop.Options{
		Enabled:           cfg.Loop.Enabled,
		AgeGroup:          age,
		AlgorithmTimeout:  cfg.GetAlgorithmTimeout(),
		PreserveOnFailure: cfg.Loop.PreserveOnFailure,
		Logger:            log,
	})
	return a, nil
}

// addSinks registers the configured notification sinks. A sink that
// cannot start is logged and skipped.
func (a *app) addSinks(n config.NotificationsConfig) {
	if n.MQTT.Enabled {
		pub, err := mqtt.NewRealPublisher(n.MQTT.Broker, n.MQTT.ClientID, n.MQTT.TopicPrefix)
		if err != nil {
			a.log.Warn("MQTT disabled", zap.String("broker", n.MQTT.Broker), zap.Error(err))
		} else {
			a.bus.Add("mqtt", notifications.SinkFunc(pub.Publish))
			a.closers = append(a.closers, pub.Close)
		}
	}
	if n.Desktop.Enabled {
		desktop := notifications.NewDesktop(desktopSettings(n.Desktop))
		a.bus.Add("desktop", desktop)
		a.desktop = desktop
	}
	if n.Critical.Enabled {
		critical, err := notifications.NewCritical()
		if err != nil {
			a.log.Warn("Critical alerts disabled", zap.Error(err))
		} else {
			a.bus.Add("critical", critical)
			a.closers = append(a.closers, critical.Close)
		}
	}
	if n.Badge.Enabled {
		a.bus.Add("badge", badge.New(n.Badge.Path, n.Badge.Format))
	}
}

func desktopSettings(d config.DesktopConfig) notifications.DesktopSettings {
	return notifications.DesktopSettings{
		NotifyDecisions: d.NotifyDecisions,
		NotifyFailures:  d.NotifyFailures,
		RepeatMinutes:   d.RepeatMinutes,
	}
}

// preflight checks that Nightscout answers with the configured credentials
func (a *app) preflight(ctx context.Context) error {
	if err := a.client.TestConnection(ctx); err != nil {
		return fmt.Errorf("nightscout unreachable: %w", err)
	}
	return nil
}

// cycle refreshes the data and runs one decision cycle. A failed refresh
// keeps the cached data; the controller decides whether it is usable.
func (a *app) cycle(ctx context.Context, initiator string) {
	if err := a.cache.Refresh(ctx); err != nil {
		a.log.Warn("Nightscout refresh failed", zap.Time("dataFrom", a.cache.FetchedAt()), zap.Error(err))
	}
	a.controller.InvokeContext(ctx, initiator, false)

	if a.history != nil {
		if n, err := a.history.Prune(ctx, a.retention); err != nil {
			a.log.Warn("History prune failed", zap.Error(err))
		} else if n > 0 {
			a.log.Debug("History pruned", zap.Int64("records", n))
		}
	}
}

// apply takes over the settings that may change while running. The next
// cycle refetches its data and desktop repeat suppression starts over.
func (a *app) apply(cfg *config.Config) {
	a.controller.SetEnabled(cfg.Loop.Enabled)
	a.cache.Invalidate()
	if a.desktop != nil {
		a.desktop.ClearState()
	}
	a.log.Info("Settings applied", zap.Bool("enabled", cfg.Loop.Enabled))
}

func (a *app) record(event loop.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastEvent = &event
	return nil
}

// LastEvent returns the event of the last cycle, nil before the first
func (a *app) LastEvent() *loop.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEvent
}

func (a *app) Close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
