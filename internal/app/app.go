// Package app wires the engine together: storage, ledger, pricing,
// moderation, queue, dispatcher, broadcaster and the chat transport, plus
// config hot reload and background maintenance.
package app

import (
	"context"

	"genbot/internal/config"
	"genbot/internal/core"
	"genbot/internal/dispatch"
	"genbot/internal/eventbus"
	"genbot/internal/ledger"
	"genbot/internal/model"
	"genbot/internal/moderation"
	"genbot/internal/pricing"
	"genbot/internal/provider"
	"genbot/internal/queue"
	rtsup "genbot/internal/runtime/supervisor"
	"genbot/internal/services/broadcast"
	"genbot/internal/storage"
	telegram "genbot/internal/transport/telegram"
	logx "genbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	credits   *ledger.Service
	prices    *pricing.Table
	mods      *moderation.Store
	jobs      *queue.Service
	providers *provider.Registry
	disp      *dispatch.Service
	caster    *broadcast.Service
	engine    *core.Engine
	bot       *telegram.Bot

	maint *maintenance
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	credits := ledger.New(store, log.With(logx.String("comp", "ledger")))
	prices := pricing.New(store, log.With(logx.String("comp", "pricing")))
	mods := moderation.New(store, log.With(logx.String("comp", "moderation")))

	jobs := queue.New(mapQueueConfig(cfg), credits, prices, mods, store, bus,
		log.With(logx.String("comp", "queue")))

	providers := provider.NewRegistry()
	if err := registerProviders(cfg, providers, log); err != nil {
		return nil, err
	}

	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dcfg, jobs, credits, providers, bus,
		log.With(logx.String("comp", "dispatch")))

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}

	// The bot is both the command surface and the broadcast sender, so it is
	// built before the broadcaster.
	a := &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		credits:   credits,
		prices:    prices,
		mods:      mods,
		jobs:      jobs,
		providers: providers,
		disp:      disp,
	}

	a.caster = broadcast.New(mapBroadcastConfig(cfg), store, senderFunc(a.send), bus,
		log.With(logx.String("comp", "broadcast")))

	a.engine = core.New(store, credits, prices, mods, jobs, a.caster,
		log.With(logx.String("comp", "core")))

	bot, err := telegram.New(tcfg, a.engine, bus, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	a.bot = bot

	a.maint = newMaintenance(a, cfg.Maintenance)
	return a, nil
}

// senderFunc adapts App.send to the broadcast sender interface. Indirection
// is needed because the bot is constructed after the broadcaster.
type senderFunc func(ctx context.Context, userID int64, message string) error

func (f senderFunc) Send(ctx context.Context, userID int64, message string) error {
	return f(ctx, userID, message)
}

func (a *App) send(ctx context.Context, userID int64, message string) error {
	return a.bot.Send(ctx, userID, message)
}

func registerProviders(cfg *config.Config, reg *provider.Registry, log logx.Logger) error {
	if cfg.Provider.BaseURL == "" {
		// No backend configured: text jobs run against the local provider so
		// the pipeline stays usable in development.
		reg.Register("text", provider.Echo{})
		log.Warn("no provider backend configured; only text jobs will run")
		return nil
	}
	poll, err := cfg.Provider.PollInterval.Value("provider.poll_interval")
	if err != nil {
		return err
	}
	api, err := provider.NewHTTP(provider.HTTPConfig{
		BaseURL:      cfg.Provider.BaseURL,
		Token:        cfg.Provider.Token,
		PollInterval: poll,
	}, log.With(logx.String("comp", "provider")))
	if err != nil {
		return err
	}
	for _, t := range model.JobTypes {
		reg.Register(t, api)
	}
	return nil
}

// Done is closed on fatal error or Stop().
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	sctx := a.sup.Context()

	// Restore in-memory state from storage before anything runs.
	if err := a.credits.Load(sctx); err != nil {
		return err
	}
	if err := a.prices.Load(sctx); err != nil {
		return err
	}
	if err := a.seedPrices(sctx); err != nil {
		return err
	}
	if err := a.mods.Load(sctx); err != nil {
		return err
	}

	// Settle jobs interrupted by the previous shutdown before the dispatcher
	// can pick anything up.
	if err := a.recoverInterrupted(sctx); err != nil {
		return err
	}

	a.disp.Start(sctx)
	a.caster.Start(sctx)
	if err := a.caster.Resume(sctx); err != nil {
		a.log.Warn("broadcast resume failed", logx.Err(err))
	}
	if err := a.bot.Start(sctx); err != nil {
		return err
	}
	a.maint.start(sctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest config matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, cfg)
				lastApplied = cfg
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyConfig pushes a validated config update into the running services.
// Storage, provider and telegram changes need a restart and are only logged.
func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.jobs.Apply(mapQueueConfig(cfg))
	if dcfg, err := mapDispatchConfig(cfg); err == nil {
		a.disp.Apply(ctx, dcfg)
	}
	a.caster.Apply(mapBroadcastConfig(cfg))

	if prev != nil {
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required")
		}
		if prev.Provider != cfg.Provider {
			a.log.Warn("provider config changed; restart required")
		}
		if prev.Telegram.Token != cfg.Telegram.Token {
			a.log.Warn("telegram token changed; restart required")
		}
	}
	a.log.Info("config applied")
}

// seedPrices applies the config pricing block for types that have never been
// priced through the admin surface. Runtime price changes win afterwards.
func (a *App) seedPrices(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Pricing) == 0 {
		return nil
	}
	persisted, err := a.store.LoadPrices(ctx)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, p := range persisted {
		seen[string(p.Code)] = true
	}
	for code, price := range cfg.Pricing {
		if seen[code] {
			continue
		}
		jt, ok := model.ParseJobType(code)
		if !ok {
			return pricing.ErrUnknownType
		}
		if err := a.prices.SetPrice(ctx, jt, price); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.maint != nil {
		a.maint.stop()
	}
	if a.bot != nil {
		_ = a.bot.Stop(ctx)
	}
	if a.caster != nil {
		a.caster.Stop(ctx)
	}
	if a.disp != nil {
		a.disp.Stop(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
