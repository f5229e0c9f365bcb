package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"execcore/internal/config"
	"execcore/internal/events"
	"execcore/internal/executor"
	"execcore/internal/gateway/binance"
	"execcore/internal/gateway/broker"
	"execcore/internal/gateway/notifier"
	"execcore/internal/gateway/paper"
	"execcore/internal/guard"
	"execcore/internal/ledger"
	"execcore/internal/logger"
	"execcore/internal/phase"
	"execcore/internal/reconcile"
	"execcore/internal/risk"
	"execcore/internal/router"
	"execcore/internal/store"
	"execcore/internal/store/gormstore"
	"execcore/internal/trader"
	httpapi "execcore/internal/transport/http"
)

type AppBuilder struct {
	cfg *config.Config

	storeFn    func(config.StoreConfig) (store.Store, error)
	venuesFn   func(config.BrokersConfig) ([]broker.Gateway, error)
	notifierFn func(config.NotifyConfig) (notifier.TextNotifier, error)
}

type AppBuilderOption func(*AppBuilder)

// WithStore replaces the configured database.
func WithStore(st store.Store) AppBuilderOption {
	return func(b *AppBuilder) {
		b.storeFn = func(config.StoreConfig) (store.Store, error) { return st, nil }
	}
}

// WithVenues replaces the configured brokers.
func WithVenues(gws ...broker.Gateway) AppBuilderOption {
	return func(b *AppBuilder) {
		b.venuesFn = func(config.BrokersConfig) ([]broker.Gateway, error) { return gws, nil }
	}
}

// WithNotifier replaces the Telegram sink.
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) (notifier.TextNotifier, error) { return n, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		storeFn:    openStore,
		venuesFn:   buildVenues,
		notifierFn: buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	bus := events.NewBus()
	recorder := events.NewRecorder(st, bus)

	phaseMgr, err := phase.NewManager(phaseConfig(cfg.Phase), st, bus)
	if err != nil {
		return nil, err
	}
	if snap, ok, err := st.LoadSystemState(ctx); err != nil {
		return nil, fmt.Errorf("load system state: %w", err)
	} else if ok {
		phaseMgr.Restore(snap.Equity, snap.Phase)
	}

	led := ledger.New(st, bus, ledger.Options{
		IntentTTL:         seconds(cfg.Ledger.IntentTTLSeconds),
		TerminalRetention: time.Duration(cfg.Ledger.TerminalRetentionMinutes) * time.Minute,
		TradeHistoryCap:   cfg.Ledger.TradeHistoryCap,
		MailboxSize:       cfg.Ledger.MailboxSize,
		SignalIDRetention: time.Duration(cfg.Ledger.SignalIDRetentionHours) * time.Hour,
		ActorIdleTimeout:  time.Duration(cfg.Ledger.ActorIdleMinutes) * time.Minute,
	})
	if err := led.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover ledger: %w", err)
	}

	gws, err := b.venuesFn(cfg.Brokers)
	if err != nil {
		return nil, err
	}
	venues, err := broker.NewRegistry(cfg.Execution.PrimaryVenue, gws...)
	if err != nil {
		return nil, err
	}

	exec := executor.New(executorConfig(cfg.Execution), venues, led, recorder)
	breaker := risk.NewBreaker(risk.Config{
		MaxDrawdownPct:    cfg.Risk.MaxDrawdownPct,
		EquityFloor:       cfg.Risk.EquityFloor,
		ConsecutiveLosses: cfg.Risk.ConsecutiveLosses,
		Cooldown:          time.Duration(cfg.Risk.CooldownMinutes) * time.Minute,
		StartArmed:        cfg.Risk.StartArmed,
	}, exec, st, recorder, bus)
	if err := breaker.Restore(ctx); err != nil {
		return nil, fmt.Errorf("restore breaker: %w", err)
	}
	led.OnTradeClosed(breaker.RecordTrade)

	equity := risk.NewEquityCache(seconds(cfg.Risk.EquityMaxAgeSeconds))
	monitor := risk.NewMonitor(venues.Primary(), equity, phaseMgr, breaker, seconds(cfg.Risk.EquityPollSeconds))

	var reconciler *reconcile.Engine
	if cfg.Reconcile.Enabled {
		reconciler = reconcile.New(led, venues.Primary(), recorder, seconds(cfg.Reconcile.IntervalSeconds))
	}

	tr := trader.New(led, exec, breaker, equity, phaseMgr)
	replay := guard.NewReplayGuard(time.Duration(cfg.Intake.StalenessMS)*time.Millisecond, cfg.Intake.ReplayCapacity)
	rt := router.New(replay, phaseMgr)
	sources := sortedSources(cfg.Phase.SourceMap)
	for _, src := range sources {
		if err := rt.Register(src, tr); err != nil {
			return nil, err
		}
	}

	server, err := buildHTTPServer(cfg, httpapi.Deps{
		Router:  rt,
		Ledger:  led,
		History: st,
		Breaker: breaker,
		Phase:   phaseMgr,
		Equity:  equity,
		Bus:     bus,
	}, reconciler)
	if err != nil {
		return nil, err
	}

	var forwarder *notifier.Forwarder
	sink, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return nil, err
	}
	if sink != nil {
		forwarder = notifier.NewForwarder(bus, sink)
	}

	app = &App{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		venues:     venues,
		phase:      phaseMgr,
		ledger:     led,
		breaker:    breaker,
		monitor:    monitor,
		reconciler: reconciler,
		router:     rt,
		server:     server,
		forwarder:  forwarder,
	}
	app.Summary = buildSummary(cfg, venues, sources, forwarder != nil)
	return app, nil
}

func buildHTTPServer(cfg *config.Config, deps httpapi.Deps, reconciler *reconcile.Engine) (*httpapi.Server, error) {
	schema, err := guard.NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	deps.Decoder = schema
	if secret := strings.TrimSpace(cfg.Security.HMACSecret); secret != "" {
		deps.Signature = guard.NewVerifier(secret)
		deps.Commands = guard.NewCommandVerifier(secret, seconds(cfg.Security.CommandToleranceSeconds), cfg.Security.Operators)
	}
	if reconciler != nil {
		deps.Reconcile = reconciler
	}
	return httpapi.NewServer(httpapi.ServerConfig{
		Addr:             cfg.App.HTTPAddr,
		RequireSignature: cfg.Security.RequireSignature,
	}, deps)
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	st, err := gormstore.Open(gormstore.Options{Driver: cfg.Driver, DSN: cfg.DSN, Path: cfg.Path})
	if err != nil {
		return nil, err
	}
	logger.Infof("✓ store ready (driver=%s)", cfg.Driver)
	return st, nil
}

func buildVenues(cfg config.BrokersConfig) ([]broker.Gateway, error) {
	var gws []broker.Gateway
	for _, p := range cfg.Paper {
		gws = append(gws, paper.New(paper.Config{
			Name:           p.Name,
			StartingEquity: p.StartingEquity,
			SlippageBps:    p.SlippageBps,
			Prices:         p.Prices,
		}))
	}
	if cfg.Binance.Enabled {
		gw, err := binance.New(binance.Config{
			Name:              cfg.Binance.Name,
			APIKey:            cfg.Binance.APIKey,
			APISecret:         cfg.Binance.APISecret,
			Testnet:           cfg.Binance.Testnet,
			RESTBaseURL:       cfg.Binance.RESTBaseURL,
			ProxyEnabled:      strings.TrimSpace(cfg.Binance.ProxyURL) != "",
			RESTProxyURL:      cfg.Binance.ProxyURL,
			QuantityPrecision: cfg.Binance.QuantityPrecision,
		})
		if err != nil {
			return nil, fmt.Errorf("binance gateway: %w", err)
		}
		gws = append(gws, gw)
	}
	if len(gws) == 0 {
		return nil, fmt.Errorf("no broker configured")
	}
	return gws, nil
}

func buildNotifier(cfg config.NotifyConfig) (notifier.TextNotifier, error) {
	if !cfg.Telegram.Enabled {
		return nil, nil
	}
	tg, err := notifier.NewTelegram(cfg.Telegram.BotToken, strconv.FormatInt(cfg.Telegram.ChatID, 10))
	if err != nil {
		return nil, err
	}
	return tg, nil
}

func phaseConfig(cfg config.PhaseConfig) phase.Config {
	tiers := make([]phase.Tier, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tiers = append(tiers, phase.Tier{
			Phase:       t.Phase,
			RiskPct:     t.RiskPct,
			MaxLeverage: t.MaxLeverage,
			Strategies:  append([]string(nil), t.Strategies...),
		})
	}
	return phase.Config{
		Thresholds: append([]float64(nil), cfg.Thresholds...),
		Tiers:      tiers,
		SourceMap:  cfg.SourceMap,
	}
}

func executorConfig(cfg config.ExecutionConfig) executor.Config {
	hedges := make([]executor.Hedge, 0, len(cfg.Hedges))
	for _, h := range cfg.Hedges {
		hedges = append(hedges, executor.Hedge{Symbol: h.Symbol, Venue: h.Venue, HedgeSymbol: h.HedgeSymbol})
	}
	return executor.Config{
		ClipThresholdUSD: cfg.ClipThresholdUSD,
		ClipCapUSD:       cfg.ClipCapUSD,
		ClipIntervalMin:  seconds(cfg.ClipIntervalMinSec),
		ClipIntervalMax:  seconds(cfg.ClipIntervalMaxSec),
		MaxSlippagePct:   cfg.MaxSlippagePct,
		LegTimeout:       time.Duration(cfg.LegTimeoutMS) * time.Millisecond,
		RetryAttempts:    cfg.RetryAttempts,
		RetryBackoff:     time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		RateLimitPerSec:  cfg.RateLimitPerSec,
		RateBurst:        cfg.RateBurst,
		Hedges:           hedges,
	}
}

func sortedSources(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for src := range m {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
