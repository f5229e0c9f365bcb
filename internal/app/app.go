package app

import (
	"context"
	"fmt"
	"time"

	"execcore/internal/config"
	"execcore/internal/events"
	"execcore/internal/gateway/broker"
	"execcore/internal/gateway/notifier"
	"execcore/internal/ledger"
	"execcore/internal/logger"
	"execcore/internal/phase"
	"execcore/internal/reconcile"
	"execcore/internal/risk"
	"execcore/internal/router"
	"execcore/internal/store"
	httpapi "execcore/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App owns the wired core and its background loops.
type App struct {
	cfg        *config.Config
	store      store.Store
	bus        *events.Bus
	venues     *broker.Registry
	phase      *phase.Manager
	ledger     *ledger.Ledger
	breaker    *risk.Breaker
	monitor    *risk.Monitor
	reconciler *reconcile.Engine
	router     *router.Router
	server     *httpapi.Server
	forwarder  *notifier.Forwarder
	Summary    *StartupSummary
}

// NewApp builds the application from cfg without starting it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Run serves HTTP and drives the equity monitor, the intent sweeper, the
// reconciler and the alert forwarder until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error { return a.monitor.Run(ctx) })
	group.Go(func() error {
		return a.ledger.RunSweeper(ctx, time.Duration(a.cfg.Ledger.ExpirySweepSeconds)*time.Second)
	})
	if a.reconciler != nil {
		group.Go(func() error { return a.reconciler.Run(ctx) })
	}
	if a.forwarder != nil {
		group.Go(func() error { return a.forwarder.Run(ctx) })
	}
	return group.Wait()
}

// Close stops the symbol actors and releases the store. It is safe to call
// more than once.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.ledger != nil {
		a.ledger.Stop()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("app: closing store: %v", err)
		}
		a.store = nil
	}
}

// Router is the single signal ingress, exposed for embedding and tests.
func (a *App) Router() *router.Router { return a.router }

func (a *App) Ledger() *ledger.Ledger { return a.ledger }

func (a *App) Breaker() *risk.Breaker { return a.breaker }

func (a *App) Monitor() *risk.Monitor { return a.monitor }

func (a *App) Server() *httpapi.Server { return a.server }
