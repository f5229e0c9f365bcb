// Package router is the single ingress of the core: route(signal).
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"execcore/internal/logger"
	"execcore/internal/types"
)

// Handler processes an admitted, phase-eligible signal for one source.
type Handler interface {
	Handle(ctx context.Context, sig types.Signal) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sig types.Signal) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, sig types.Signal) (any, error) { return f(ctx, sig) }

// Admitter is the replay guard.
type Admitter interface {
	Admit(sig types.Signal) error
}

// PhaseGate is the subset of the phase manager routing depends on. Routing
// never looks at equity.
type PhaseGate interface {
	CurrentPhase() int
	PhaseForSource(source string) (int, bool)
	ValidateSignal(strategyType string) bool
}

// Result is what route returns to the caller.
type Result struct {
	Accepted bool       `json:"accepted"`
	Result   any        `json:"result,omitempty"`
	Reason   types.Code `json:"reason,omitempty"`
	Detail   string     `json:"detail,omitempty"`
}

func rejected(err error) Result {
	res := Result{Accepted: false, Detail: err.Error()}
	if code := types.CodeOf(err); code != "" {
		res.Reason = code
	} else {
		res.Reason = types.CodeHandlerFailed
	}
	return res
}

// Router keeps one handler per source.
type Router struct {
	guard Admitter
	phase PhaseGate

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(guard Admitter, phase PhaseGate) *Router {
	return &Router{
		guard:    guard,
		phase:    phase,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a source. A source may be registered once.
func (r *Router) Register(source string, h Handler) error {
	key := normalizeSource(source)
	if key == "" || h == nil {
		return fmt.Errorf("router: source and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("router: handler for %s already registered", key)
	}
	r.handlers[key] = h
	logger.Debugf("router: registered handler for %s", key)
	return nil
}

// Sources lists the registered sources.
func (r *Router) Sources() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for src := range r.handlers {
		out = append(out, src)
	}
	return out
}

// Route admits, phase-gates and dispatches a signal. It never panics and
// never drops a signal silently: every path yields a Result.
func (r *Router) Route(ctx context.Context, sig types.Signal) Result {
	sig.Symbol = types.NormalizeSymbol(sig.Symbol)
	if err := r.guard.Admit(sig); err != nil {
		logger.Debugf("router: %s %s rejected by guard: %v", sig.Type, sig.SignalID, err)
		return rejected(err)
	}

	current := r.phase.CurrentPhase()
	if current == 0 {
		return rejected(types.Reject(types.CodePhaseNotDetermined, "Phase not determined"))
	}
	sourcePhase, ok := r.phase.PhaseForSource(sig.Source)
	if !ok {
		return rejected(types.Reject(types.CodeUnknownSource, "source %q has no phase mapping", sig.Source))
	}
	if sourcePhase != current {
		return rejected(types.Reject(types.CodePhaseMismatch, "source %s is phase %d, current phase %d", sig.Source, sourcePhase, current))
	}
	if st := strings.TrimSpace(sig.StrategyType); st != "" && !r.phase.ValidateSignal(st) {
		return rejected(types.Reject(types.CodePhaseMismatch, "strategy %s not permitted in phase %d", st, current))
	}

	r.mu.RLock()
	h, ok := r.handlers[normalizeSource(sig.Source)]
	r.mu.RUnlock()
	if !ok {
		return rejected(types.Reject(types.CodeUnknownSource, "no handler for source %q", sig.Source))
	}

	out, err := r.invoke(ctx, h, sig)
	if err != nil {
		var rej *types.Rejection
		if errors.As(err, &rej) {
			logger.Infof("router: %s %s rejected: %v", sig.Type, sig.SignalID, err)
		} else {
			logger.Errorf("router: %s %s handler failed: %v", sig.Type, sig.SignalID, err)
		}
		return rejected(err)
	}
	return Result{Accepted: true, Result: out}
}

func (r *Router) invoke(ctx context.Context, h Handler, sig types.Signal) (out any, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("router: handler panic for %s: %v", sig.SignalID, rec)
			debug.PrintStack()
			err = fmt.Errorf("handler panic: %v", rec)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("router: slow handler %s %s took %v", sig.Type, sig.SignalID, dur)
		}
	}()
	return h.Handle(ctx, sig)
}

func normalizeSource(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
