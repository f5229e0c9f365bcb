package trader

import (
	"context"

	"execcore/internal/types"
)

// SignalHandler processes one signal type. Each implementation owns one step
// of the PREPARE / CONFIRM / ABORT lifecycle.
type SignalHandler interface {
	Type() types.SignalType
	Handle(ctx context.Context, t *Trader, sig types.Signal) (Outcome, error)
}

// HandlerRegistry dispatches signals to their lifecycle handler.
type HandlerRegistry struct {
	handlers map[types.SignalType]SignalHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[types.SignalType]SignalHandler)}
}

// Register adds h, replacing any handler for the same type.
func (r *HandlerRegistry) Register(h SignalHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t types.SignalType) (SignalHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// RegisterDefaultHandlers registers the built-in lifecycle handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&PrepareHandler{})
	r.Register(&ConfirmHandler{})
	r.Register(&AbortHandler{})
}
