// Package broker is the capability surface the core needs from an exchange.
// Adapters translate it to a venue's wire protocol.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"execcore/internal/types"
)

// OrderRequest is a market order. Side is the direction of exposure the
// order adds: LONG buys, SHORT sells.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Size          float64
	// RefPrice is the price the caller expects; paper venues fill near it
	// and slippage is measured against it.
	RefPrice   float64
	ReduceOnly bool
}

type OrderResult struct {
	Success       bool
	BrokerOrderID string
	Filled        bool
	FillPrice     float64
	FillSize      float64
}

type Account struct {
	Equity     float64
	Cash       float64
	MarginUsed float64
}

type Gateway interface {
	Name() string
	SendOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetPositions(ctx context.Context) ([]types.BrokerPosition, error)
	GetAccount(ctx context.Context) (Account, error)
	CloseAllPositions(ctx context.Context) error
}

// Registry resolves venues by name. The primary venue carries the ledger's
// positions; others only host hedge legs.
type Registry struct {
	primary  string
	gateways map[string]Gateway
}

func NewRegistry(primary string, gws ...Gateway) (*Registry, error) {
	r := &Registry{primary: strings.ToLower(strings.TrimSpace(primary)), gateways: make(map[string]Gateway, len(gws))}
	for _, gw := range gws {
		if gw == nil {
			continue
		}
		key := strings.ToLower(gw.Name())
		if _, dup := r.gateways[key]; dup {
			return nil, fmt.Errorf("broker %s registered twice", key)
		}
		r.gateways[key] = gw
	}
	if _, ok := r.gateways[r.primary]; !ok {
		return nil, fmt.Errorf("primary broker %q not configured", primary)
	}
	return r, nil
}

func (r *Registry) Primary() Gateway {
	return r.gateways[r.primary]
}

func (r *Registry) Get(name string) (Gateway, bool) {
	if strings.TrimSpace(name) == "" {
		return r.Primary(), true
	}
	gw, ok := r.gateways[strings.ToLower(strings.TrimSpace(name))]
	return gw, ok
}

// Others returns every non-primary venue, sorted by name.
func (r *Registry) Others() []Gateway {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		if name != r.primary {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]Gateway, 0, len(names))
	for _, n := range names {
		out = append(out, r.gateways[n])
	}
	return out
}
