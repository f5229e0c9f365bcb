// Package paper is an in-memory broker. It nets fills into one position per
// symbol and marks equity against the last known price.
package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"execcore/internal/gateway/broker"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"

	"github.com/google/uuid"
)

// OrderHook may replace the outcome of an order. Returning handled=false
// lets the broker fill normally.
type OrderHook func(req broker.OrderRequest) (res broker.OrderResult, handled bool, err error)

type Config struct {
	Name           string
	StartingEquity float64
	SlippageBps    float64
	Prices         map[string]float64
}

type Broker struct {
	name        string
	slippageBps float64

	mu        sync.Mutex
	cash      float64
	prices    map[string]float64
	positions map[string]*types.BrokerPosition
	orders    []broker.OrderRequest
	hook      OrderHook
	equityOvr *float64
}

var _ broker.Gateway = (*Broker)(nil)

func New(cfg Config) *Broker {
	name := cfg.Name
	if name == "" {
		name = "paper"
	}
	b := &Broker{
		name:        name,
		slippageBps: cfg.SlippageBps,
		cash:        cfg.StartingEquity,
		prices:      make(map[string]float64),
		positions:   make(map[string]*types.BrokerPosition),
	}
	for sym, px := range cfg.Prices {
		b.prices[types.NormalizeSymbol(sym)] = px
	}
	return b
}

func (b *Broker) Name() string { return b.name }

// SetPrice updates the mark used for fills without a reference price and
// for equity.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	b.prices[types.NormalizeSymbol(symbol)] = price
	b.mu.Unlock()
}

// SetHook installs an order hook; nil removes it.
func (b *Broker) SetHook(h OrderHook) {
	b.mu.Lock()
	b.hook = h
	b.mu.Unlock()
}

// OverrideEquity pins GetAccount's equity; nil restores mark-to-market.
func (b *Broker) OverrideEquity(v *float64) {
	b.mu.Lock()
	b.equityOvr = v
	b.mu.Unlock()
}

// SetPosition forces the broker-side position, simulating out-of-band
// activity. Size 0 removes it.
func (b *Broker) SetPosition(p types.BrokerPosition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sym := types.NormalizeSymbol(p.Symbol)
	if p.Size <= 0 {
		delete(b.positions, sym)
		return
	}
	p.Symbol = sym
	b.positions[sym] = &p
}

// Orders returns every order request the broker accepted, in order.
func (b *Broker) Orders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broker.OrderRequest(nil), b.orders...)
}

// NetExposure is the signed size of symbol: positive long, negative short.
func (b *Broker) NetExposure(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[types.NormalizeSymbol(symbol)]
	if !ok {
		return 0
	}
	return p.Side.Sign() * p.Size
}

func (b *Broker) SendOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return broker.OrderResult{}, err
	}
	req.Symbol = types.NormalizeSymbol(req.Symbol)
	if req.Size <= 0 {
		return broker.OrderResult{}, fmt.Errorf("paper: order size must be positive")
	}

	b.mu.Lock()
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		if res, handled, err := hook(req); handled {
			if err == nil && res.Filled {
				b.mu.Lock()
				b.orders = append(b.orders, req)
				b.applyLocked(req.Symbol, req.Side, res.FillSize, res.FillPrice)
				b.mu.Unlock()
			}
			return res, err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	px := req.RefPrice
	if px <= 0 {
		px = b.prices[req.Symbol]
	}
	if px <= 0 {
		return broker.OrderResult{}, fmt.Errorf("paper: no price for %s", req.Symbol)
	}
	size := req.Size
	if req.ReduceOnly {
		cur, ok := b.positions[req.Symbol]
		if !ok || cur.Side == req.Side {
			return broker.OrderResult{Success: true, BrokerOrderID: uuid.NewString()}, nil
		}
		if decmath.GT(size, cur.Size) {
			size = cur.Size
		}
	}
	slip := decmath.Div(b.slippageBps, 10000)
	if req.Side == types.SideLong {
		px = decmath.Mul(px, 1+slip)
	} else {
		px = decmath.Mul(px, 1-slip)
	}
	b.orders = append(b.orders, req)
	b.applyLocked(req.Symbol, req.Side, size, px)
	return broker.OrderResult{
		Success:       true,
		BrokerOrderID: uuid.NewString(),
		Filled:        true,
		FillPrice:     px,
		FillSize:      size,
	}, nil
}

// applyLocked nets a fill into the position and realizes pnl into cash.
func (b *Broker) applyLocked(symbol string, side types.Side, size, price float64) {
	b.prices[symbol] = price
	cur, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = &types.BrokerPosition{Symbol: symbol, Side: side, Size: size, EntryPrice: price}
		return
	}
	if cur.Side == side {
		cur.EntryPrice = decmath.WeightedAverage(cur.EntryPrice, cur.Size, price, size)
		cur.Size = decmath.Add(cur.Size, size)
		return
	}
	closed := size
	if decmath.GT(closed, cur.Size) {
		closed = cur.Size
	}
	pnl, _ := decmath.PnL(cur.Side.Sign(), cur.EntryPrice, price, closed)
	b.cash = decmath.Add(b.cash, pnl)
	cur.Size = decmath.Sub(cur.Size, closed)
	rest := decmath.Sub(size, closed)
	if decmath.IsZero(cur.Size) {
		delete(b.positions, symbol)
	}
	if rest > 0 && !decmath.IsZero(rest) {
		b.positions[symbol] = &types.BrokerPosition{Symbol: symbol, Side: side, Size: rest, EntryPrice: price}
	}
}

func (b *Broker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return ctx.Err()
}

func (b *Broker) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (b *Broker) GetAccount(ctx context.Context) (broker.Account, error) {
	if err := ctx.Err(); err != nil {
		return broker.Account{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	equity := b.cash
	var margin float64
	for sym, p := range b.positions {
		mark := b.prices[sym]
		if mark <= 0 {
			mark = p.EntryPrice
		}
		upnl, _ := decmath.PnL(p.Side.Sign(), p.EntryPrice, mark, p.Size)
		equity = decmath.Add(equity, upnl)
		margin = decmath.Add(margin, decmath.Mul(p.Size, p.EntryPrice))
	}
	if b.equityOvr != nil {
		equity = *b.equityOvr
	}
	return broker.Account{Equity: equity, Cash: b.cash, MarginUsed: margin}, nil
}

func (b *Broker) CloseAllPositions(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sym, p := range b.positions {
		mark := b.prices[sym]
		if mark <= 0 {
			mark = p.EntryPrice
		}
		pnl, _ := decmath.PnL(p.Side.Sign(), p.EntryPrice, mark, p.Size)
		b.cash = decmath.Add(b.cash, pnl)
		delete(b.positions, sym)
	}
	return nil
}
