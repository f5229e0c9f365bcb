package executor

import (
	"context"
	"errors"
	"fmt"

	"execcore/internal/gateway/broker"
	"execcore/internal/logger"
	"execcore/internal/pkg/decmath"
	"execcore/internal/types"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ExecuteAtomic fills req, slicing it into clips when its notional exceeds
// the clip threshold. A clip whose pair breaks is compensated and ends the
// sequence, as does slippage above the bound or cancellation. The error is
// non-nil only for a request that could not be attempted at all.
func (e *Executor) ExecuteAtomic(ctx context.Context, req Request) (Result, error) {
	req.Symbol = types.NormalizeSymbol(req.Symbol)
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	primary, ok := e.venues.Get(req.Venue)
	if !ok {
		return Result{}, types.Reject(types.CodeBrokerError, "unknown venue %q", req.Venue)
	}
	var hedgeGW broker.Gateway
	hedge, hedged := e.cfg.hedgeFor(req.Symbol)
	if hedged {
		if hedgeGW, ok = e.venues.Get(hedge.Venue); !ok {
			return Result{}, types.Reject(types.CodeBrokerError, "unknown hedge venue %q", hedge.Venue)
		}
	}

	clips := e.planClips(req.Size, req.RefPrice)
	res := Result{Clips: len(clips)}
	if len(clips) > 1 {
		logger.Infof("executor: %s %s %.8f sliced into %d clips", req.Side, req.Symbol, req.Size, len(clips))
	}

	seqCtx, done := e.track(ctx, req.Symbol)
	defer done()

	var (
		vwap     decmath.VWAP
		slipSum  decimal.Decimal
		slipSeen int
	)
	for i, clipSize := range clips {
		if i > 0 {
			wait := e.jitter(e.cfg.ClipIntervalMin, e.cfg.ClipIntervalMax)
			if err := e.sleep(seqCtx, wait); err != nil {
				res.abort(types.CodeExecutionCancelled, "clip sequence cancelled before clip %d/%d", i+1, len(clips))
				break
			}
		}
		if seqCtx.Err() != nil {
			res.abort(types.CodeExecutionCancelled, "clip sequence cancelled before clip %d/%d", i+1, len(clips))
			break
		}

		legs := []legOrder{{gw: primary, symbol: req.Symbol, side: req.Side, size: clipSize}}
		if hedged {
			legs = append(legs, legOrder{gw: hedgeGW, symbol: hedge.HedgeSymbol, side: req.Side.Opposite(), size: clipSize, hedge: true})
		}
		for j := range legs {
			legs[j].ref = req.RefPrice
			legs[j].reduceOnly = req.ReduceOnly
			legs[j].tag = fmt.Sprintf("%s-c%d", req.Tag, i+1)
		}

		results := e.fireLegs(seqCtx, legs)
		broken := e.settlePair(ctx, req, legs, results)
		res.Legs = append(res.Legs, results...)

		for _, leg := range results {
			if !leg.Hedge && leg.Filled && !leg.Compensated {
				vwap.Add(leg.FillPrice, leg.FillSize)
			}
		}

		if broken != nil {
			res.abort(broken.code, "%s", broken.detail)
			break
		}
		res.ClipsDone++

		primaryLeg := results[0]
		if req.RefPrice > 0 && primaryLeg.Filled {
			slip := decmath.Slippage(req.RefPrice, primaryLeg.FillPrice)
			slipSum = slipSum.Add(decmath.FromFloat(slip))
			slipSeen++
			if decmath.GT(slip, e.cfg.MaxSlippagePct) {
				logger.Warnf("executor: %s clip %d slippage %.4f%% above bound %.4f%%", req.Symbol, i+1, slip*100, e.cfg.MaxSlippagePct*100)
				if i < len(clips)-1 {
					res.abort(types.CodeSlippageExceeded, "clip %d slippage %.6f exceeds %.6f", i+1, slip, e.cfg.MaxSlippagePct)
					break
				}
			}
		}
	}

	res.FillPrice = vwap.Price()
	res.FillSize = vwap.Size()
	res.TotalCost = vwap.Cost()
	if slipSeen > 0 {
		res.Slippage = decmath.ToFloat(slipSum.Div(decimal.NewFromInt(int64(slipSeen))))
	}
	res.Success = !res.Aborted && res.ClipsDone == len(clips)
	if res.Success {
		logger.Infof("executor: %s %s filled %.8f @ %.8f over %d clip(s)", req.Side, req.Symbol, res.FillSize, res.FillPrice, res.ClipsDone)
	} else {
		logger.Warnf("executor: %s %s stopped after %d/%d clips: %s %s", req.Side, req.Symbol, res.ClipsDone, len(clips), res.Reason, res.Detail)
	}
	return res, nil
}

// planClips slices size so every clip notional stays within the clip cap.
// Orders at or under the threshold, or without a reference price, go out
// whole.
func (e *Executor) planClips(size, ref float64) []float64 {
	if ref <= 0 {
		return []float64{size}
	}
	notional := decmath.FromFloat(size).Mul(decmath.FromFloat(ref))
	if notional.LessThanOrEqual(decmath.FromFloat(e.cfg.ClipThresholdUSD)) {
		return []float64{size}
	}
	n := notional.Div(decmath.FromFloat(e.cfg.ClipCapUSD)).Ceil().IntPart()
	if n < 2 {
		return []float64{size}
	}
	total := decmath.FromFloat(size)
	each := total.Div(decimal.NewFromInt(n)).Truncate(8)
	out := make([]float64, 0, n)
	used := decimal.Zero
	for i := int64(0); i < n-1; i++ {
		out = append(out, decmath.ToFloat(each))
		used = used.Add(each)
	}
	out = append(out, decmath.ToFloat(total.Sub(used)))
	return out
}

type legOrder struct {
	gw         broker.Gateway
	symbol     string
	side       types.Side
	size       float64
	ref        float64
	reduceOnly bool
	hedge      bool
	tag        string
}

// fireLegs submits every leg concurrently and joins on all of them. Leg
// failures are carried in the results, never as group errors, so one failed
// leg does not cancel its sibling.
func (e *Executor) fireLegs(ctx context.Context, legs []legOrder) []LegResult {
	results := make([]LegResult, len(legs))
	var eg errgroup.Group
	for i := range legs {
		eg.Go(func() error {
			results[i] = e.placeLeg(ctx, legs[i])
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// placeLeg sends one order with bounded retry on broker errors. An order
// the broker answered without a fill is not retried.
func (e *Executor) placeLeg(ctx context.Context, lg legOrder) LegResult {
	out := LegResult{
		Venue:  lg.gw.Name(),
		Symbol: lg.symbol,
		Side:   lg.side,
		Size:   lg.size,
		Hedge:  lg.hedge,
	}
	legCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()

	req := broker.OrderRequest{
		ClientOrderID: lg.tag,
		Symbol:        lg.symbol,
		Side:          lg.side,
		Size:          lg.size,
		RefPrice:      lg.ref,
		ReduceOnly:    lg.reduceOnly,
	}
	backoff := e.cfg.RetryBackoff
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		out.Attempts = attempt
		if err := e.limiter(out.Venue).Wait(legCtx); err != nil {
			lastErr = err
			break
		}
		res, err := lg.gw.SendOrder(legCtx, req)
		if err == nil {
			out.OrderID = res.BrokerOrderID
			out.Filled = res.Filled && res.FillSize > 0
			out.FillPrice = res.FillPrice
			out.FillSize = res.FillSize
			if !out.Filled {
				out.Error = "not filled"
			}
			return out
		}
		lastErr = err
		logger.Warnf("executor: %s %s %s attempt %d/%d failed: %v", out.Venue, lg.side, lg.symbol, attempt, e.cfg.RetryAttempts, err)
		if attempt == e.cfg.RetryAttempts || errors.Is(err, context.Canceled) {
			break
		}
		if err := e.sleep(legCtx, backoff); err != nil {
			lastErr = err
			break
		}
		backoff *= 2
	}
	if lastErr != nil {
		out.Error = lastErr.Error()
	}
	return out
}

type breakage struct {
	code   types.Code
	detail string
}

// settlePair inspects a joined clip. Any filled leg whose partner did not
// fill is reversed; mismatched fill sizes are trimmed back to the smaller
// one. It returns non-nil when the clip must end the sequence.
func (e *Executor) settlePair(ctx context.Context, req Request, orders []legOrder, results []LegResult) *breakage {
	if len(results) == 1 {
		leg := results[0]
		if leg.Filled {
			return nil
		}
		return &breakage{code: types.CodeBrokerError, detail: fmt.Sprintf("%s leg on %s: %s", leg.Symbol, leg.Venue, leg.Error)}
	}

	filled := 0
	for _, leg := range results {
		if leg.Filled {
			filled++
		}
	}
	switch {
	case filled == 0:
		return &breakage{code: types.CodeBrokerError, detail: fmt.Sprintf("no leg filled: %s / %s", results[0].Error, results[1].Error)}
	case filled == len(results):
		a, b := &results[0], &results[1]
		if decmath.ApproxEqual(a.FillSize, b.FillSize) {
			return nil
		}
		big, bigOrder := a, orders[0]
		small := b
		if b.FillSize > a.FillSize {
			big, bigOrder, small = b, orders[1], a
		}
		excess := decmath.Sub(big.FillSize, small.FillSize)
		logger.Criticalf("executor: %s pair fill sizes differ (%.8f vs %.8f), trimming %.8f on %s", req.Symbol, a.FillSize, b.FillSize, excess, big.Venue)
		big.FillSize = decmath.Sub(big.FillSize, e.compensate(ctx, req, bigOrder, big, excess))
		return nil
	}

	details := map[string]any{"symbol": req.Symbol, "tag": req.Tag, "legs": results}
	logger.Criticalf("executor: %s paired clip broke, compensating filled leg", req.Symbol)
	e.record(ctx, types.EventPartialFillDesync, details)
	for i := range results {
		leg := &results[i]
		if !leg.Filled {
			continue
		}
		leg.FillSize = decmath.Sub(leg.FillSize, e.compensate(ctx, req, orders[i], leg, leg.FillSize))
		if decmath.IsZero(leg.FillSize) {
			leg.FillSize = 0
			leg.Compensated = true
		}
	}
	return &breakage{code: types.CodePartialFillDesync, detail: fmt.Sprintf("one leg of %s failed; filled leg compensated", req.Symbol)}
}

// compensate reverses size of a filled leg and returns how much was
// actually reversed. It runs detached from the clip context so cancellation
// never leaves exposure behind.
func (e *Executor) compensate(ctx context.Context, req Request, lg legOrder, leg *LegResult, size float64) float64 {
	base := context.WithoutCancel(ctx)
	rev := lg
	rev.side = lg.side.Opposite()
	rev.size = size
	rev.reduceOnly = !lg.reduceOnly
	rev.ref = leg.FillPrice
	rev.tag = lg.tag + "-comp"
	out := e.placeLeg(base, rev)
	reversed := 0.0
	if out.Filled {
		reversed = out.FillSize
		if decmath.GT(reversed, size) {
			reversed = size
		}
	}
	if decmath.GTE(reversed, size) {
		logger.Warnf("executor: compensated %.8f %s on %s @ %.8f", reversed, leg.Symbol, leg.Venue, out.FillPrice)
		return reversed
	}
	logger.Criticalf("executor: compensation for %s on %s incomplete (%.8f of %.8f): %s", leg.Symbol, leg.Venue, reversed, size, out.Error)
	e.record(base, types.EventCompensationFailed, map[string]any{
		"symbol":   leg.Symbol,
		"venue":    leg.Venue,
		"side":     rev.side,
		"size":     size,
		"reversed": reversed,
		"error":    out.Error,
		"tag":      req.Tag,
	})
	return reversed
}
