package trader

import (
	"math"

	"execcore/internal/pkg/decmath"
	"execcore/internal/types"
)

// positionSize returns the order size for an OPEN signal. A size hint is
// taken as-is; otherwise the size risks RiskPct of equity between the entry
// mid and the stop. Both are capped at MaxLeverage times equity.
func positionSize(sig types.Signal, equity float64, params types.RiskParameters) (float64, error) {
	mid := sig.EntryZone.Mid()
	if mid <= 0 {
		return 0, types.Reject(types.CodeSchemaError, "entry_zone is required to size an entry")
	}

	size := sig.SizeHint
	if size <= 0 {
		if sig.StopLoss <= 0 {
			return 0, types.Reject(types.CodeSchemaError, "stop_loss or size_hint is required")
		}
		dist := math.Abs(decmath.Sub(mid, sig.StopLoss))
		if decmath.IsZero(dist) {
			return 0, types.Reject(types.CodeSchemaError, "stop_loss equals entry")
		}
		size = decmath.Div(decmath.Mul(params.RiskPct, equity), dist)
	}

	if params.MaxLeverage > 0 {
		maxSize := decmath.Div(decmath.Mul(params.MaxLeverage, equity), mid)
		if decmath.GT(size, maxSize) {
			size = maxSize
		}
	}
	if size <= 0 || decmath.IsZero(size) {
		return 0, types.Reject(types.CodeInvalidSize, "computed size %.8f", size)
	}
	return size, nil
}

// checkExposure rejects an entry that would lift notional past MaxLeverage
// times equity, either on its own symbol or summed over every open position.
// An open position on the symbol is netted against the order: same side adds
// to it, opposite side reduces or flips it. The symbol is valued at mid,
// other positions at their entry.
func checkExposure(positions []types.Position, symbol string, side types.Side, size, mid, equity float64, params types.RiskParameters) error {
	if params.MaxLeverage <= 0 {
		return nil
	}
	limit := decmath.Mul(params.MaxLeverage, equity)
	projected := size
	others := 0.0
	for _, p := range positions {
		switch {
		case p.Symbol != symbol:
			others = decmath.Add(others, p.Notional())
		case p.Side == side:
			projected = decmath.Add(projected, p.Size)
		default:
			projected = math.Abs(decmath.Sub(projected, p.Size))
		}
	}
	symbolNotional := decmath.Mul(projected, mid)
	if exceeds(symbolNotional, limit) {
		return types.Reject(types.CodeExposureLimit, "%s notional %.2f would exceed %.2f (%.1fx equity)", symbol, symbolNotional, limit, params.MaxLeverage)
	}
	if total := decmath.Add(others, symbolNotional); exceeds(total, limit) {
		return types.Reject(types.CodeExposureLimit, "account notional %.2f would exceed %.2f (%.1fx equity)", total, limit, params.MaxLeverage)
	}
	return nil
}

// exceeds ignores float noise left by a size that was capped at the limit.
func exceeds(v, limit float64) bool {
	return decmath.GT(v, limit) && !decmath.ApproxEqual(v, limit)
}
