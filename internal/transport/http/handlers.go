package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execcore/internal/guard"
	"execcore/internal/logger"
	"execcore/internal/router"
	"execcore/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const signatureHeader = "X-Signature"

type handlers struct {
	cfg  ServerConfig
	deps Deps
}

// signalResponse is the route result plus the id the caller sent, echoed
// even when the body failed validation.
type signalResponse struct {
	SignalID string           `json:"signal_id,omitempty"`
	Type     types.SignalType `json:"type,omitempty"`
	router.Result
}

func (h *handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) postSignal(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.rejectSignal(c, http.StatusRequestEntityTooLarge, body, types.Reject(types.CodeSchemaError, "read body: %v", err))
		return
	}

	if h.deps.Signature != nil && (h.cfg.RequireSignature || c.GetHeader(signatureHeader) != "") {
		if err := h.deps.Signature.Verify(body, c.GetHeader(signatureHeader)); err != nil {
			status := http.StatusUnauthorized
			if types.CodeOf(err) == types.CodeSchemaError {
				status = http.StatusUnprocessableEntity
			}
			logger.Warnf("http: signal from %s failed authentication: %v", c.ClientIP(), err)
			h.rejectSignal(c, status, body, err)
			return
		}
	}

	sig, err := h.deps.Decoder.Decode(body)
	if err != nil {
		h.rejectSignal(c, http.StatusUnprocessableEntity, body, err)
		return
	}

	res := h.deps.Router.Route(c.Request.Context(), sig)
	out := signalResponse{SignalID: sig.SignalID, Type: sig.Type, Result: res}
	if !res.Accepted {
		c.JSON(http.StatusUnprocessableEntity, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

// rejectSignal answers with a structured rejection, peeking at the raw body
// for the identifiers the sender needs to correlate it.
func (h *handlers) rejectSignal(c *gin.Context, status int, body []byte, err error) {
	out := signalResponse{Result: router.Result{Accepted: false, Detail: err.Error()}}
	out.Reason = types.CodeOf(err)
	if out.Reason == "" {
		out.Reason = types.CodeSchemaError
	}
	if gjson.ValidBytes(body) {
		out.SignalID = gjson.GetBytes(body, "signal_id").String()
		out.Type = types.SignalType(strings.ToUpper(gjson.GetBytes(body, "type").String()))
	}
	c.JSON(status, out)
}

func (h *handlers) listPositions(c *gin.Context) {
	positions := h.deps.Ledger.GetAllPositions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (h *handlers) getIntent(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	in, ok := h.deps.Ledger.GetIntent(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "intent not found", "signal_id": id})
		return
	}
	c.JSON(http.StatusOK, in)
}

func (h *handlers) listTrades(c *gin.Context) {
	limit := queryLimit(c, 100, 1000)
	symbol := types.NormalizeSymbol(c.Query("symbol"))
	if h.deps.History != nil {
		trades, err := h.deps.History.ListTrades(c.Request.Context(), symbol, limit)
		if err != nil {
			logger.Errorf("http: list trades failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
		return
	}
	all := h.deps.Ledger.Trades(0)
	trades := make([]types.TradeRecord, 0, limit)
	for _, tr := range all {
		if symbol != "" && tr.Symbol != symbol {
			continue
		}
		trades = append(trades, tr)
		if len(trades) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (h *handlers) listEvents(c *gin.Context) {
	if h.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event history not configured"})
		return
	}
	evts, err := h.deps.History.ListSystemEvents(c.Request.Context(), strings.ToUpper(strings.TrimSpace(c.Query("type"))), queryLimit(c, 100, 1000))
	if err != nil {
		logger.Errorf("http: list events failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts)})
}

type stateResponse struct {
	types.SystemState
	BreakerState    string              `json:"breaker_state,omitempty"`
	EquityFresh     bool                `json:"equity_fresh"`
	EquityUpdatedAt time.Time           `json:"equity_updated_at,omitempty"`
	Discrepancies   []types.Discrepancy `json:"last_discrepancies,omitempty"`
	ReconciledAt    time.Time           `json:"reconciled_at,omitempty"`
}

func (h *handlers) currentState() stateResponse {
	var out stateResponse
	if h.deps.Breaker != nil {
		st, state := h.deps.Breaker.State()
		out.SystemState = st
		out.BreakerState = state.String()
	}
	if h.deps.Phase != nil {
		out.Phase = h.deps.Phase.CurrentPhase()
		if eq := h.deps.Phase.Equity(); eq > 0 {
			out.Equity = eq
		}
	}
	if h.deps.Equity != nil {
		v, fresh := h.deps.Equity.Get()
		out.EquityFresh = fresh
		out.EquityUpdatedAt = h.deps.Equity.UpdatedAt()
		if v > 0 {
			out.Equity = v
		}
	}
	if h.deps.Reconcile != nil {
		out.Discrepancies, out.ReconciledAt = h.deps.Reconcile.Last()
	}
	return out
}

func (h *handlers) systemState(c *gin.Context) {
	c.JSON(http.StatusOK, h.currentState())
}

func (h *handlers) adminCommand(c *gin.Context) {
	if h.deps.Commands == nil || h.deps.Breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "operator commands not configured"})
		return
	}
	var cmd guard.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"accepted": false, "reason": types.CodeSchemaError, "detail": err.Error()})
		return
	}
	if err := h.deps.Commands.Verify(cmd); err != nil {
		logger.Warnf("http: operator command %s from %s rejected: %v", cmd.Action, c.ClientIP(), err)
		c.JSON(http.StatusUnauthorized, gin.H{"accepted": false, "reason": types.CodeOf(err), "detail": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var err error
	switch strings.ToLower(cmd.Action) {
	case guard.ActionReset:
		err = h.deps.Breaker.Reset(ctx, cmd.ActorID)
	case guard.ActionArm:
		err = h.deps.Breaker.SetArmed(ctx, cmd.ActorID, true)
	case guard.ActionDisarm:
		err = h.deps.Breaker.SetArmed(ctx, cmd.ActorID, false)
	case guard.ActionFlatten:
		h.deps.Breaker.Trip(ctx, cmd.ActorID, "operator emergency stop")
	default:
		err = types.Reject(types.CodeSchemaError, "unknown action %q", cmd.Action)
	}
	if err != nil {
		code := types.CodeOf(err)
		var rej *types.Rejection
		if !errors.As(err, &rej) {
			code = types.CodeHandlerFailed
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"accepted": false, "reason": code, "detail": err.Error()})
		return
	}
	logger.Warnf("http: operator %s ran %s (%s)", cmd.ActorID, cmd.Action, cmd.CommandID)
	c.JSON(http.StatusOK, gin.H{"accepted": true, "action": cmd.Action, "state": h.currentState()})
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(strings.TrimSpace(c.Query("limit")))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
