// Package binance implements broker.Gateway on USDⓈ-M futures through the
// go-binance SDK. Orders are one-way mode market orders.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execcore/internal/gateway/broker"
	"execcore/internal/logger"
	"execcore/internal/types"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

type Gateway struct {
	cfg    Config
	client *futures.Client
}

var _ broker.Gateway = (*Gateway)(nil)

func New(cfg Config) (*Gateway, error) {
	final := cfg.withDefaults()
	if final.Testnet {
		futures.UseTestnet = true
		logger.Warnf("binance: using futures testnet")
	}
	client := futures.NewClient(final.APIKey, final.APISecret)
	if final.RESTBaseURL != "" {
		client.BaseURL = final.RESTBaseURL
	}
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Gateway{cfg: final, client: client}, nil
}

func (g *Gateway) Name() string { return g.cfg.Name }

func (g *Gateway) SendOrder(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	symbol := types.NormalizeSymbol(req.Symbol)
	qty := g.formatQuantity(symbol, req.Size)
	if qty == "" {
		return broker.OrderResult{}, fmt.Errorf("binance: size %.8f rounds to zero for %s", req.Size, symbol)
	}
	svc := g.client.NewCreateOrderService().
		Symbol(symbol).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if id := clientOrderID(req.ClientOrderID); id != "" {
		svc = svc.NewClientOrderID(id)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return broker.OrderResult{}, fmt.Errorf("binance: create order %s %s: %w", symbol, qty, err)
	}

	out := broker.OrderResult{
		Success:       true,
		BrokerOrderID: strconv.FormatInt(res.OrderID, 10),
		FillPrice:     parseFloat(res.AvgPrice),
		FillSize:      parseFloat(res.ExecutedQuantity),
	}
	if out.FillSize <= 0 && res.Status != futures.OrderStatusTypeRejected && res.Status != futures.OrderStatusTypeExpired {
		out.FillPrice, out.FillSize = g.pollFill(ctx, symbol, res.OrderID)
	}
	out.Filled = out.FillSize > 0 && out.FillPrice > 0
	logger.Debugf("binance: order %s %s %s status=%s filled=%.8f @ %.8f", out.BrokerOrderID, symbol, qty, res.Status, out.FillSize, out.FillPrice)
	return out, nil
}

// pollFill re-reads an order the exchange acknowledged before matching it.
func (g *Gateway) pollFill(ctx context.Context, symbol string, orderID int64) (price, size float64) {
	for i := 0; i < g.cfg.FillPollAttempts; i++ {
		select {
		case <-ctx.Done():
			return 0, 0
		case <-time.After(g.cfg.FillPollInterval):
		}
		o, err := g.client.NewGetOrderService().Symbol(symbol).OrderID(orderID).Do(ctx)
		if err != nil {
			logger.Warnf("binance: poll order %d failed: %v", orderID, err)
			continue
		}
		size = parseFloat(o.ExecutedQuantity)
		price = parseFloat(o.AvgPrice)
		if o.Status == futures.OrderStatusTypeFilled || o.Status == futures.OrderStatusTypeCanceled || o.Status == futures.OrderStatusTypeExpired {
			return price, size
		}
	}
	return price, size
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, orderID string) error {
	symbol = types.NormalizeSymbol(symbol)
	svc := g.client.NewCancelOrderService().Symbol(symbol)
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(orderID)
	}
	if _, err := svc.Do(ctx); err != nil {
		return fmt.Errorf("binance: cancel %s %s: %w", symbol, orderID, err)
	}
	return nil
}

func (g *Gateway) GetPositions(ctx context.Context) ([]types.BrokerPosition, error) {
	risks, err := g.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: position risk: %w", err)
	}
	out := make([]types.BrokerPosition, 0, len(risks))
	for _, r := range risks {
		if r == nil {
			continue
		}
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.SideLong
		if amt < 0 {
			side = types.SideShort
			amt = -amt
		}
		out = append(out, types.BrokerPosition{
			Symbol:     types.NormalizeSymbol(r.Symbol),
			Side:       side,
			Size:       amt,
			EntryPrice: parseFloat(r.EntryPrice),
		})
	}
	return out, nil
}

func (g *Gateway) GetAccount(ctx context.Context) (broker.Account, error) {
	acct, err := g.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return broker.Account{}, fmt.Errorf("binance: account: %w", err)
	}
	return broker.Account{
		Equity:     parseFloat(acct.TotalMarginBalance),
		Cash:       parseFloat(acct.TotalWalletBalance),
		MarginUsed: parseFloat(acct.TotalInitialMargin),
	}, nil
}

// CloseAllPositions sends a reduce-only market order against every open
// position and reports the first failure after trying them all.
func (g *Gateway) CloseAllPositions(ctx context.Context) error {
	positions, err := g.GetPositions(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range positions {
		_, err := g.SendOrder(ctx, broker.OrderRequest{
			ClientOrderID: "flatten-" + p.Symbol,
			Symbol:        p.Symbol,
			Side:          p.Side.Opposite(),
			Size:          p.Size,
			ReduceOnly:    true,
		})
		if err != nil {
			logger.Errorf("binance: flatten %s failed: %v", p.Symbol, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (g *Gateway) formatQuantity(symbol string, size float64) string {
	prec, ok := g.cfg.QuantityPrecision[symbol]
	if !ok {
		prec = g.cfg.DefaultPrecision
	}
	q := decimal.NewFromFloat(size).Truncate(prec)
	if q.Sign() <= 0 {
		return ""
	}
	return q.String()
}

func sideType(s types.Side) futures.SideType {
	if s == types.SideShort {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

// clientOrderID keeps ids inside Binance's 36 character, [.A-Z:/a-z0-9_-]
// limit.
func clientOrderID(id string) string {
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == ':', r == '/', r == '_', r == '-':
			return r
		}
		return -1
	}, id)
	if len(id) > 36 {
		id = id[len(id)-36:]
	}
	return id
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
