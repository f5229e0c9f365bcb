package binance

import (
	"strings"
	"time"
)

type Config struct {
	Name      string
	APIKey    string
	APISecret string
	Testnet   bool

	RESTBaseURL string
	HTTPTimeout time.Duration

	ProxyEnabled bool
	RESTProxyURL string

	// QuantityPrecision is the number of decimals Binance accepts for a
	// symbol's order quantity. Symbols not listed use DefaultPrecision.
	QuantityPrecision map[string]int32
	DefaultPrecision  int32

	// FillPollAttempts bounds how often an order that came back unfilled is
	// re-queried before it is reported as such.
	FillPollAttempts int
	FillPollInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	out.Name = strings.ToLower(strings.TrimSpace(out.Name))
	if out.Name == "" {
		out.Name = "binance"
	}
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	out.RESTProxyURL = strings.TrimSpace(out.RESTProxyURL)
	if out.DefaultPrecision <= 0 {
		out.DefaultPrecision = 3
	}
	if out.FillPollAttempts <= 0 {
		out.FillPollAttempts = 3
	}
	if out.FillPollInterval <= 0 {
		out.FillPollInterval = 200 * time.Millisecond
	}
	return out
}
