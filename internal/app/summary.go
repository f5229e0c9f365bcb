package app

import (
	"fmt"
	"strings"

	"execcore/internal/config"
	"execcore/internal/gateway/broker"
)

type StartupSummary struct {
	Env       string
	HTTPAddr  string
	Store     string
	Primary   string
	Venues    []string
	Sources   []SourceDetail
	Tiers     []config.PhaseTier
	Thresh    []float64
	Risk      config.RiskConfig
	Execution config.ExecutionConfig
	Signed    bool
	Alerts    bool
}

type SourceDetail struct {
	Source string
	Phase  int
}

func buildSummary(cfg *config.Config, venues *broker.Registry, sources []string, alerts bool) *StartupSummary {
	s := &StartupSummary{
		Env:       cfg.App.Env,
		HTTPAddr:  cfg.App.HTTPAddr,
		Store:     cfg.Store.Driver,
		Tiers:     cfg.Phase.Tiers,
		Thresh:    cfg.Phase.Thresholds,
		Risk:      cfg.Risk,
		Execution: cfg.Execution,
		Signed:    cfg.Security.RequireSignature,
		Alerts:    alerts,
	}
	if venues != nil {
		s.Primary = venues.Primary().Name()
		s.Venues = append(s.Venues, s.Primary)
		for _, gw := range venues.Others() {
			s.Venues = append(s.Venues, gw.Name())
		}
	}
	for _, src := range sources {
		s.Sources = append(s.Sources, SourceDetail{Source: src, Phase: cfg.Phase.SourceMap[src]})
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	title := "STARTUP SUMMARY"
	fmt.Printf("%*s\n", 40+len(title)/2, title)
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[PROCESS]")
	fmt.Printf("  env: %s\n", s.Env)
	fmt.Printf("  http: %s (signed signals: %v)\n", s.HTTPAddr, s.Signed)
	fmt.Printf("  store: %s\n", s.Store)
	fmt.Printf("  alerts: %v\n", s.Alerts)
	fmt.Println()

	fmt.Println("[VENUES]")
	fmt.Printf("  primary: %s\n", s.Primary)
	fmt.Printf("  all: %s\n", formatList(s.Venues))
	fmt.Println()

	fmt.Println("[PHASES]")
	for i, t := range s.Tiers {
		fmt.Printf("  phase %d  %-18s risk=%.2f%% lev=%.0fx strategies=%s\n",
			t.Phase, tierRange(s.Thresh, i), t.RiskPct*100, t.MaxLeverage, formatList(t.Strategies))
	}
	fmt.Println()

	fmt.Println("[SOURCES]")
	if len(s.Sources) == 0 {
		fmt.Println("  (none)")
	}
	for _, src := range s.Sources {
		fmt.Printf("  %-12s -> phase %d\n", src.Source, src.Phase)
	}
	fmt.Println()

	fmt.Println("[RISK]")
	fmt.Printf("  max drawdown: %.1f%%  equity floor: %.2f\n", s.Risk.MaxDrawdownPct*100, s.Risk.EquityFloor)
	fmt.Printf("  loss streak: %d  cooldown: %dm  start armed: %v\n", s.Risk.ConsecutiveLosses, s.Risk.CooldownMinutes, s.Risk.StartArmed)
	fmt.Printf("  twap above $%.0f in clips of $%.0f every %d-%ds\n",
		s.Execution.ClipThresholdUSD, s.Execution.ClipCapUSD, s.Execution.ClipIntervalMinSec, s.Execution.ClipIntervalMaxSec)
	fmt.Println(strings.Repeat("=", 80))
}

func tierRange(thresholds []float64, i int) string {
	switch {
	case len(thresholds) == 0:
		return "any equity"
	case i == 0:
		return fmt.Sprintf("< %.0f", thresholds[0])
	case i >= len(thresholds):
		return fmt.Sprintf(">= %.0f", thresholds[len(thresholds)-1])
	default:
		return fmt.Sprintf("%.0f-%.0f", thresholds[i-1], thresholds[i])
	}
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
