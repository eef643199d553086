package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/fnorun/internal/broker"
	"github.com/sawpanic/fnorun/internal/config"
	"github.com/sawpanic/fnorun/internal/ratelimit"
	"github.com/sawpanic/fnorun/internal/session"
)

func runSession(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	live, _ := cmd.Flags().GetBool("live")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if live {
		cfg.Simulated = false
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr)
	}

	governor := ratelimit.NewGovernor(cfg.Limits)
	gateway := broker.NewClient(broker.ClientConfig{
		BaseURL:        cfg.Broker.BaseURL,
		ClientID:       cfg.Broker.ClientID,
		AccessToken:    cfg.Broker.AccessToken,
		RequestTimeout: cfg.RequestTimeout(),
	}, governor)

	sess, err := session.New(cfg, gateway, governor)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	refresh := time.Duration(cfg.Monitor.RefreshIntervalSec) * time.Second
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			printSnapshot(sess.Snapshot())
			log.Info().Msg("Session stopped")
			return nil
		case <-ticker.C:
			printSnapshot(sess.Refresh(ctx))
		}
	}
}

// printSnapshot emits the 1s presentation line: per-position rows plus the
// aggregate PnL and governor usage. Each cycle runs its own quote pass
// through the response cache, so prices refresh at presentation cadence.
func printSnapshot(snap session.Snapshot) {
	for _, row := range snap.Rows {
		stale := ""
		if row.Stale {
			stale = " (stale)"
		}
		log.Info().
			Str("underlying", row.Underlying).
			Str("option", row.OptionSymbol).
			Str("status", string(row.Status)).
			Float64("ltp", row.LastPrice).
			Float64("pnl", row.TotalPnL).
			Str("pnl_pct", fmt.Sprintf("%.2f%%%s", row.PnLPercent, stale)).
			Msg("Position")
	}

	log.Info().
		Int("running", snap.Totals.CE.Count+snap.Totals.PE.Count).
		Float64("pnl", snap.Totals.PnL).
		Float64("pnl_pct", snap.Totals.PnLPercent).
		Str("scan", string(snap.ScanState)).
		Int("calls_today", snap.RateUsage.TotalToday).
		Bool("live", snap.Live).
		Msg("Session")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
