/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Gateway entry point: config -> logger -> tokenizer ->
             Redis -> price catalog (+ refresher) -> accumulator
             -> session store -> upstream client -> streaming proxy
             -> control plane -> router -> HTTP server, with OS
             signal handling for graceful shutdown.
Root Cause:  Standard config -> logger -> Redis -> registry -> router
             -> server wiring order, with graceful shutdown stopping
             background loops before srv.Shutdown, narrowed to this
             module's seven core components plus their ambient stack.
Context:     Single binary, single upstream provider, single Redis
             instance backing both the Price Catalog and the
             Session History Store.
Suitability: L3 for system wiring and process lifecycle.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepsentinel/gateway/accumulator"
	"github.com/deepsentinel/gateway/billing"
	"github.com/deepsentinel/gateway/config"
	"github.com/deepsentinel/gateway/controlplane"
	"github.com/deepsentinel/gateway/logger"
	"github.com/deepsentinel/gateway/pricing"
	"github.com/deepsentinel/gateway/redisclient"
	"github.com/deepsentinel/gateway/router"
	"github.com/deepsentinel/gateway/session"
	"github.com/deepsentinel/gateway/streaming"
	"github.com/deepsentinel/gateway/tokenizer"
	"github.com/deepsentinel/gateway/upstream"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("deepsentinel gateway starting")

	if err := tokenizer.Init(); err != nil {
		log.Fatal().Err(err).Msg("tokenizer init failed")
	}

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis client construction failed")
	}
	if err := rc.Ping(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing, reads/writes will fail soft")
	} else {
		log.Info().Msg("redis connected")
	}

	catalog := pricing.New(rc, cfg, log)
	refresher := pricing.NewRefresher(catalog, cfg.PriceRefreshInterval, log)
	refresher.Start(context.Background())

	acc := accumulator.New(billing.ToPicounits(cfg.InitialBudgetLimit))
	sessions := session.New(rc, cfg.SessionTTL, log)
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamTimeout)
	broadcaster := controlplane.NewBroadcaster(log)

	proxy := streaming.New(catalog, acc, sessions, upstreamClient, tokenizer.Shared(), broadcaster, log)
	handlers := controlplane.New(acc, catalog, sessions, proxy, log)

	r := router.New(cfg, log, handlers, broadcaster)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 30*time.Second, // headroom for long-lived SSE streams
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	refresher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}

	if err := rc.Close(); err != nil {
		log.Warn().Err(err).Msg("redis close failed")
	}
}
