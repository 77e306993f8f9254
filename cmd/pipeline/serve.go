package main

import (
	"context"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/predictmkt/tradefeed/internal/aggregate"
	"github.com/predictmkt/tradefeed/internal/api"
	"github.com/predictmkt/tradefeed/internal/config"
	"github.com/predictmkt/tradefeed/internal/hub"
	"github.com/predictmkt/tradefeed/internal/ingest/kalshi"
	"github.com/predictmkt/tradefeed/internal/ingest/polymarket"
	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/perf"
	"github.com/predictmkt/tradefeed/internal/persistence/postgres"
	"github.com/predictmkt/tradefeed/internal/stream"
)

// shutdownGrace bounds each cancellation-order stage of spec §5.
const shutdownGrace = 10 * time.Second

func runServe(cfg config.Config, log zerolog.Logger, reg prometheus.Registerer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := postgres.Open(postgres.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	if err := gw.EnsureSchema(ctx); err != nil {
		gw.Close()
		return err
	}

	// Backfill runs to completion before any ingester starts (spec §2).
	if err := aggregate.Backfill(ctx, gw, log); err != nil {
		gw.Close()
		return err
	}

	bus := stream.New(stream.DefaultMailboxSize)
	tracker := perf.New(reg)
	wsHub := hub.New(log)

	agg := aggregate.New(gw, bus, log, func(t model.Trade, err error) {
		log.Error().Err(err).Str("exchange", string(t.Exchange)).Msg("candle upsert failed")
	})

	// The aggregator is driven off its own cancellation signal, raised only
	// once every ingester has stopped (spec §5's ordered shutdown), not off
	// the shared top-level ctx: cancelling both at once would let the
	// aggregator drain and close its bus subscription while an ingester is
	// still mid-cycle and about to publish a trade.
	aggCtx, cancelAgg := context.WithCancel(context.Background())
	defer cancelAgg()

	var aggWG sync.WaitGroup
	aggWG.Add(1)
	go func() { defer aggWG.Done(); agg.Run(aggCtx) }()

	var hubWG sync.WaitGroup
	hubStop := make(chan struct{})

	hubWG.Add(1)
	go func() { defer hubWG.Done(); tracker.Run(hubStop, bus) }()

	hubWG.Add(1)
	go func() { defer hubWG.Done(); wsHub.Run(hubStop, bus) }()

	var ingesterWG sync.WaitGroup
	if cfg.KalshiAPIKeyID != "" && cfg.KalshiPrivKey != "" && cfg.KalshiMarkets != "" {
		signer, err := kalshi.NewSigner(cfg.KalshiAPIKeyID, cfg.KalshiPrivKey)
		if err != nil {
			log.Error().Err(err).Msg("kalshi signer init failed; kalshi ingester disabled")
		} else {
			client := kalshi.NewClient(cfg.KalshiBaseURL, signer, nil)
			ingester := kalshi.New(client, gw, bus, kalshi.StaticMarketLister(cfg.KalshiMarkets), kalshi.DefaultConfig(), log.With().Str("component", "kalshi").Logger())
			ingesterWG.Add(1)
			go func() {
				defer ingesterWG.Done()
				if err := ingester.Run(ctx); err != nil {
					log.Error().Err(err).Msg("kalshi ingester exited")
				}
			}()
		}
	} else {
		log.Warn().Msg("kalshi credentials/markets not configured; kalshi ingester disabled")
	}

	if cfg.AlchemyWSURL != "" {
		contract := common.HexToAddress(cfg.PolymarketAddr)
		pmIngester := polymarket.New(cfg.AlchemyWSURL, contract, gw, bus, log.With().Str("component", "polymarket").Logger())
		ingesterWG.Add(1)
		go func() {
			defer ingesterWG.Done()
			if err := pmIngester.Run(ctx); err != nil {
				log.Error().Err(err).Msg("polymarket ingester exited")
			}
		}()
	} else {
		log.Warn().Msg("ALCHEMY_WS_URL not configured; polymarket ingester disabled")
	}

	apiServer := api.New(api.Config{Addr: addrFor(cfg.Port), FrontendURL: cfg.FrontendURL}, gw, tracker, wsHub, log)
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("query server error")
	}

	// Ordered shutdown per spec §5: ingesters stop and drain, then (and
	// only then) the aggregator drains the bus, then the hub closes
	// connections, then the pool closes last.
	ingesterDone := make(chan struct{})
	go func() { ingesterWG.Wait(); close(ingesterDone) }()
	select {
	case <-ingesterDone:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("ingesters did not stop within grace period")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)

	// Every ingester has stopped publishing now: safe to let the
	// aggregator drain whatever is left in its mailbox and return.
	cancelAgg()
	aggDone := make(chan struct{})
	go func() { aggWG.Wait(); close(aggDone) }()
	select {
	case <-aggDone:
	case <-time.After(shutdownGrace):
		log.Warn().Msg("aggregator did not drain within grace period")
	}

	close(hubStop)
	wsHub.CloseAll()
	hubWG.Wait()

	gw.Close()

	log.Info().Msg("shutdown complete")
	return nil
}

func addrFor(port int) string {
	return ":" + strconv.Itoa(port)
}
