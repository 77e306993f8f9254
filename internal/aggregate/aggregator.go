// Package aggregate is the candle aggregator of spec §4.5: it consumes the
// trade event bus and maintains OHLCV candles at three resolutions with
// exactly-once semantics per (exchange, market, interval, bucket).
package aggregate

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/persistence"
	"github.com/predictmkt/tradefeed/internal/stream"
)

// Aggregator subscribes to a stream.TradeBus and upserts candles at every
// resolution in model.Intervals for each trade it observes.
type Aggregator struct {
	gw     persistence.Gateway
	bus    *stream.TradeBus
	log    zerolog.Logger
	failed func(model.Trade, error)
}

// New builds an Aggregator. onUpsertError, if non-nil, is invoked whenever
// an interval upsert fails so the caller can count/retry; the trade is
// still considered processed (spec §7: store write-path errors are
// surfaced, not silently dropped, but do not block the consumer loop).
func New(gw persistence.Gateway, bus *stream.TradeBus, log zerolog.Logger, onUpsertError func(model.Trade, error)) *Aggregator {
	return &Aggregator{gw: gw, bus: bus, log: log, failed: onUpsertError}
}

// Run subscribes to the bus and processes trades until ctx is cancelled,
// draining its mailbox before returning (spec §5 cancellation order).
func (a *Aggregator) Run(ctx context.Context) {
	ch, sub := a.bus.Subscribe("aggregator")
	defer sub.Close()

	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			a.Process(ctx, t)
		case <-ctx.Done():
			a.drain(ctx, ch)
			return
		}
	}
}

// drain processes whatever is already queued before returning, per spec §5:
// "aggregator drains bus mailbox and returns."
func (a *Aggregator) drain(ctx context.Context, ch <-chan model.Trade) {
	for {
		select {
		case t, ok := <-ch:
			if !ok {
				return
			}
			a.Process(context.Background(), t)
		default:
			return
		}
	}
}

// Process upserts all three interval candles for one trade. The three
// upserts run concurrently with each other, but all must complete before
// Process returns — this is the per-trade atomicity boundary spec §5
// requires ("for a single trade, all three interval upserts complete
// before the next trade's first upsert begins").
func (a *Aggregator) Process(ctx context.Context, t model.Trade) {
	var wg sync.WaitGroup
	wg.Add(len(model.Intervals))

	for _, iv := range model.Intervals {
		iv := iv
		go func() {
			defer wg.Done()
			openTime := iv.Truncate(t.Timestamp)
			if err := a.gw.UpsertCandle(ctx, t.Exchange, t.MarketID, iv, openTime, t.Price, t.Qty); err != nil {
				a.log.Error().Err(err).
					Str("exchange", string(t.Exchange)).
					Str("market_id", t.MarketID).
					Str("interval", string(iv)).
					Msg("candle upsert failed")
				if a.failed != nil {
					a.failed(t, err)
				}
			}
		}()
	}

	wg.Wait()
}

// Backfill rebuilds every candle row from persisted trades, one interval at
// a time, per spec §4.5. It must run to completion before any ingester
// starts (spec §2: "Startup runs backfill before ingesters begin").
func Backfill(ctx context.Context, gw persistence.Gateway, log zerolog.Logger) error {
	for _, iv := range model.Intervals {
		log.Info().Str("interval", string(iv)).Msg("backfilling candles")
		if err := gw.BackfillCandles(ctx, iv); err != nil {
			return err
		}
	}
	return nil
}
