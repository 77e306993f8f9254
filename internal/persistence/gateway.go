// Package persistence defines the storage gateway contract: the only
// interface through which the rest of the system talks to the relational
// store. It is the sole place that knows about dedupe keys, idempotent
// upsert, and range-scan ordering.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictmkt/tradefeed/internal/model"
)

// ErrNotFound reports a lookup that found no matching row. No Gateway method
// returns it at present: Watermark reports a missing row through its bool.
var ErrNotFound = errors.New("persistence: not found")

// InsertResult reports whether insertTrade created a new row or absorbed a
// duplicate.
type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

// TimeRange bounds a range query. A zero From/To means unbounded on that
// side.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// TradeQuery narrows queryTrades.
type TradeQuery struct {
	Exchange model.Exchange
	MarketID string
	Side     *model.Side
	Range    TimeRange
	Limit    int
}

// CandleQuery narrows queryCandles.
type CandleQuery struct {
	Exchange model.Exchange
	MarketID string
	Interval model.Interval
	Range    TimeRange
	Limit    int
}

// Gateway is the storage gateway of spec §4.1: idempotent trade insertion,
// atomic candle upsert, and bounded range reads. Every method is a
// suspension point; callers must not hold any lock across a call.
type Gateway interface {
	InsertTrade(ctx context.Context, t model.Trade) (model.Trade, InsertResult, error)

	UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, qty decimal.Decimal) error

	QueryCandles(ctx context.Context, q CandleQuery) ([]model.Candle, error)

	QueryTrades(ctx context.Context, q TradeQuery) ([]model.Trade, error)

	// ListMarkets ranks markets by trades in the last 10 minutes, then by
	// total trade count, optionally filtered to one exchange.
	ListMarkets(ctx context.Context, exchange *model.Exchange) ([]model.MarketSummary, error)

	// Watermark returns the last-processed upstream cursor recorded under
	// key, or ("", false) if none is recorded yet. Kalshi keys this per
	// market ("kalshi:<marketId>"); Polymarket keys it once per exchange
	// (a single last-seen block number covers every market).
	Watermark(ctx context.Context, key string) (string, bool, error)

	// SetWatermark persists the ingester's cursor under key. It is only
	// called after the corresponding trades have been successfully
	// inserted.
	SetWatermark(ctx context.Context, key string, cursor string) error

	// BackfillCandles rebuilds every candle row at the given interval from
	// persisted trades. Idempotent: re-running it reproduces the same rows.
	BackfillCandles(ctx context.Context, interval model.Interval) error

	Ping(ctx context.Context) error
	Close() error
}
