// Package model holds the canonical types that flow through the ingestion,
// aggregation, and fan-out pipeline.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies one of the two upstream trade sources.
type Exchange string

const (
	Kalshi     Exchange = "kalshi"
	Polymarket Exchange = "polymarket"
)

// Side is the taker side of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Interval is a candle resolution.
type Interval string

const (
	Interval1s Interval = "1s"
	Interval1m Interval = "1m"
	Interval1h Interval = "1h"
)

// Intervals lists every resolution the aggregator maintains, in the order
// new trades are upserted.
var Intervals = [3]Interval{Interval1s, Interval1m, Interval1h}

// Truncate returns the UTC bucket open-time for t at this interval. The
// input is always converted to UTC first: bucket boundaries are computed on
// the UTC instant, never on the process's local clock.
func (iv Interval) Truncate(t time.Time) time.Time {
	u := t.UTC()
	switch iv {
	case Interval1s:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), u.Second(), 0, time.UTC)
	case Interval1m:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), u.Minute(), 0, 0, time.UTC)
	case Interval1h:
		return time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	default:
		return u
	}
}

// Trade is the canonical unit flowing through the pipeline. Price and Qty
// are decimal end-to-end; they are never converted to float64.
type Trade struct {
	ID        int64           `json:"id,omitempty"`
	Exchange  Exchange        `json:"exchange"`
	MarketID  string          `json:"marketId"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
	TxHash    *string         `json:"txHash,omitempty"`
	DedupeKey string          `json:"-"`
}

// KalshiDedupeKey builds the Kalshi dedupe key: (marketId, upstreamTradeId).
func KalshiDedupeKey(marketID, upstreamTradeID string) string {
	return marketID + ":" + upstreamTradeID
}

// PolymarketDedupeKey builds the Polymarket dedupe key: (txHash, logIndex).
func PolymarketDedupeKey(txHash string, logIndex uint) string {
	return txHash + ":" + strconv.FormatUint(uint64(logIndex), 10)
}

// Candle is an OHLCV bucket for (Exchange, MarketID, Interval, OpenTime).
type Candle struct {
	Exchange Exchange        `json:"exchange"`
	MarketID string          `json:"marketId"`
	Interval Interval        `json:"interval"`
	OpenTime time.Time       `json:"openTime"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// MarketSummary backs the /candles/markets and /trades/markets listings.
type MarketSummary struct {
	Exchange      Exchange  `json:"exchange"`
	MarketID      string    `json:"marketId"`
	TradeCount    int64     `json:"tradeCount"`
	RecentTrades  int64     `json:"recentTrades"`
	LastTradeTime time.Time `json:"lastTradeTime"`
}
