package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/persistence"
)

// fakeGateway is an in-memory persistence.Gateway used to test the
// aggregator's upsert semantics without a real Postgres instance.
type fakeGateway struct {
	mu      sync.Mutex
	candles map[string]model.Candle
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{candles: make(map[string]model.Candle)}
}

func candleKey(exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%d", exchange, marketID, interval, openTime.UnixNano())
}

func (f *fakeGateway) UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, qty decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := candleKey(exchange, marketID, interval, openTime)
	c, ok := f.candles[key]
	if !ok {
		c = model.Candle{
			Exchange: exchange, MarketID: marketID, Interval: interval, OpenTime: openTime,
			Open: price, High: price, Low: price, Close: price, Volume: qty,
		}
	} else {
		if price.GreaterThan(c.High) {
			c.High = price
		}
		if price.LessThan(c.Low) {
			c.Low = price
		}
		c.Close = price
		c.Volume = c.Volume.Add(qty)
	}
	f.candles[key] = c
	return nil
}

func (f *fakeGateway) get(exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time) (model.Candle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.candles[candleKey(exchange, marketID, interval, openTime)]
	return c, ok
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candles)
}

func (f *fakeGateway) InsertTrade(ctx context.Context, t model.Trade) (model.Trade, persistence.InsertResult, error) {
	return t, persistence.Inserted, nil
}

func (f *fakeGateway) QueryCandles(ctx context.Context, q persistence.CandleQuery) ([]model.Candle, error) {
	return nil, nil
}

func (f *fakeGateway) QueryTrades(ctx context.Context, q persistence.TradeQuery) ([]model.Trade, error) {
	return nil, nil
}

func (f *fakeGateway) ListMarkets(ctx context.Context, exchange *model.Exchange) ([]model.MarketSummary, error) {
	return nil, nil
}

func (f *fakeGateway) Watermark(ctx context.Context, key string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeGateway) SetWatermark(ctx context.Context, key string, cursor string) error {
	return nil
}

func (f *fakeGateway) BackfillCandles(ctx context.Context, interval model.Interval) error {
	return nil
}

func (f *fakeGateway) Ping(ctx context.Context) error { return nil }
func (f *fakeGateway) Close() error                   { return nil }
