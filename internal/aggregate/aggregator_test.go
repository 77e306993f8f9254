package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/stream"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

// S1 — single trade, three candles.
func TestAggregator_SingleTradeThreeCandles(t *testing.T) {
	gw := newFakeGateway()
	bus := stream.New(8)
	agg := New(gw, bus, zerolog.Nop(), nil)

	ts := time.Date(2024, 1, 1, 12, 34, 56, 789000000, time.UTC)
	trade := model.Trade{
		Exchange: model.Kalshi, MarketID: "M",
		Price: mustDecimal(t, "0.55"), Qty: mustDecimal(t, "10"),
		Side: model.Buy, Timestamp: ts,
	}

	agg.Process(context.Background(), trade)

	require.Equal(t, 3, gw.count())

	cases := []struct {
		iv   model.Interval
		want time.Time
	}{
		{model.Interval1s, time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)},
		{model.Interval1m, time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC)},
		{model.Interval1h, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		candle, ok := gw.get(model.Kalshi, "M", c.iv, c.want)
		require.True(t, ok, "missing candle for %s", c.iv)
		assert.True(t, candle.Open.Equal(mustDecimal(t, "0.55")))
		assert.True(t, candle.High.Equal(mustDecimal(t, "0.55")))
		assert.True(t, candle.Low.Equal(mustDecimal(t, "0.55")))
		assert.True(t, candle.Close.Equal(mustDecimal(t, "0.55")))
		assert.True(t, candle.Volume.Equal(mustDecimal(t, "10")))
	}
}

// S2 — OHLC within one minute.
func TestAggregator_OHLCWithinOneMinute(t *testing.T) {
	gw := newFakeGateway()
	bus := stream.New(8)
	agg := New(gw, bus, zerolog.Nop(), nil)

	base := time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC)
	prices := []string{"0.50", "0.60", "0.45", "0.55"}
	qtys := []string{"1", "2", "3", "4"}

	for i := range prices {
		trade := model.Trade{
			Exchange: model.Kalshi, MarketID: "M",
			Price: mustDecimal(t, prices[i]), Qty: mustDecimal(t, qtys[i]),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		agg.Process(context.Background(), trade)
	}

	candle, ok := gw.get(model.Kalshi, "M", model.Interval1m, base)
	require.True(t, ok)
	assert.True(t, candle.Open.Equal(mustDecimal(t, "0.50")), "open=%s", candle.Open)
	assert.True(t, candle.High.Equal(mustDecimal(t, "0.60")), "high=%s", candle.High)
	assert.True(t, candle.Low.Equal(mustDecimal(t, "0.45")), "low=%s", candle.Low)
	assert.True(t, candle.Close.Equal(mustDecimal(t, "0.55")), "close=%s", candle.Close)
	assert.True(t, candle.Volume.Equal(mustDecimal(t, "10")), "volume=%s", candle.Volume)
}

// Universal property 1: for any sequence of trades, the resulting candle
// matches open/high/low/close/volume computed independently.
func TestAggregator_MatchesIndependentComputation(t *testing.T) {
	gw := newFakeGateway()
	bus := stream.New(32)
	agg := New(gw, bus, zerolog.Nop(), nil)

	base := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	prices := []int64{10, 3, 7, 1, 9, 5}
	var wantOpen, wantClose decimal.Decimal
	wantHigh := decimal.NewFromInt(prices[0])
	wantLow := decimal.NewFromInt(prices[0])
	wantVolume := decimal.Zero

	for i, p := range prices {
		d := decimal.NewFromInt(p)
		if i == 0 {
			wantOpen = d
		}
		wantClose = d
		if d.GreaterThan(wantHigh) {
			wantHigh = d
		}
		if d.LessThan(wantLow) {
			wantLow = d
		}
		wantVolume = wantVolume.Add(decimal.NewFromInt(1))

		agg.Process(context.Background(), model.Trade{
			Exchange: model.Polymarket, MarketID: "N",
			Price: d, Qty: decimal.NewFromInt(1),
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	candle, ok := gw.get(model.Polymarket, "N", model.Interval1s, base)
	require.True(t, ok)
	assert.True(t, candle.Open.Equal(wantOpen))
	assert.True(t, candle.High.Equal(wantHigh))
	assert.True(t, candle.Low.Equal(wantLow))
	assert.True(t, candle.Close.Equal(wantClose))
	assert.True(t, candle.Volume.Equal(wantVolume))
}

func TestAggregator_RunDrainsOnShutdown(t *testing.T) {
	gw := newFakeGateway()
	bus := stream.New(8)
	agg := New(gw, bus, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	bus.Publish(model.Trade{
		Exchange: model.Kalshi, MarketID: "M",
		Price: decimal.NewFromInt(1), Qty: decimal.NewFromInt(1),
		Timestamp: time.Now(),
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not shut down")
	}
}
