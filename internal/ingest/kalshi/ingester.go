// Package kalshi implements the Kalshi ingestion adapter of spec §4.3: it
// polls the upstream REST endpoint per tracked market, normalizes trades
// into the canonical model, and publishes newly-inserted trades onto the
// trade event bus.
package kalshi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/predictmkt/tradefeed/infra/breakers"
	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/net/ratelimit"
	"github.com/predictmkt/tradefeed/internal/persistence"
	"github.com/predictmkt/tradefeed/internal/stream"
)

// State is the ingester's per-process lifecycle state, spec §4.3.
type State int

const (
	StateIdle State = iota
	StatePolling
	StatePublishing
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StatePublishing:
		return "publishing"
	case StateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// MarketLister resolves the set of markets to track. It is called off the
// poll loop's hot path (spec §4.3's "discovery" note).
type MarketLister func() []string

// Ingester polls Kalshi for each tracked market and emits canonical trades.
type Ingester struct {
	client  *Client
	gw      persistence.Gateway
	bus     *stream.TradeBus
	markets MarketLister
	limiter *ratelimit.Limiter
	breaker *breakers.Breaker

	log zerolog.Logger

	state      State
	backoff    time.Duration
	maxBackoff time.Duration
	interval   time.Duration
}

// Config controls poll cadence and backoff.
type Config struct {
	PollInterval    time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	RefreshInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		InitialBackoff:  1 * time.Second,
		MaxBackoff:      60 * time.Second,
		RefreshInterval: 5 * time.Minute,
	}
}

// New builds an Ingester. The breaker trips per infra/breakers' threshold:
// 3 consecutive failures, or >5% failure rate over a window of at least 20
// requests.
func New(client *Client, gw persistence.Gateway, bus *stream.TradeBus, markets MarketLister, cfg Config, log zerolog.Logger) *Ingester {
	return &Ingester{
		client:     client,
		gw:         gw,
		bus:        bus,
		markets:    markets,
		limiter:    ratelimit.NewLimiter(5, 10),
		breaker:    breakers.New("kalshi-poll"),
		log:        log,
		state:      StateIdle,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		interval:   cfg.PollInterval,
	}
}

// ErrFatal wraps an unrecoverable ingester error (auth failure), per spec
// §4.3/§7: fatal to this ingester only, rest of the system continues.
var ErrFatal = errors.New("kalshi: fatal ingester error")

// Run drives the poll loop until ctx is cancelled or a fatal error occurs.
// Transient failures back off exponentially and retry; they never stop
// the loop.
func (ing *Ingester) Run(ctx context.Context) error {
	ticker := time.NewTicker(ing.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ing.cycle(ctx); err != nil {
				if errors.Is(err, ErrFatal) {
					ing.log.Error().Err(err).Msg("kalshi ingester stopped: fatal error")
					return err
				}
				ing.enterBackoff(ctx)
			} else {
				ing.resetBackoff()
			}
		}
	}
}

func (ing *Ingester) enterBackoff(ctx context.Context) {
	ing.state = StateBackoff
	wait := ing.backoff
	ing.backoff *= 2
	if ing.backoff > ing.maxBackoff {
		ing.backoff = ing.maxBackoff
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func (ing *Ingester) resetBackoff() {
	ing.backoff = DefaultConfig().InitialBackoff
}

// cycle runs one idle -> polling -> publishing -> idle pass over every
// tracked market.
func (ing *Ingester) cycle(ctx context.Context) error {
	for _, marketID := range ing.markets() {
		if err := ing.pollMarket(ctx, marketID); err != nil {
			if errors.Is(err, ErrFatal) {
				return err
			}
			ing.log.Warn().Err(err).Str("market_id", marketID).Msg("kalshi poll failed; will retry")
			return err
		}
	}
	return nil
}

func (ing *Ingester) pollMarket(ctx context.Context, marketID string) error {
	ing.state = StatePolling

	if err := ing.limiter.Wait(ctx, "trading-api.kalshi.com"); err != nil {
		return err
	}

	wmKey := "kalshi:" + marketID
	minTs, _, err := ing.gw.Watermark(ctx, wmKey)
	if err != nil {
		return fmt.Errorf("kalshi: load watermark: %w", err)
	}

	result, err := ing.breaker.Execute(func() (interface{}, error) {
		return ing.client.TradesAfter(ctx, marketID, minTs)
	})
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return fmt.Errorf("%w: %s", ErrFatal, authErr.Error())
		}
		return err
	}

	wireTrades := result.([]wireTrade)
	if len(wireTrades) == 0 {
		return nil
	}

	trades := make([]model.Trade, 0, len(wireTrades))
	for _, wt := range wireTrades {
		trade, err := toTrade(marketID, wt)
		if err != nil {
			ing.log.Warn().Err(err).Str("trade_id", wt.TradeID).Msg("skipping malformed trade")
			continue
		}
		trades = append(trades, trade)
	}
	if len(trades) == 0 {
		return nil
	}

	// Order strictly by upstream timestamp ascending before publishing
	// (spec §4.3); the upstream's own pagination order is newest-first.
	sort.Slice(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })

	ing.state = StatePublishing
	var newest time.Time
	for _, trade := range trades {
		inserted, res, err := ing.gw.InsertTrade(ctx, trade)
		if err != nil {
			// Store errors on the write path are surfaced; the watermark
			// is not advanced past this trade, so it is retried next cycle.
			return fmt.Errorf("kalshi: insert trade: %w", err)
		}
		if res == persistence.Inserted {
			ing.bus.Publish(inserted)
		}
		if trade.Timestamp.After(newest) {
			newest = trade.Timestamp
		}
	}

	if !newest.IsZero() {
		// The watermark is the latest observed trade's own timestamp
		// (Unix seconds), matching Kalshi's real min_ts filter semantics;
		// re-fetching this same trade next cycle is harmless since
		// InsertTrade absorbs the resulting duplicate.
		if err := ing.gw.SetWatermark(ctx, wmKey, strconv.FormatInt(newest.Unix(), 10)); err != nil {
			return fmt.Errorf("kalshi: set watermark: %w", err)
		}
	}

	ing.state = StateIdle
	return nil
}

func toTrade(marketID string, wt wireTrade) (model.Trade, error) {
	ts, err := time.Parse(time.RFC3339, wt.CreatedTime)
	if err != nil {
		return model.Trade{}, fmt.Errorf("parse created_time %q: %w", wt.CreatedTime, err)
	}

	side := model.Buy
	if strings.EqualFold(wt.TakerSide, "no") || strings.EqualFold(wt.TakerSide, "sell") {
		side = model.Sell
	}

	return model.Trade{
		Exchange:  model.Kalshi,
		MarketID:  marketID,
		Price:     priceDecimal(wt.YesPrice),
		Qty:       decimal.NewFromInt(wt.Count),
		Side:      side,
		Timestamp: ts.UTC(),
		DedupeKey: model.KalshiDedupeKey(marketID, wt.TradeID),
	}, nil
}

// StaticMarketLister returns a MarketLister over a fixed, comma-separated
// market list (spec §9's resolved Open Question: discovery bootstraps from
// static config).
func StaticMarketLister(csv string) MarketLister {
	var markets []string
	for _, m := range strings.Split(csv, ",") {
		m = strings.TrimSpace(m)
		if m != "" {
			markets = append(markets, m)
		}
	}
	return func() []string { return markets }
}
