// Package postgres implements the storage gateway contract over
// PostgreSQL, following the teacher's internal/persistence/postgres
// package shape: sqlx.DB plus per-call timeout, lib/pq error codes for
// conflict detection.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/persistence"
)

const uniqueViolation = "23505"

// Gateway implements persistence.Gateway over a pooled *sqlx.DB.
type Gateway struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and applies pool settings. It does not run
// migrations; call EnsureSchema separately (the migrate command does this).
func Open(cfg Config) (*Gateway, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{db: db, timeout: timeout}, nil
}

// EnsureSchema creates the trades/candles/watermarks relations if absent.
func (g *Gateway) EnsureSchema(ctx context.Context) error {
	_, err := g.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.db.PingContext(ctx)
}

func (g *Gateway) Close() error {
	return g.db.Close()
}

// InsertTrade is idempotent on the exchange-specific dedupe key (spec
// §4.1): on conflict it reports Duplicate without error, absorbing the
// write silently (spec §7).
func (g *Gateway) InsertTrade(ctx context.Context, t model.Trade) (model.Trade, persistence.InsertResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	const query = `
		INSERT INTO trades (exchange, market_id, price, quantity, side, timestamp, tx_hash, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (exchange, dedupe_key) DO NOTHING
		RETURNING id`

	var id int64
	err := g.db.QueryRowxContext(ctx, query,
		t.Exchange, t.MarketID, t.Price, t.Qty, t.Side, t.Timestamp, t.TxHash, t.DedupeKey,
	).Scan(&id)

	switch {
	case err == nil:
		t.ID = id
		return t, persistence.Inserted, nil
	case err == sql.ErrNoRows:
		// ON CONFLICT DO NOTHING suppressed the row: a duplicate.
		return t, persistence.Duplicate, nil
	default:
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return t, persistence.Duplicate, nil
		}
		return t, 0, fmt.Errorf("postgres: insert trade: %w", err)
	}
}

// UpsertCandle is the single round-trip upsert spec §4.1 requires: first
// trade in a bucket creates the row from its own price/qty, later trades
// widen high/low, always overwrite close, and add to volume. GREATEST/LEAST
// make low<=high impossible to violate at the store layer.
func (g *Gateway) UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string, interval model.Interval, openTime time.Time, price, qty decimal.Decimal) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	const query = `
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $5, $5, $5, $6)
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			high   = GREATEST(candles.high, EXCLUDED.high),
			low    = LEAST(candles.low, EXCLUDED.low),
			close  = EXCLUDED.close,
			volume = candles.volume + EXCLUDED.volume`

	_, err := g.db.ExecContext(ctx, query, exchange, marketID, interval, openTime, price, qty)
	if err != nil {
		return fmt.Errorf("postgres: upsert candle: %w", err)
	}
	return nil
}

func (g *Gateway) QueryCandles(ctx context.Context, q persistence.CandleQuery) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	query := `
		SELECT exchange, market_id, interval, open_time, open, high, low, close, volume
		FROM candles
		WHERE exchange = $1 AND market_id = $2 AND interval = $3`
	args := []interface{}{q.Exchange, q.MarketID, q.Interval}

	if !q.Range.From.IsZero() {
		args = append(args, q.Range.From)
		query += fmt.Sprintf(" AND open_time >= $%d", len(args))
	}
	if !q.Range.To.IsZero() {
		args = append(args, q.Range.To)
		query += fmt.Sprintf(" AND open_time <= $%d", len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY open_time ASC LIMIT $%d", len(args))

	rows, err := g.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Exchange, &c.MarketID, &c.Interval, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (g *Gateway) QueryTrades(ctx context.Context, q persistence.TradeQuery) ([]model.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	query := `
		SELECT id, exchange, market_id, price, quantity, side, timestamp, tx_hash, dedupe_key
		FROM trades
		WHERE 1=1`
	var args []interface{}

	// /trades requires both exchange and marketId; /trades/latest supplies
	// neither or just exchange (spec §6's route table).
	if q.Exchange != "" {
		args = append(args, q.Exchange)
		query += fmt.Sprintf(" AND exchange = $%d", len(args))
	}
	if q.MarketID != "" {
		args = append(args, q.MarketID)
		query += fmt.Sprintf(" AND market_id = $%d", len(args))
	}
	if q.Side != nil {
		args = append(args, *q.Side)
		query += fmt.Sprintf(" AND side = $%d", len(args))
	}
	if !q.Range.From.IsZero() {
		args = append(args, q.Range.From)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !q.Range.To.IsZero() {
		args = append(args, q.Range.To)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args))

	rows, err := g.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.Exchange, &t.MarketID, &t.Price, &t.Qty, &t.Side, &t.Timestamp, &t.TxHash, &t.DedupeKey); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListMarkets ranks by trades in the last 10 minutes, then total trade
// count, per spec §4.7.
func (g *Gateway) ListMarkets(ctx context.Context, exchange *model.Exchange) ([]model.MarketSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	query := `
		SELECT exchange, market_id,
		       COUNT(*) AS trade_count,
		       COUNT(*) FILTER (WHERE timestamp >= now() - INTERVAL '10 minutes') AS recent_trades,
		       MAX(timestamp) AS last_trade_time
		FROM trades`
	var args []interface{}
	if exchange != nil {
		args = append(args, *exchange)
		query += " WHERE exchange = $1"
	}
	query += `
		GROUP BY exchange, market_id
		ORDER BY recent_trades DESC, trade_count DESC`

	rows, err := g.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []model.MarketSummary
	for rows.Next() {
		var m model.MarketSummary
		if err := rows.Scan(&m.Exchange, &m.MarketID, &m.TradeCount, &m.RecentTrades, &m.LastTradeTime); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (g *Gateway) Watermark(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var cursor string
	err := g.db.GetContext(ctx, &cursor, `SELECT cursor FROM watermarks WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: watermark: %w", err)
	}
	return cursor, true, nil
}

func (g *Gateway) SetWatermark(ctx context.Context, key string, cursor string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	const query = `
		INSERT INTO watermarks (key, cursor, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = now()`
	_, err := g.db.ExecContext(ctx, query, key, cursor)
	if err != nil {
		return fmt.Errorf("postgres: set watermark: %w", err)
	}
	return nil
}

// BackfillCandles rebuilds every candle row at one interval from persisted
// trades in a single set-oriented statement, per spec §4.5. first_value/
// last_value are windowed over (timestamp, id) so ties break by insertion
// order, matching the Candle.Open/Close tie-break rule in spec §3.
func (g *Gateway) BackfillCandles(ctx context.Context, interval model.Interval) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout*4)
	defer cancel()

	truncUnit, ok := truncUnitFor(interval)
	if !ok {
		return fmt.Errorf("postgres: backfill: unknown interval %q", interval)
	}

	query := fmt.Sprintf(`
		WITH bucketed AS (
			SELECT
				exchange, market_id, quantity,
				date_trunc('%s', timestamp AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS open_time,
				first_value(price) OVER w AS open_price,
				last_value(price) OVER w AS close_price,
				max(price) OVER w AS high_price,
				min(price) OVER w AS low_price
			FROM trades
			WINDOW w AS (
				PARTITION BY exchange, market_id, date_trunc('%s', timestamp AT TIME ZONE 'UTC')
				ORDER BY timestamp, id
				ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING
			)
		),
		agg AS (
			SELECT exchange, market_id, open_time,
			       min(open_price) AS open,
			       max(high_price) AS high,
			       min(low_price) AS low,
			       min(close_price) AS close,
			       sum(quantity) AS volume
			FROM bucketed
			GROUP BY exchange, market_id, open_time
		)
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume)
		SELECT exchange, market_id, $1, open_time, open, high, low, close, volume FROM agg
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			open   = EXCLUDED.open,
			high   = EXCLUDED.high,
			low    = EXCLUDED.low,
			close  = EXCLUDED.close,
			volume = EXCLUDED.volume`,
		truncUnit, truncUnit)

	_, err := g.db.ExecContext(ctx, query, interval)
	if err != nil {
		return fmt.Errorf("postgres: backfill candles: %w", err)
	}
	return nil
}

func truncUnitFor(iv model.Interval) (string, bool) {
	switch iv {
	case model.Interval1s:
		return "second", true
	case model.Interval1m:
		return "minute", true
	case model.Interval1h:
		return "hour", true
	default:
		return "", false
	}
}
