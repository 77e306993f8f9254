package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictmkt/tradefeed/internal/model"
	"github.com/predictmkt/tradefeed/internal/persistence"
)

func newMockGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &Gateway{db: sqlx.NewDb(db, "postgres"), timeout: 2 * time.Second}, mock
}

func TestGateway_InsertTrade_Inserted(t *testing.T) {
	g, mock := newMockGateway(t)

	trade := model.Trade{
		Exchange:  model.Kalshi,
		MarketID:  "M",
		Price:     decimal.RequireFromString("0.55"),
		Qty:       decimal.RequireFromString("10"),
		Side:      model.Buy,
		Timestamp: time.Date(2024, 1, 1, 12, 34, 56, 789000000, time.UTC),
		DedupeKey: "M:trade-1",
	}

	mock.ExpectQuery("INSERT INTO trades").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	out, res, err := g.InsertTrade(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, persistence.Inserted, res)
	assert.Equal(t, int64(7), out.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_InsertTrade_Duplicate(t *testing.T) {
	g, mock := newMockGateway(t)

	trade := model.Trade{Exchange: model.Polymarket, MarketID: "M", DedupeKey: "0xabc:3"}

	mock.ExpectQuery("INSERT INTO trades").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, res, err := g.InsertTrade(context.Background(), trade)
	require.NoError(t, err)
	assert.Equal(t, persistence.Duplicate, res)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_UpsertCandle(t *testing.T) {
	g, mock := newMockGateway(t)

	mock.ExpectExec("INSERT INTO candles").
		WithArgs(model.Kalshi, "M", model.Interval1m, sqlmock.AnyArg(), decimal.RequireFromString("0.6"), decimal.RequireFromString("2")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := g.UpsertCandle(context.Background(), model.Kalshi, "M", model.Interval1m, time.Now(), decimal.RequireFromString("0.6"), decimal.RequireFromString("2"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestGateway_BackfillCandles_Idempotent covers spec §8's S6/universal
// property 4: re-running the per-interval backfill reproduces the same
// candle rows. BackfillCandles is a single set-oriented upsert
// (open/high/low/close/volume all overwritten from EXCLUDED on conflict,
// not merged with the existing row), so issuing the identical statement
// twice must succeed identically both times; sqlmock lets us assert that
// shape without a live database.
func TestGateway_BackfillCandles_Idempotent(t *testing.T) {
	g, mock := newMockGateway(t)

	for i := 0; i < 2; i++ {
		mock.ExpectExec("INSERT INTO candles").
			WithArgs(model.Interval1m).
			WillReturnResult(sqlmock.NewResult(0, 3))
	}

	require.NoError(t, g.BackfillCandles(context.Background(), model.Interval1m))
	require.NoError(t, g.BackfillCandles(context.Background(), model.Interval1m))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithManagedTLS(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost:5432/db":                      "postgres://u:p@localhost:5432/db",
		"postgres://u:p@db.neon.tech:5432/db":                   "postgres://u:p@db.neon.tech:5432/db?sslmode=require",
		"postgres://u:p@db.neon.tech:5432/db?sslmode=disable":    "postgres://u:p@db.neon.tech:5432/db?sslmode=disable",
		"postgres://u:p@x.rds.amazonaws.com:5432/db?x=1":         "postgres://u:p@x.rds.amazonaws.com:5432/db?x=1&sslmode=require",
	}
	for in, want := range cases {
		assert.Equal(t, want, WithManagedTLS(in))
	}
}
