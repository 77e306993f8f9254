package postgres

// Schema is applied by the migrate command. It mirrors the persisted state
// in spec §6: trades and candles, plus a watermarks table that backs each
// ingester's resume cursor (spec §4.3/§4.4).
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
	id          BIGSERIAL PRIMARY KEY,
	exchange    TEXT NOT NULL,
	market_id   TEXT NOT NULL,
	price       NUMERIC NOT NULL,
	quantity    NUMERIC NOT NULL,
	side        TEXT NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL,
	tx_hash     TEXT,
	dedupe_key  TEXT NOT NULL,
	UNIQUE (exchange, dedupe_key)
);

CREATE INDEX IF NOT EXISTS trades_market_ts_idx ON trades (exchange, market_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS candles (
	exchange  TEXT NOT NULL,
	market_id TEXT NOT NULL,
	interval  TEXT NOT NULL,
	open_time TIMESTAMPTZ NOT NULL,
	open      NUMERIC NOT NULL,
	high      NUMERIC NOT NULL,
	low       NUMERIC NOT NULL,
	close     NUMERIC NOT NULL,
	volume    NUMERIC NOT NULL,
	PRIMARY KEY (exchange, market_id, interval, open_time)
);

CREATE TABLE IF NOT EXISTS watermarks (
	key        TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
