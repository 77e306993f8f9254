package postgres

import (
	"strings"
	"time"
)

// Config mirrors the teacher's internal/infrastructure/db.Config shape:
// a connection pool sized independently of the spec's external config
// table, plus the DSN itself (spec §6's DATABASE_URL).
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// DefaultConfig returns pool defaults in the teacher's style.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:             WithManagedTLS(dsn),
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    10 * time.Second,
	}
}

// managedHosts are known managed-Postgres providers that require TLS, per
// spec §6: "if host matches known cloud providers, TLS is enabled."
var managedHosts = []string{
	"amazonaws.com",
	"neon.tech",
	"supabase.co",
	"render.com",
	"azure.com",
	"gcp.postgres.database",
}

// WithManagedTLS appends sslmode=require to the DSN when its host matches a
// known managed-Postgres provider and no sslmode is already specified.
func WithManagedTLS(dsn string) string {
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	for _, h := range managedHosts {
		if strings.Contains(dsn, h) {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			return dsn + sep + "sslmode=require"
		}
	}
	return dsn
}
