// Package config loads the flat environment-variable configuration table of
// spec §6. Every key is a scalar; there is no YAML layer here, following the
// teacher's internal/interfaces/http/server.go DefaultServerConfig style of
// os.Getenv + strconv parsing with defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds every environment-variable-driven setting spec §6 names.
type Config struct {
	DatabaseURL     string
	Port            int
	AlchemyWSURL    string
	PolymarketAddr  string
	KalshiBaseURL   string
	KalshiAPIKeyID  string
	KalshiPrivKey   string
	KalshiMarkets   string
	FrontendURL     string
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	port := 3000
	if raw := os.Getenv("PORT"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid PORT %q: %w", raw, err)
		}
		port = p
	}

	cfg := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		Port:           port,
		AlchemyWSURL:   os.Getenv("ALCHEMY_WS_URL"),
		PolymarketAddr: getenvDefault("POLYMARKET_EXCHANGE_ADDRESS", "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"),
		KalshiBaseURL:  getenvDefault("KALSHI_BASE_URL", "https://trading-api.kalshi.com"),
		KalshiAPIKeyID: os.Getenv("KALSHI_API_KEY_ID"),
		KalshiPrivKey:  os.Getenv("KALSHI_PRIVATE_KEY"),
		KalshiMarkets:  os.Getenv("KALSHI_MARKETS"),
		FrontendURL:    os.Getenv("FRONTEND_URL"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("config: DATABASE_URL is required")
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
