package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/predictmkt/tradefeed/internal/config"
	"github.com/predictmkt/tradefeed/internal/persistence/postgres"
)

func runMigrate(cfg config.Config, log zerolog.Logger) error {
	gw, err := postgres.Open(postgres.DefaultConfig(cfg.DatabaseURL))
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.EnsureSchema(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema ensured")
	return nil
}
