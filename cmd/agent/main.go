// The agent is the on-device half of the system: it owns the local SQLite
// database, watches connectivity, and runs sync cycles against the server.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blendsync/internal/client/connectivity"
	"blendsync/internal/client/engine"
	"blendsync/internal/client/store"
	"blendsync/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.SyncToken == "" {
		log.Fatal().Msg("SYNC_TOKEN is required (mint one with seedstore)")
	}

	st, err := store.Open(cfg.SyncDBPath)
	if err != nil {
		if errors.Is(err, store.ErrNewerSchema) {
			log.Fatal().Msg("local database was written by a newer build — upgrade the agent")
		}
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer st.Close()

	api := engine.NewAPI(cfg.SyncAPIURL, func(context.Context) (string, error) {
		return cfg.SyncToken, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eng *engine.Engine
	link := connectivity.NewSupervisor(api.Health, connectivity.Config{
		Interval:       time.Duration(cfg.HeartbeatSeconds) * time.Second,
		OfflineTimeout: time.Duration(cfg.HeartbeatSeconds) * time.Second,
	}, func() { eng.Trigger() })

	eng = engine.New(st, api, link, engine.Config{
		Interval: time.Duration(cfg.SyncIntervalSeconds) * time.Second,
	})

	go link.Run(ctx)
	go eng.Run(ctx)
	go func() {
		for ev := range eng.Events() {
			log.Warn().
				Str("phase", ev.Phase.String()).
				Str("kind", string(ev.Kind)).
				Str("entity", ev.Entity).
				Str("local_id", ev.LocalID).
				Msg(ev.Detail)
		}
	}()

	eng.Trigger() // first cycle immediately, not one interval from now
	log.Info().Str("server", cfg.SyncAPIURL).Str("db", cfg.SyncDBPath).Msg("sync agent running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("agent exiting")
}
