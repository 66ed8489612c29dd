package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lingocall/boardsync/go/internal/wbconfig"
	"github.com/lingocall/boardsync/go/internal/whiteboard/recorder"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
)

const redialDelay = 2 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("BOARDSYNC_CONFIG"), "path to YAML config")
	room := flag.String("room", "", "room to record (overrides ROOM_ID)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := wbconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *room != "" {
		config.Room.ID = *room
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store snapshot.Store = snapshot.NewMemoryStore()
	if config.Database.Enabled {
		pool, err := pgxpool.New(ctx, config.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		pgStore := snapshot.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate snapshot table")
		}
		store = pgStore
	} else {
		log.Warn().Msg("snapshots disabled, recording to memory only")
	}

	rec, err := recorder.New(config, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create recorder")
	}

	// once the room has been joined, connection losses and failed rejoins are retried
	joined := false
	for {
		err := rec.Run(ctx)
		if errors.Is(err, recorder.ErrTransportClosed) {
			joined = true
		}
		if err == nil || ctx.Err() != nil {
			break
		}
		if !joined {
			log.Fatal().Err(err).Msg("recorder failed")
		}

		log.Warn().Err(err).Dur("retry_in", redialDelay).Msg("lost room connection, rejoining")
		select {
		case <-ctx.Done():
		case <-time.After(redialDelay):
		}
	}
	log.Info().Msg("recorder shutdown complete")
}
