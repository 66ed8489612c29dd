package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/lingocall/boardsync/go/internal/wbconfig"
	"github.com/lingocall/boardsync/go/internal/whiteboard/discovery"
	"github.com/lingocall/boardsync/go/internal/whiteboard/relay"
	"github.com/lingocall/boardsync/go/internal/whiteboard/snapshot"
	"github.com/lingocall/boardsync/go/internal/whiteboard/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("BOARDSYNC_CONFIG"), "path to YAML config")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	config, err := wbconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	log.Info().
		Str("port", config.Relay.Port).
		Bool("nats_bridge", config.NATS.Bridge).
		Bool("snapshots", config.Database.Enabled).
		Msg("starting whiteboard relay")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Snapshots are written by recorders; the relay only serves them
	var store snapshot.Store
	if config.Database.Enabled {
		pool, err := pgxpool.New(ctx, config.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		pgStore := snapshot.NewPostgresStore(pool)
		if err := pgStore.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate snapshot table")
		}
		store = pgStore
	}

	var minter *token.Minter
	if config.LiveKit.APIKey != "" {
		minter = token.NewMinter(config.LiveKit.APIKey, config.LiveKit.APISecret, config.LiveKit.TokenTTL)
	}

	relayConfig := relay.DefaultConfig()
	relayConfig.ConnectionConfig.MaxMessageSize = config.Relay.MaxMessageSize
	relayConfig.ConnectionConfig.CheckOrigin = checkOrigin(config.Relay.AllowedOrigins)
	relayConfig.LiveKitURL = config.LiveKit.Host
	relayConfig.BridgeEnabled = config.NATS.Bridge
	relayConfig.BridgeConfig.URL = config.NATS.URL
	relayConfig.BridgeConfig.Stream = config.NATS.Stream
	relayConfig.BridgeConfig.MaxAge = config.NATS.MaxAge

	relayService, err := relay.NewService(ctx, relayConfig, minter, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create relay service")
	}

	mux := http.NewServeMux()
	relayService.RegisterRoutes(mux)

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(relayService.GetStats()); err != nil {
			log.Error().Err(err).Msg("failed to encode service info")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: config.Relay.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	// No WriteTimeout: it would cut long-lived WebSocket connections
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", config.Relay.Port),
		Handler:     h2c.NewHandler(c.Handler(mux), &http2.Server{}),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if config.Discovery.Advertise {
		port, err := strconv.Atoi(config.Relay.Port)
		if err != nil {
			log.Fatal().Err(err).Str("port", config.Relay.Port).Msg("invalid relay port")
		}
		ad, err := discovery.Advertise(config.Discovery.Instance, port, "boardsync-relay")
		if err != nil {
			log.Error().Err(err).Msg("mDNS advertisement failed, continuing without it")
		} else {
			defer ad.Shutdown()
		}
	}

	// Start relay service (connection manager and NATS bridge)
	go func() {
		if err := relayService.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give the relay time to close connections
	time.Sleep(1 * time.Second)

	log.Info().Msg("whiteboard relay shutdown complete")
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients (recorders, tools) send no Origin
		return origin == "" || set[origin]
	}
}
