// Package main provides the standalone cost API server. It serves reads
// (cost queries, dimensions, runs) and metrics only; scheduled
// collection runs in the ccloud-cost binary.
package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ccloud-cost/api"
	"ccloud-cost/db/postgres"
	"ccloud-cost/exporter"
	"ccloud-cost/pkg/platform"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger := platform.InitLogger()

	port := 8080
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			log.Fatal().Str("port", v).Msg("Invalid PORT")
		}
		port = p
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = postgres.DefaultConfig().DSN()
	}

	store, err := postgres.NewStoreFromDSN(dsn, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
	}
	defer store.Close()

	lookback := platform.GetEnvDuration("METRICS_LOOKBACK", 48*time.Hour)
	exp := exporter.New(store, lookback, logger)
	go exp.Run(context.Background(), 5*time.Minute)

	server := api.NewServer(store, nil, exp.Handler(), &api.Config{
		Port:         port,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})

	log.Info().
		Int("port", port).
		Dur("metrics_lookback", lookback).
		Msg("Starting cost API server")

	if err := server.StartWithGracefulShutdown(); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
