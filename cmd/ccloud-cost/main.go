// ccloud-cost - Confluent Cloud cost enrichment and allocation engine.
//
// Usage:
//   ccloud-cost serve
//   ccloud-cost ingest --date 2026-08-26
//   ccloud-cost backfill --from 2026-08-01 --to 2026-08-26
//   ccloud-cost sync-dimensions
//   ccloud-cost migrate
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"ccloud-cost/api"
	"ccloud-cost/db/postgres"
	"ccloud-cost/exporter"
	"ccloud-cost/internal/collector"
	"ccloud-cost/internal/enrich"
	"ccloud-cost/internal/jobs"
	"ccloud-cost/pkg/model"
	"ccloud-cost/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "ccloud-cost",
		Usage:   "Confluent Cloud cost enrichment and allocation engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "postgres-host",
				Value:   "localhost",
				Usage:   "Postgres host",
				EnvVars: []string{"POSTGRES_HOST"},
			},
			&cli.IntFlag{
				Name:    "postgres-port",
				Value:   5432,
				Usage:   "Postgres port",
				EnvVars: []string{"POSTGRES_PORT"},
			},
			&cli.StringFlag{
				Name:    "postgres-database",
				Value:   "ccloud_cost",
				Usage:   "Postgres database",
				EnvVars: []string{"POSTGRES_DB"},
			},
			&cli.StringFlag{
				Name:    "postgres-user",
				Value:   "postgres",
				Usage:   "Postgres user",
				EnvVars: []string{"POSTGRES_USER"},
			},
			&cli.StringFlag{
				Name:    "postgres-password",
				Value:   "",
				Usage:   "Postgres password",
				EnvVars: []string{"POSTGRES_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "postgres-sslmode",
				Value:   "disable",
				Usage:   "Postgres SSL mode",
				EnvVars: []string{"POSTGRES_SSLMODE"},
			},
			&cli.StringFlag{
				Name:    "confluent-api-url",
				Value:   "https://api.confluent.cloud",
				Usage:   "Confluent Cloud API base URL",
				EnvVars: []string{"CONFLUENT_API_URL"},
			},
			&cli.StringFlag{
				Name:    "confluent-api-key",
				Usage:   "Confluent Cloud API key",
				EnvVars: []string{"CONFLUENT_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "confluent-api-secret",
				Usage:   "Confluent Cloud API secret",
				EnvVars: []string{"CONFLUENT_API_SECRET"},
			},
		},

		Commands: []*cli.Command{
			serveCommand(),
			ingestCommand(),
			backfillCommand(),
			syncDimensionsCommand(),
			migrateCommand(),
			rulesCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newStore(c *cli.Context, logger *slog.Logger) (*postgres.Store, error) {
	return postgres.NewStore(&postgres.Config{
		Host:     c.String("postgres-host"),
		Port:     c.Int("postgres-port"),
		Database: c.String("postgres-database"),
		Username: c.String("postgres-user"),
		Password: c.String("postgres-password"),
		SSLMode:  c.String("postgres-sslmode"),
	}, logger)
}

func newJob(c *cli.Context, store *postgres.Store, logger *slog.Logger) *jobs.CollectorJob {
	client := collector.NewClient(
		c.String("confluent-api-url"),
		c.String("confluent-api-key"),
		c.String("confluent-api-secret"),
		logger,
	)
	pipeline := enrich.NewPipeline(store, logger)
	return jobs.NewCollectorJob(client, store, pipeline, logger)
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the API server, metrics exporter and job scheduler",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"PORT"},
			},
			&cli.StringFlag{
				Name:    "collect-schedule",
				Value:   "0 6 * * *",
				Usage:   "Cron schedule for daily cost collection (UTC)",
				EnvVars: []string{"COLLECT_SCHEDULE"},
			},
			&cli.StringFlag{
				Name:    "dimension-sync-schedule",
				Value:   "0 */6 * * *",
				Usage:   "Cron schedule for dimension synchronization (UTC)",
				EnvVars: []string{"DIMENSION_SYNC_SCHEDULE"},
			},
			&cli.DurationFlag{
				Name:    "metrics-lookback",
				Value:   48 * time.Hour,
				Usage:   "Trailing window of facts exported as metrics",
				EnvVars: []string{"METRICS_LOOKBACK"},
			},
			&cli.BoolFlag{
				Name:    "no-scheduler",
				Usage:   "Disable the cron scheduler (API and metrics only)",
				EnvVars: []string{"NO_SCHEDULER"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	logger := platform.InitLogger()

	store, err := newStore(c, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer store.Close()

	if err := store.Migrate(c.Context); err != nil {
		return err
	}

	job := newJob(c, store, logger)

	exp := exporter.New(store, c.Duration("metrics-lookback"), logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exp.Run(ctx, 5*time.Minute)

	if !c.Bool("no-scheduler") {
		sched, err := jobs.NewScheduler(job, jobs.SchedulerConfig{
			CollectSpec:       c.String("collect-schedule"),
			DimensionSyncSpec: c.String("dimension-sync-schedule"),
			JobTimeout:        30 * time.Minute,
		}, logger)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			sched.Stop(stopCtx)
		}()
	}

	server := api.NewServer(store, job, exp.Handler(), &api.Config{
		Port:         c.Int("port"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	})
	logger.Info("starting API server", "port", c.Int("port"), "version", version)
	return server.StartWithGracefulShutdown()
}

// =============================================================================
// INGESTION COMMANDS
// =============================================================================

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:  "ingest",
		Usage: "Collect and enrich one day of billing data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "date",
				Usage: "Billing day to ingest (YYYY-MM-DD, default yesterday)",
			},
		},
		Action: func(c *cli.Context) error {
			logger := platform.InitLogger()

			day := time.Now().UTC().AddDate(0, 0, -1)
			if v := c.String("date"); v != "" {
				parsed, err := time.Parse("2006-01-02", v)
				if err != nil {
					return fmt.Errorf("invalid date %q: %w", v, err)
				}
				day = parsed
			}

			store, err := newStore(c, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to Postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(c.Context); err != nil {
				return err
			}

			job := newJob(c, store, logger)
			tracker, err := job.CollectDay(c.Context, day, model.RunTypeDaily)
			if err != nil {
				return err
			}
			return printRun(tracker.Snapshot())
		},
	}
}

func backfillCommand() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Re-ingest a range of billing days",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Usage:    "First day of the range (YYYY-MM-DD)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Last day of the range (YYYY-MM-DD)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			logger := platform.InitLogger()

			from, err := time.Parse("2006-01-02", c.String("from"))
			if err != nil {
				return fmt.Errorf("invalid from %q: %w", c.String("from"), err)
			}
			to, err := time.Parse("2006-01-02", c.String("to"))
			if err != nil {
				return fmt.Errorf("invalid to %q: %w", c.String("to"), err)
			}

			store, err := newStore(c, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to Postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(c.Context); err != nil {
				return err
			}

			return newJob(c, store, logger).Backfill(c.Context, from, to)
		},
	}
}

func syncDimensionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-dimensions",
		Usage: "Refresh the dimension tables from the org hierarchy",
		Action: func(c *cli.Context) error {
			logger := platform.InitLogger()

			store, err := newStore(c, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to Postgres: %w", err)
			}
			defer store.Close()
			if err := store.Migrate(c.Context); err != nil {
				return err
			}

			return newJob(c, store, logger).SyncDimensions(c.Context)
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the database schema",
		Action: func(c *cli.Context) error {
			logger := platform.InitLogger()

			store, err := newStore(c, logger)
			if err != nil {
				return fmt.Errorf("failed to connect to Postgres: %w", err)
			}
			defer store.Close()
			return store.Migrate(c.Context)
		},
	}
}

// =============================================================================
// RULES COMMAND
// =============================================================================

func rulesCommand() *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Inspect allocation rules",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List active allocation rules in evaluation order",
				Action: func(c *cli.Context) error {
					logger := platform.InitLogger()

					store, err := newStore(c, logger)
					if err != nil {
						return fmt.Errorf("failed to connect to Postgres: %w", err)
					}
					defer store.Close()

					rules, err := store.ActiveRules(c.Context)
					if err != nil {
						return err
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(rules)
				},
			},
			{
				Name:  "validate",
				Usage: "Report rules whose conditions or weights would be rejected",
				Action: func(c *cli.Context) error {
					logger := platform.InitLogger()

					store, err := newStore(c, logger)
					if err != nil {
						return fmt.Errorf("failed to connect to Postgres: %w", err)
					}
					defer store.Close()

					issues, err := store.CheckRules(c.Context)
					if err != nil {
						return err
					}
					if len(issues) == 0 {
						fmt.Println("all allocation rules are valid")
						return nil
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if err := enc.Encode(issues); err != nil {
						return err
					}
					return fmt.Errorf("%d allocation rule(s) failed validation", len(issues))
				},
			},
		},
	}
}

func printRun(run model.IngestionRun) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}
	if run.Status == model.RunFailed {
		return fmt.Errorf("ingestion run %s failed: %s", run.ID, run.ErrorMessage)
	}
	return nil
}
