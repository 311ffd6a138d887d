// Package postgres provides the relational store for dimensions, hourly
// cost facts, allocation rules and ingestion runs. All idempotency
// guarantees (dimension insert-if-absent, fact upsert under the identity
// key) are enforced here with Postgres constraints rather than
// read-then-write.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Config holds Postgres connection configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string
}

// DefaultConfig returns default development configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		Database: "ccloud_cost",
		Username: "postgres",
		Password: "",
		SSLMode:  "disable",
	}
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode)
}

// Store implements the dimension, fact, rule and run stores on Postgres.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sql.Conn
}

// NewStore opens a connection pool and verifies connectivity.
func NewStore(cfg *Config, logger *slog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return NewStoreFromDSN(cfg.DSN(), logger)
}

// NewStoreFromDSN opens a store from a lib/pq DSN or postgres:// URL.
func NewStoreFromDSN(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres connection: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	return &Store{db: db, logger: logger, locks: make(map[int64]*sql.Conn)}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases held advisory locks and closes the pool.
func (s *Store) Close() error {
	s.mu.Lock()
	for key, conn := range s.locks {
		conn.Close()
		delete(s.locks, key)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// windowLockKey derives the advisory-lock key for a billing window.
func windowLockKey(start, end time.Time) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%d", start.UTC().Unix(), end.UTC().Unix())
	return int64(h.Sum64())
}

// TryLockWindow takes a session advisory lock on the billing window so
// overlapping runs for the same window are serialized. The lock is held
// on a dedicated connection until UnlockWindow.
func (s *Store) TryLockWindow(ctx context.Context, start, end time.Time) (bool, error) {
	key := windowLockKey(start, end)

	s.mu.Lock()
	if _, held := s.locks[key]; held {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection for window lock: %w", err)
	}

	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return false, fmt.Errorf("acquire window lock: %w", err)
	}
	if !locked {
		conn.Close()
		return false, nil
	}

	s.mu.Lock()
	s.locks[key] = conn
	s.mu.Unlock()
	return true, nil
}

// UnlockWindow releases the advisory lock taken by TryLockWindow.
func (s *Store) UnlockWindow(ctx context.Context, start, end time.Time) error {
	key := windowLockKey(start, end)

	s.mu.Lock()
	conn, held := s.locks[key]
	delete(s.locks, key)
	s.mu.Unlock()
	if !held {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		return fmt.Errorf("release window lock: %w", err)
	}
	if !released {
		return fmt.Errorf("window lock %d was not held", key)
	}
	return nil
}

// isRecordLevel reports whether err is a per-row problem (integrity or
// data violation) that should fail one record rather than the run.
func isRecordLevel(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		class := pqErr.Code.Class()
		return class == "23" || class == "22"
	}
	return false
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func marshalMeta(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}

func unmarshalMeta(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
