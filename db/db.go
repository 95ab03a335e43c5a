// Package db is the PostgreSQL backend: the commit journal, the account
// directory and the advisory lock that serializes journal pruning.
package db

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/notifyd/config"
	"github.com/migadu/notifyd/logger"
	"github.com/migadu/notifyd/pkg/metrics"
	"github.com/migadu/notifyd/pkg/retry"
)

type Database struct {
	Pool         *pgxpool.Pool
	queryTimeout time.Duration
	retry        retry.BackoffConfig
}

// NewDatabaseFromConfig connects to PostgreSQL. The schema is managed with
// "notifyd-admin migrate" and is not created here.
func NewDatabaseFromConfig(ctx context.Context, dbConfig *config.DatabaseConfig) (*Database, error) {
	connString, display, err := ConnectionString(dbConfig)
	if err != nil {
		return nil, err
	}
	logger.Info("Connecting to database", "dsn", display, "hosts", dbConfig.Hosts)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if dbConfig.LogQueries {
		poolConfig.ConnConfig.Tracer = &CustomTracer{}
	}
	if dbConfig.MaxConns > 0 {
		poolConfig.MaxConns = int32(dbConfig.MaxConns)
	}
	if dbConfig.MinConns > 0 {
		poolConfig.MinConns = int32(dbConfig.MinConns)
	}
	if poolConfig.MaxConnLifetime, err = dbConfig.GetMaxConnLifetime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_lifetime: %w", err)
	}
	if poolConfig.MaxConnIdleTime, err = dbConfig.GetMaxConnIdleTime(); err != nil {
		return nil, fmt.Errorf("invalid max_conn_idle_time: %w", err)
	}
	queryTimeout, err := dbConfig.GetQueryTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid query_timeout: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	logger.Info("Database pool created", "max_conns", pool.Config().MaxConns, "min_conns", pool.Config().MinConns,
		"max_lifetime", pool.Config().MaxConnLifetime, "max_idle", pool.Config().MaxConnIdleTime)

	return &Database{Pool: pool, queryTimeout: queryTimeout, retry: retry.DefaultBackoffConfig()}, nil
}

// ConnectionString builds the DSN and a copy of it without the password.
func ConnectionString(c *config.DatabaseConfig) (string, string, error) {
	if len(c.Hosts) == 0 {
		return "", "", fmt.Errorf("at least one database host must be specified")
	}
	// For now, randomly select one host.
	host := c.Hosts[rand.Intn(len(c.Hosts))]
	if !strings.Contains(host, ":") {
		port, err := c.GetPort()
		if err != nil {
			return "", "", err
		}
		host = net.JoinHostPort(host, port)
	}
	sslMode := "disable"
	if c.TLSMode {
		sslMode = "require"
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s", c.User, c.Password, host, c.Name, sslMode)
	display := fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", c.User, host, c.Name, sslMode)
	return dsn, display, nil
}

// Close implements mailbox.Journal.
func (db *Database) Close() error {
	if db.Pool != nil {
		logger.Info("Closing database pool")
		db.Pool.Close()
	}
	return nil
}

// StartPoolMetrics periodically publishes pool statistics until ctx is done.
func (db *Database) StartPoolMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Pool.Stat()
				metrics.DBPoolConns.WithLabelValues("total").Set(float64(stats.TotalConns()))
				metrics.DBPoolConns.WithLabelValues("idle").Set(float64(stats.IdleConns()))
				metrics.DBPoolConns.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
			}
		}
	}()
}

// isRetryableError reports whether err is a transient PostgreSQL or network
// failure.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected, pgerrcode.TooManyConnections:
			return true
		}
		return pgerrcode.IsConnectionException(pgErr.Code)
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// run executes fn with a per-query timeout, retrying transient failures, and
// records the outcome under operation.
func (db *Database) run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := retry.Do(ctx, db.retry, func() error {
		qctx, cancel := context.WithTimeout(ctx, db.queryTimeout)
		defer cancel()
		err := fn(qctx)
		if err != nil && !isRetryableError(err) {
			return retry.Stop(err)
		}
		return err
	})

	metrics.DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	status := "success"
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		status = "failure"
	}
	metrics.DBQueriesTotal.WithLabelValues(operation, status).Inc()
	return err
}
