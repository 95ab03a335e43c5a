package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/migadu/notifyd/logger"
)

type traceStartKey struct{}

type traceStart struct {
	sql   string
	start time.Time
}

// CustomTracer logs every query and its duration at debug level.
type CustomTracer struct{}

func (t *CustomTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, traceStartKey{}, traceStart{sql: data.SQL, start: time.Now()})
}

func (t *CustomTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	ts, ok := ctx.Value(traceStartKey{}).(traceStart)
	if !ok {
		return
	}
	if data.Err != nil {
		logger.Debug("Query failed", "sql", ts.sql, "duration", time.Since(ts.start), "error", data.Err)
		return
	}
	logger.Debug("Query", "sql", ts.sql, "duration", time.Since(ts.start), "tag", data.CommandTag.String())
}
