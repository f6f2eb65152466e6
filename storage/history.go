package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kmoreau/homeflux/sensor"
)

// History is the postgres backed power record history. The scheduler
// appends every ingested minute record; tasks with a daily budget read it
// back to account for runtime that happened before they were restarted.
type History struct {
	pool *pgxpool.Pool
}

const historySchema = `
CREATE TABLE IF NOT EXISTS power_minutes (
	ts      TIMESTAMPTZ NOT NULL,
	channel TEXT        NOT NULL,
	kw      DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (ts, channel)
)`

// NewHistory connects to postgres and ensures the history table exists.
func NewHistory(ctx context.Context, dsn string) (*History, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, historySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create history table: %w", err)
	}
	return &History{pool: pool}, nil
}

// Close releases the connection pool.
func (h *History) Close() {
	h.pool.Close()
}

// Append stores one minute record. Re-appending the same minute overwrites
// it, which makes the scheduler's best effort logging idempotent.
func (h *History) Append(ctx context.Context, ts time.Time, record sensor.Record) error {
	ts = ts.Truncate(time.Minute)
	batch := `INSERT INTO power_minutes (ts, channel, kw) VALUES ($1, $2, $3)
		ON CONFLICT (ts, channel) DO UPDATE SET kw = EXCLUDED.kw`
	for channel, kw := range record {
		if _, err := h.pool.Exec(ctx, batch, ts, channel, kw); err != nil {
			return fmt.Errorf("storage: append history: %w", err)
		}
	}
	return nil
}

// RanTodayFor returns for how long the channel drew more than floor
// kilowatts since local midnight, at minute granularity.
func (h *History) RanTodayFor(ctx context.Context, channel string, floor float64) (time.Duration, error) {
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var minutes int
	err := h.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM power_minutes WHERE channel = $1 AND ts >= $2 AND kw > $3`,
		channel, midnight, floor).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("storage: ran today for %s: %w", channel, err)
	}
	return time.Duration(minutes) * time.Minute, nil
}
