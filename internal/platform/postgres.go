// Package platform wires the ops-API's shared infrastructure clients:
// Postgres (RunRecordStore db/dual mode), migrations, and Redis (advisory
// rate limiting). Grounded directly on the teacher's internal/platform
// package of the same shape.
package platform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool opens a pooled connection to databaseURL and verifies
// connectivity with a ping.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("platform: creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform: pinging postgres: %w", err)
	}
	return pool, nil
}
