/*
Package dbstore implements the persistence layer for images, storage
endpoints, locations, tags and the task queue atop PostgreSQL.

SQL statements are kept as constants close to the function that uses
them. Queries favor doing filtering and aggregation database-side rather
than pulling rows back for in-process joins, per the N+1 batching
contract in §4.7.
*/
package dbstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quay/zlog"

	"github.com/127Wzc/imgtag/metrics"
)

// Connect initializes a pgxpool.Pool for the given connection string,
// registering a connection-pool metrics collector under applicationName.
func Connect(ctx context.Context, connString, applicationName string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("dbstore: failed to parse conn string: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 5
	const appnameKey = "application_name"
	params := cfg.ConnConfig.RuntimeParams
	if _, ok := params[appnameKey]; !ok {
		params[appnameKey] = applicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbstore: failed to create pool: %w", err)
	}

	if err := prometheus.Register(metrics.NewPoolCollector(pool, applicationName)); err != nil {
		zlog.Info(ctx).Msg("pool metrics already registered")
	}

	return pool, nil
}

// Dispose closes the pool. imgtagd calls it at shutdown; nothing in the
// repository calls it after a schema change.
func Dispose(pool *pgxpool.Pool) {
	pool.Close()
}
