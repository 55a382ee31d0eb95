package dbstore

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// testPool returns a pool against the database named by IMGTAG_TEST_DSN with
// the schema from migrations/0001_initial.sql applied, truncating all tables
// on cleanup. Tests that need Postgres skip when the variable isn't set,
// mirroring claircore's own integration.Skip gate for DB-backed tests.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("IMGTAG_TEST_DSN")
	if dsn == "" {
		t.Skip("IMGTAG_TEST_DSN not set, skipping Postgres-backed test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	schema, err := os.ReadFile("migrations/0001_initial.sql")
	if err != nil {
		pool.Close()
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		t.Fatalf("apply migration: %v", err)
	}

	t.Cleanup(func() {
		const truncate = `TRUNCATE images, storage_endpoints, image_locations, tags, image_tags, tasks RESTART IDENTITY CASCADE`
		if _, err := pool.Exec(context.Background(), truncate); err != nil {
			t.Logf("truncate cleanup: %v", err)
		}
		pool.Close()
	})

	return pool
}
