package endpoints

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/model"
)

// testPool mirrors dbstore's own Postgres-backed test gate: skip unless a
// live database is configured, since the registry invariants here are
// exercised entirely through dbstore.EndpointStore/LocationStore.
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
	schema, err := os.ReadFile("../dbstore/migrations/0001_initial.sql")
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
		pool.Exec(context.Background(), truncate)
		pool.Close()
	})
	return pool
}

func mustEndpoint(t *testing.T, s *dbstore.EndpointStore) *model.StorageEndpoint {
	t.Helper()
	e := &model.StorageEndpoint{Name: "mirror", Provider: model.ProviderS3, Role: model.RoleMirror, BucketName: "b", PathPrefix: "p"}
	if err := s.Create(context.Background(), e); err != nil {
		t.Fatalf("Create endpoint: %v", err)
	}
	return e
}

func TestUpdateRejectsPathChangeOnceDataExists(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	endpointStore := dbstore.NewEndpointStore(pool)
	locationStore := dbstore.NewLocationStore(pool)
	images := dbstore.NewImageStore(pool)
	svc := NewService(endpointStore, locationStore)

	ep := mustEndpoint(t, endpointStore)
	img := &model.Image{FileHash: "h"}
	if err := images.Create(ctx, img); err != nil {
		t.Fatalf("Create image: %v", err)
	}
	if _, err := locationStore.CreatePrimary(ctx, img.ID, ep.ID, "k"); err != nil {
		t.Fatalf("CreatePrimary: %v", err)
	}

	changed := *ep
	changed.BucketName = "other-bucket"
	if err := svc.Update(ctx, &changed); err == nil {
		t.Fatal("Update allowed a bucket_name change on an endpoint with an existing location")
	}

	unchanged := *ep
	unchanged.IsEnabled = false
	if err := svc.Update(ctx, &unchanged); err != nil {
		t.Fatalf("Update rejected a non-path-affecting change: %v", err)
	}
}

func TestUpdateAllowsPathChangeWithNoLocations(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	endpointStore := dbstore.NewEndpointStore(pool)
	locationStore := dbstore.NewLocationStore(pool)
	svc := NewService(endpointStore, locationStore)

	ep := mustEndpoint(t, endpointStore)
	changed := *ep
	changed.BucketName = "other-bucket"
	if err := svc.Update(ctx, &changed); err != nil {
		t.Fatalf("Update rejected a path change on an endpoint with no locations: %v", err)
	}

	got, err := endpointStore.Get(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.BucketName != "other-bucket" {
		t.Fatalf("BucketName = %q, want %q", got.BucketName, "other-bucket")
	}
}

func TestDeleteRequiresForceWithLocations(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	endpointStore := dbstore.NewEndpointStore(pool)
	locationStore := dbstore.NewLocationStore(pool)
	images := dbstore.NewImageStore(pool)
	svc := NewService(endpointStore, locationStore)

	ep := mustEndpoint(t, endpointStore)
	img := &model.Image{FileHash: "h2"}
	if err := images.Create(ctx, img); err != nil {
		t.Fatalf("Create image: %v", err)
	}
	if _, err := locationStore.CreatePrimary(ctx, img.ID, ep.ID, "k"); err != nil {
		t.Fatalf("CreatePrimary: %v", err)
	}

	if err := svc.Delete(ctx, ep.ID, false); err == nil {
		t.Fatal("Delete without force succeeded on an endpoint with a location")
	}

	if err := svc.Delete(ctx, ep.ID, true); err != nil {
		t.Fatalf("Delete with force: %v", err)
	}
	if got, err := endpointStore.Get(ctx, ep.ID); err != nil || got != nil {
		t.Fatalf("endpoint still present after forced delete: %+v, %v", got, err)
	}
}

func TestDeleteLocalEndpointAlwaysRejected(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	endpointStore := dbstore.NewEndpointStore(pool)
	locationStore := dbstore.NewLocationStore(pool)
	svc := NewService(endpointStore, locationStore)

	if err := svc.Delete(ctx, model.LocalEndpointID, true); err == nil {
		t.Fatal("Delete removed the built-in local endpoint even with force=true")
	}
}
