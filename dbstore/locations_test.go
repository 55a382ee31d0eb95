package dbstore

import (
	"context"
	"testing"

	"github.com/127Wzc/imgtag/model"
)

func mustImage(t *testing.T, s *ImageStore) *model.Image {
	t.Helper()
	img := &model.Image{FileHash: "h", FileType: "jpg"}
	if err := s.Create(context.Background(), img); err != nil {
		t.Fatalf("Create image: %v", err)
	}
	return img
}

func mustEndpoint(t *testing.T, s *EndpointStore, role model.EndpointRole) *model.StorageEndpoint {
	t.Helper()
	ep := &model.StorageEndpoint{Name: "ep-" + string(role), Provider: model.ProviderS3, Role: role}
	if err := s.Create(context.Background(), ep); err != nil {
		t.Fatalf("Create endpoint: %v", err)
	}
	return ep
}

func TestLocationStoreCreatePrimaryAndUpsertMirror(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	locations := NewLocationStore(pool)
	images := NewImageStore(pool)
	endpoints := NewEndpointStore(pool)

	img := mustImage(t, images)
	mirror := mustEndpoint(t, endpoints, model.RoleMirror)

	primary, err := locations.CreatePrimary(ctx, img.ID, model.LocalEndpointID, "uploads/h.jpg")
	if err != nil {
		t.Fatalf("CreatePrimary: %v", err)
	}
	if !primary.IsPrimary || primary.SyncStatus != model.SyncSynced {
		t.Fatalf("CreatePrimary = %+v, want primary+synced", primary)
	}

	if err := locations.UpsertMirror(ctx, img.ID, mirror.ID, "uploads/h.jpg"); err != nil {
		t.Fatalf("UpsertMirror: %v", err)
	}

	all, err := locations.ByImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("ByImage: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ByImage returned %d locations, want 2", len(all))
	}

	if err := locations.UpsertMirror(ctx, img.ID, mirror.ID, "uploads/h2.jpg"); err != nil {
		t.Fatalf("UpsertMirror refresh: %v", err)
	}
	got, err := locations.Get(ctx, img.ID, mirror.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ObjectKey != "uploads/h2.jpg" {
		t.Fatalf("ObjectKey = %q, want refreshed key", got.ObjectKey)
	}
}

func TestLocationStoreMarkFailed(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	locations := NewLocationStore(pool)
	images := NewImageStore(pool)
	endpoints := NewEndpointStore(pool)

	img := mustImage(t, images)
	mirror := mustEndpoint(t, endpoints, model.RoleMirror)

	if err := locations.MarkFailed(ctx, img.ID, mirror.ID, "connection refused"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := locations.Get(ctx, img.ID, mirror.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.SyncStatus != model.SyncFailed || got.SyncError != "connection refused" {
		t.Fatalf("Get after MarkFailed = %+v", got)
	}
}

func TestLocationStoreDeleteByEndpoint(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	locations := NewLocationStore(pool)
	images := NewImageStore(pool)
	endpoints := NewEndpointStore(pool)

	img := mustImage(t, images)
	mirror := mustEndpoint(t, endpoints, model.RoleMirror)
	if err := locations.UpsertMirror(ctx, img.ID, mirror.ID, "k"); err != nil {
		t.Fatalf("UpsertMirror: %v", err)
	}

	affected, err := locations.DeleteByEndpoint(ctx, mirror.ID)
	if err != nil {
		t.Fatalf("DeleteByEndpoint: %v", err)
	}
	if len(affected) != 1 || affected[0] != img.ID {
		t.Fatalf("DeleteByEndpoint affected = %v, want [%d]", affected, img.ID)
	}

	got, err := locations.Get(ctx, img.ID, mirror.ID)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("Get after delete = %+v, want nil", got)
	}
}

func TestLocationStorePendingByEndpointSkipsFailedRows(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	locations := NewLocationStore(pool)
	images := NewImageStore(pool)
	endpoints := NewEndpointStore(pool)

	mirror := mustEndpoint(t, endpoints, model.RoleMirror)
	for i := 0; i < 3; i++ {
		img := mustImage(t, images)
		if err := locations.MarkFailed(ctx, img.ID, mirror.ID, "not yet synced"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	}

	var seen int
	err := locations.PendingByEndpoint(ctx, mirror.ID, 2, func(batch []*model.ImageLocation) error {
		seen += len(batch)
		return nil
	})
	if err != nil {
		t.Fatalf("PendingByEndpoint: %v", err)
	}
	if seen != 0 {
		t.Fatalf("PendingByEndpoint saw %d rows tagged pending, want 0 (MarkFailed rows are status=failed)", seen)
	}
}
