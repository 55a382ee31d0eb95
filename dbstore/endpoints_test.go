package dbstore

import (
	"context"
	"testing"

	"github.com/127Wzc/imgtag/model"
)

func TestEndpointStoreDefaultUploadSeeded(t *testing.T) {
	pool := testPool(t)
	s := NewEndpointStore(pool)

	ep, err := s.DefaultUpload(context.Background())
	if err != nil {
		t.Fatalf("DefaultUpload: %v", err)
	}
	if ep == nil || ep.Name != "local" {
		t.Fatalf("DefaultUpload = %+v, want the seeded local endpoint", ep)
	}
}

func TestEndpointStoreCreateRejectsSecondBackupRole(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewEndpointStore(pool)

	first := &model.StorageEndpoint{Name: "backup-1", Provider: model.ProviderS3, Role: model.RoleBackup}
	if err := s.Create(ctx, first); err != nil {
		t.Fatalf("Create first backup: %v", err)
	}

	second := &model.StorageEndpoint{Name: "backup-2", Provider: model.ProviderS3, Role: model.RoleBackup}
	if err := s.Create(ctx, second); err == nil {
		t.Fatal("expected Conflict creating a second backup-role endpoint")
	}
}

func TestEndpointStoreSetDefaultUploadSwapsFlag(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewEndpointStore(pool)

	ep := &model.StorageEndpoint{Name: "mirror-1", Provider: model.ProviderS3, Role: model.RoleMirror}
	if err := s.Create(ctx, ep); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := s.SetDefaultUpload(ctx, ep.ID); err != nil {
		t.Fatalf("SetDefaultUpload: %v", err)
	}

	got, err := s.DefaultUpload(ctx)
	if err != nil {
		t.Fatalf("DefaultUpload: %v", err)
	}
	if got == nil || got.ID != ep.ID {
		t.Fatalf("DefaultUpload = %+v, want id=%d", got, ep.ID)
	}

	old, err := s.Get(ctx, model.LocalEndpointID)
	if err != nil {
		t.Fatalf("Get local: %v", err)
	}
	if old.IsDefaultUpload {
		t.Fatal("seeded local endpoint should no longer be default-upload")
	}
}

func TestEndpointStoreSetDefaultUploadUnknownID(t *testing.T) {
	pool := testPool(t)
	s := NewEndpointStore(pool)

	if err := s.SetDefaultUpload(context.Background(), 999999); err == nil {
		t.Fatal("expected NotFound for unknown endpoint id")
	}
}
