package dbstore

import (
	"context"
	"testing"

	"github.com/127Wzc/imgtag/model"
)

func TestImageStoreCreateGetUpdateDelete(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	s := NewImageStore(pool)

	img := &model.Image{
		FileHash:   "abc123",
		FileType:   "jpg",
		FileSizeMB: 1.5,
		Width:      640,
		Height:     480,
	}
	if err := s.Create(ctx, img); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if img.ID == 0 {
		t.Fatal("Create did not populate ID")
	}

	got, err := s.Get(ctx, img.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.FileHash != "abc123" || got.Width != 640 {
		t.Fatalf("Get = %+v, want FileHash=abc123 Width=640", got)
	}
	if got.Embedding != nil {
		t.Fatalf("Embedding = %v, want nil before analysis", got.Embedding)
	}

	desc := "a tagged photo"
	public := true
	if err := s.Update(ctx, img.ID, &desc, &public); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err = s.Get(ctx, img.ID)
	if err != nil {
		t.Fatalf("Get after Update: %v", err)
	}
	if got.Description != desc || !got.IsPublic {
		t.Fatalf("Get after Update = %+v", got)
	}

	vec := []float32{0.1, 0.2, 0.3}
	if err := s.SetDescriptionAndEmbedding(ctx, img.ID, "described", vec); err != nil {
		t.Fatalf("SetDescriptionAndEmbedding: %v", err)
	}
	got, err = s.Get(ctx, img.ID)
	if err != nil {
		t.Fatalf("Get after SetDescriptionAndEmbedding: %v", err)
	}
	if len(got.Embedding) != len(vec) {
		t.Fatalf("Embedding = %v, want length %d", got.Embedding, len(vec))
	}

	if err := s.Delete(ctx, img.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = s.Get(ctx, img.ID)
	if err != nil {
		t.Fatalf("Get after Delete: %v", err)
	}
	if got != nil {
		t.Fatalf("Get after Delete = %+v, want nil", got)
	}
}

func TestImageStoreCountLocationsByImageEmpty(t *testing.T) {
	pool := testPool(t)
	s := NewImageStore(pool)

	counts, err := s.CountLocationsByImage(context.Background(), nil)
	if err != nil {
		t.Fatalf("CountLocationsByImage: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("CountLocationsByImage(nil) = %v, want empty", counts)
	}
}
