package tags

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/127Wzc/imgtag/dbstore"
	"github.com/127Wzc/imgtag/model"
)

// testPool mirrors dbstore's own Postgres-backed test gate: skip unless a
// live database is configured, since the tag rules here are exercised
// entirely through dbstore.TagStore.
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

func TestSetImageTagsPreservesUserTagsOnAIRerun(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tagStore := dbstore.NewTagStore(pool)
	images := dbstore.NewImageStore(pool)
	svc := NewService(tagStore)

	img := &model.Image{FileHash: "h"}
	if err := images.Create(ctx, img); err != nil {
		t.Fatalf("Create image: %v", err)
	}

	// A user manually adds a keyword tag.
	userTag, err := tagStore.Resolve(ctx, "vacation", model.SourceUser)
	if err != nil {
		t.Fatalf("Resolve user tag: %v", err)
	}
	if err := tagStore.AddAssociation(ctx, img.ID, userTag.ID, model.SourceUser, nil, 0); err != nil {
		t.Fatalf("AddAssociation (user): %v", err)
	}

	// The AI analysis pass runs and proposes its own keyword set.
	_, err = svc.SetImageTags(ctx, SetImageTagsInput{
		ImageID:  img.ID,
		Width:    1920,
		Height:   1080,
		Keywords: []string{"beach", "sunset"},
		Source:   model.SourceAI,
	})
	if err != nil {
		t.Fatalf("SetImageTags: %v", err)
	}

	final, err := svc.ForImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("ForImage: %v", err)
	}

	var hasUserTag, hasBeach, hasResolution bool
	for _, tg := range final {
		switch {
		case tg.ID == userTag.ID:
			hasUserTag = true
		case tg.Name == "beach":
			hasBeach = true
		case tg.Name == "1080p":
			hasResolution = true
		}
	}
	if !hasUserTag {
		t.Error("SetImageTags removed a user-sourced tag on an AI re-run")
	}
	if !hasBeach {
		t.Error("SetImageTags did not apply the new AI keyword set")
	}
	if !hasResolution {
		t.Error("SetImageTags did not apply the resolution tag")
	}
}

func TestSetImageTagsReRunDropsStaleAIKeywords(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	tagStore := dbstore.NewTagStore(pool)
	images := dbstore.NewImageStore(pool)
	svc := NewService(tagStore)

	img := &model.Image{FileHash: "h2"}
	if err := images.Create(ctx, img); err != nil {
		t.Fatalf("Create image: %v", err)
	}

	if _, err := svc.SetImageTags(ctx, SetImageTagsInput{
		ImageID:  img.ID,
		Width:    640,
		Height:   480,
		Keywords: []string{"dog"},
		Source:   model.SourceAI,
	}); err != nil {
		t.Fatalf("SetImageTags (first run): %v", err)
	}

	if _, err := svc.SetImageTags(ctx, SetImageTagsInput{
		ImageID:  img.ID,
		Width:    640,
		Height:   480,
		Keywords: []string{"cat"},
		Source:   model.SourceAI,
	}); err != nil {
		t.Fatalf("SetImageTags (second run): %v", err)
	}

	final, err := svc.ForImage(ctx, img.ID)
	if err != nil {
		t.Fatalf("ForImage: %v", err)
	}
	for _, tg := range final {
		if tg.Name == "dog" {
			t.Fatal("SetImageTags left a stale AI keyword from a previous run")
		}
	}
}
