package storage

import (
	"testing"

	"github.com/127Wzc/imgtag/model"
)

func TestGenerateObjectKey(t *testing.T) {
	got := GenerateObjectKey("abcdef1234567890", "JPG")
	want := "ab/cd/abcdef1234567890.JPG"
	if got != want {
		t.Errorf("GenerateObjectKey() = %q, want %q", got, want)
	}
}

func TestApplyPathPrefix(t *testing.T) {
	cases := []struct{ prefix, key, want string }{
		{"", "ab/cd/x.jpg", "ab/cd/x.jpg"},
		{"tenant1", "ab/cd/x.jpg", "tenant1/ab/cd/x.jpg"},
		{"/tenant1/", "ab/cd/x.jpg", "tenant1/ab/cd/x.jpg"},
	}
	for _, c := range cases {
		if got := ApplyPathPrefix(c.key, c.prefix); got != c.want {
			t.Errorf("ApplyPathPrefix(%q, %q) = %q, want %q", c.key, c.prefix, got, c.want)
		}
	}
}

func TestBuildURL(t *testing.T) {
	s := NewService(nil)

	local := &model.StorageEndpoint{Provider: model.ProviderLocal, BucketName: "uploads"}
	if got, want := s.BuildURL(local, "ab/cd/x.jpg"), "/data/uploads/ab/cd/x.jpg"; got != want {
		t.Errorf("local BuildURL = %q, want %q", got, want)
	}

	s3ep := &model.StorageEndpoint{Provider: model.ProviderS3, EndpointURL: "https://s3.example.com", BucketName: "bucket"}
	if got, want := s.BuildURL(s3ep, "ab/cd/x.jpg"), "https://s3.example.com/bucket/ab/cd/x.jpg"; got != want {
		t.Errorf("s3 BuildURL = %q, want %q", got, want)
	}

	withPrefix := &model.StorageEndpoint{Provider: model.ProviderS3, PublicURLPrefix: "https://cdn.example.com", PathPrefix: "tenant1"}
	if got, want := s.BuildURL(withPrefix, "ab/cd/x.jpg"), "https://cdn.example.com/tenant1/ab/cd/x.jpg"; got != want {
		t.Errorf("prefixed BuildURL = %q, want %q", got, want)
	}
}

func TestPickReadLocationSinglePriorityTier(t *testing.T) {
	s := NewService(nil)
	endpoints := map[int64]*model.StorageEndpoint{
		1: {ID: 1, IsEnabled: true, IsHealthy: true, ReadPriority: 0},
		2: {ID: 2, IsEnabled: true, IsHealthy: true, ReadPriority: 1},
	}
	locs := []*model.ImageLocation{
		{EndpointID: 2},
		{EndpointID: 1},
	}
	got := s.PickReadLocation(locs, endpoints)
	if got == nil || got.EndpointID != 1 {
		t.Fatalf("PickReadLocation() = %+v, want endpoint 1 (lowest priority)", got)
	}
}

func TestPickReadLocationSkipsUnhealthy(t *testing.T) {
	s := NewService(nil)
	endpoints := map[int64]*model.StorageEndpoint{
		1: {ID: 1, IsEnabled: true, IsHealthy: false, ReadPriority: 0},
		2: {ID: 2, IsEnabled: true, IsHealthy: true, ReadPriority: 5},
	}
	locs := []*model.ImageLocation{{EndpointID: 1}, {EndpointID: 2}}
	got := s.PickReadLocation(locs, endpoints)
	if got == nil || got.EndpointID != 2 {
		t.Fatalf("PickReadLocation() = %+v, want endpoint 2 (only healthy)", got)
	}
}

func TestPickReadLocationWeightedTieBreak(t *testing.T) {
	s := NewService(nil)
	endpoints := map[int64]*model.StorageEndpoint{
		1: {ID: 1, IsEnabled: true, IsHealthy: true, ReadPriority: 0, ReadWeight: 100},
		2: {ID: 2, IsEnabled: true, IsHealthy: true, ReadPriority: 0, ReadWeight: 0},
	}
	locs := []*model.ImageLocation{{EndpointID: 1}, {EndpointID: 2}}
	counts := map[int64]int{}
	for i := 0; i < 200; i++ {
		got := s.PickReadLocation(locs, endpoints)
		counts[got.EndpointID]++
	}
	if counts[2] != 0 {
		t.Errorf("endpoint with zero weight selected %d times, want 0", counts[2])
	}
	if counts[1] == 0 {
		t.Errorf("endpoint with positive weight never selected")
	}
}

func TestPickReadLocationNoneEligible(t *testing.T) {
	s := NewService(nil)
	endpoints := map[int64]*model.StorageEndpoint{
		1: {ID: 1, IsEnabled: false, IsHealthy: true},
	}
	got := s.PickReadLocation([]*model.ImageLocation{{EndpointID: 1}}, endpoints)
	if got != nil {
		t.Fatalf("PickReadLocation() = %+v, want nil", got)
	}
}
