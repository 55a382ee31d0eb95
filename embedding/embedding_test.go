package embedding

import (
	"context"
	"math"
	"testing"
)

func TestCombinedText(t *testing.T) {
	cases := []struct {
		desc string
		tags []string
		want string
	}{
		{"a red car", nil, "a red car"},
		{"", []string{"cat", "sofa"}, "tags: cat, sofa"},
		{"a red car", []string{"cat", " ", "sofa"}, "a red car | tags: cat, sofa"},
		{"", nil, ""},
	}
	for _, c := range cases {
		if got := CombinedText(c.desc, c.tags); got != c.want {
			t.Errorf("CombinedText(%q, %v) = %q, want %q", c.desc, c.tags, got, c.want)
		}
	}
}

func TestLocalAdapterDeterministicAndNormalized(t *testing.T) {
	a := NewLocalAdapter(64)
	v1, err := a.Embed(context.Background(), "a red sports car")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	v2, err := a.Embed(context.Background(), "a red sports car")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("Embed() is not deterministic at index %d: %v vs %v", i, v1[i], v2[i])
		}
	}

	var norm float64
	for _, f := range v1 {
		norm += float64(f) * float64(f)
	}
	norm = math.Sqrt(norm)
	if math.Abs(norm-1.0) > 1e-6 {
		t.Errorf("||v|| = %v, want ~1.0", norm)
	}
}

func TestLocalAdapterEmptyTextZeroVector(t *testing.T) {
	a := NewLocalAdapter(16)
	v, err := a.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for i, f := range v {
		if f != 0 {
			t.Errorf("v[%d] = %v, want 0", i, f)
		}
	}
}

func TestEmbedCombinedZeroVectorWhenEmpty(t *testing.T) {
	a := NewLocalAdapter(8)
	v, err := EmbedCombined(context.Background(), a, "", nil)
	if err != nil {
		t.Fatalf("EmbedCombined() error = %v", err)
	}
	if len(v) != 8 {
		t.Fatalf("len(v) = %d, want 8", len(v))
	}
}
