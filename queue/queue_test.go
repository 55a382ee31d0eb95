package queue

import "testing"

func TestMimeTypeFor(t *testing.T) {
	cases := map[string]string{
		"png":  "image/png",
		".PNG": "image/png",
		"gif":  "image/gif",
		"webp": "image/webp",
		"bmp":  "image/bmp",
		"jpg":  "image/jpeg",
		"":     "image/jpeg",
	}
	for ext, want := range cases {
		if got := mimeTypeFor(ext); got != want {
			t.Errorf("mimeTypeFor(%q) = %q, want %q", ext, got, want)
		}
	}
}
