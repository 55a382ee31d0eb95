package ingest

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func TestDecodeMetaPNG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 20))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	w, h, ext := decodeMeta(buf.Bytes())
	if w != 10 || h != 20 {
		t.Errorf("decodeMeta dims = (%d,%d), want (10,20)", w, h)
	}
	if ext != "png" {
		t.Errorf("decodeMeta ext = %q, want png", ext)
	}
}

func TestDecodeMetaUnknownFormatFallsBackToSniff(t *testing.T) {
	// A minimal "GIF87a" header without full GIF data: image.DecodeConfig
	// fails, so decodeMeta should fall back to content sniffing.
	data := []byte("GIF87a")
	w, h, ext := decodeMeta(data)
	if w != 0 || h != 0 {
		t.Errorf("decodeMeta dims = (%d,%d), want zero", w, h)
	}
	if ext != "gif" {
		t.Errorf("decodeMeta ext = %q, want gif (sniffed)", ext)
	}
}

func TestSniffExt(t *testing.T) {
	padding := "                                "
	cases := map[string]string{
		"\xff\xd8\xff\xe0":  "jpg",
		"\x89PNG\r\n\x1a\n": "png",
		"GIF87a":            "gif",
	}
	for magic, want := range cases {
		if got := sniffExt([]byte(magic + padding)); got != want {
			t.Errorf("sniffExt(%q) = %q, want %q", magic, got, want)
		}
	}
}
