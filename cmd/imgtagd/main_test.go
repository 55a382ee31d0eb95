package main

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestLogLevelParsesKnownLevel(t *testing.T) {
	if got := logLevel("debug"); got != zerolog.DebugLevel {
		t.Errorf("logLevel(%q) = %v, want DebugLevel", "debug", got)
	}
	if got := logLevel("WARN"); got != zerolog.WarnLevel {
		t.Errorf("logLevel(%q) = %v, want WarnLevel", "WARN", got)
	}
}

func TestLogLevelDefaultsToInfoOnGarbage(t *testing.T) {
	if got := logLevel("not-a-level"); got != zerolog.InfoLevel {
		t.Errorf("logLevel(garbage) = %v, want InfoLevel", got)
	}
}

func TestAllowedExtensions(t *testing.T) {
	got := allowedExtensions(" JPG, png ,,gif")
	want := map[string]bool{"jpg": true, "png": true, "gif": true}
	if len(got) != len(want) {
		t.Fatalf("allowedExtensions = %v, want %v", got, want)
	}
	for ext := range want {
		if !got[ext] {
			t.Errorf("allowedExtensions missing %q", ext)
		}
	}
}
