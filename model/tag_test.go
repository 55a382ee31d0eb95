package model

import "testing"

func TestResolutionFor(t *testing.T) {
	cases := []struct {
		width, height int
		want          string
	}{
		{7680, 4320, "8K"},
		{3840, 2160, "4K"},
		{2560, 1440, "2K"},
		{1920, 1080, "1080p"},
		{1280, 720, "720p"},
		{640, 480, "SD"},
		{480, 1920, "1080p"}, // portrait orientation: the longest side wins
	}
	for _, c := range cases {
		if got := ResolutionFor(c.width, c.height); got != c.want {
			t.Errorf("ResolutionFor(%d, %d) = %q, want %q", c.width, c.height, got, c.want)
		}
	}
}
