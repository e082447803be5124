package main

import (
	"runtime/debug"
	"testing"
)

func noBuildInfo() (*debug.BuildInfo, bool) { return nil, false }

func TestFormatVersion(t *testing.T) {
	tests := []struct {
		name          string
		v, c, d, want string
	}{
		{"release version", "v1.2.3", "none", "unknown", "analysiswatch version v1.2.3"},
		{"dev no metadata", "dev", "none", "unknown", "analysiswatch version dev"},
		{"dev commit only", "dev", "abcdef012345", "unknown", "analysiswatch version dev (commit abcdef0)"},
		{"dev date only", "dev", "none", "2026-01-18T16:00:00Z", "analysiswatch version dev (built 2026-01-18T16:00:00Z)"},
		{"dev commit and date", "dev", "abcdef012345", "2026-01-18T16:00:00Z", "analysiswatch version dev (commit abcdef0, built 2026-01-18T16:00:00Z)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatVersion(tt.v, tt.c, tt.d, noBuildInfo); got != tt.want {
				t.Fatalf("formatVersion() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatVersionReadsBuildInfo(t *testing.T) {
	info := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789ab"},
			{Key: "vcs.time", Value: "2026-02-01T00:00:00Z"},
		}}, true
	}
	got := formatVersion("dev", "none", "unknown", info)
	want := "analysiswatch version dev (commit 0123456, built 2026-02-01T00:00:00Z)"
	if got != want {
		t.Fatalf("formatVersion() = %q, want %q", got, want)
	}
}
