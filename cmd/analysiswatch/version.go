package main

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var version = "dev"

var commit = "none"

var date = "unknown"

func versionLine() string {
	return formatVersion(version, commit, date, debug.ReadBuildInfo)
}

func formatVersion(v, c, d string, buildInfo func() (*debug.BuildInfo, bool)) string {
	if v != "dev" {
		return fmt.Sprintf("analysiswatch version %s", v)
	}

	c = strings.TrimSpace(c)
	d = strings.TrimSpace(d)

	if (c == "" || c == "none") || (d == "" || d == "unknown") {
		if bi, ok := buildInfo(); ok {
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					if (c == "" || c == "none") && strings.TrimSpace(s.Value) != "" {
						c = strings.TrimSpace(s.Value)
					}
				case "vcs.time":
					if (d == "" || d == "unknown") && strings.TrimSpace(s.Value) != "" {
						d = strings.TrimSpace(s.Value)
					}
				}
			}
		}
	}

	if c != "" && c != "none" {
		if len(c) > 7 {
			c = c[:7]
		}
	}

	if (c == "" || c == "none") && (d == "" || d == "unknown") {
		return "analysiswatch version dev"
	}
	if c == "" || c == "none" {
		return fmt.Sprintf("analysiswatch version dev (built %s)", d)
	}
	if d == "" || d == "unknown" {
		return fmt.Sprintf("analysiswatch version dev (commit %s)", c)
	}
	return fmt.Sprintf("analysiswatch version dev (commit %s, built %s)", c, d)
}
