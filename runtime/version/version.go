// Package version reports the CollabKit build version. The variables can be
// set at build time:
//
//	go build -ldflags "-X github.com/AltairaLabs/CollabKit/runtime/version.version=1.0.0"
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

const (
	devVersion     = "dev"
	shortCommitLen = 7
	vcsRevisionKey = "vcs.revision"
	vcsModifiedKey = "vcs.modified"
)

// Build-time variables, overridden with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
	buildDate = ""
)

// Get returns the version string, falling back to the module version in
// the build info and then to "dev".
func Get() string {
	if version != devVersion {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return devVersion
}

// vcs reads the short revision and dirty flag from the build info.
func vcs() (commit string, dirty bool) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	for _, s := range info.Settings {
		switch s.Key {
		case vcsRevisionKey:
			commit = s.Value[:min(shortCommitLen, len(s.Value))]
		case vcsModifiedKey:
			dirty = s.Value == "true"
		}
	}
	return commit, dirty
}

func commit() string {
	if gitCommit != "" {
		return gitCommit
	}
	c, _ := vcs()
	return c
}

// Info returns the multi-line version banner for binary.
func Info(binary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s version %s", binary, Get())
	if c := commit(); c != "" {
		fmt.Fprintf(&b, "\ncommit: %s", c)
	}
	if buildDate != "" {
		fmt.Fprintf(&b, "\nbuilt: %s", buildDate)
	}
	return b.String()
}

// LogAttrs returns the version details as slog key/value pairs for a
// startup log line.
func LogAttrs() []any {
	attrs := []any{"version", Get()}
	if c := commit(); c != "" {
		attrs = append(attrs, "commit", c)
	}
	if gitCommit == "" {
		if _, dirty := vcs(); dirty {
			attrs = append(attrs, "dirty", true)
		}
	}
	if buildDate != "" {
		attrs = append(attrs, "built", buildDate)
	}
	return attrs
}
