// Package version reports what build of nerved is running. The commit
// comes from -ldflags when the build pipeline sets it, otherwise from
// the VCS stamp the Go toolchain embeds, otherwise "dev".
package version

import "runtime/debug"

// AppName names the binary in logs and version strings.
const AppName = "nerved"

const shortHashLen = 8

// commitOverride is injected with
// -ldflags "-X .../pkg/version.commitOverride=<sha>" for builds
// without a .git directory.
var commitOverride string

// GitCommit is the short commit hash of this build, or "dev".
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commitOverride != "" {
		return shorten(commitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(sha string) string {
	if len(sha) > shortHashLen {
		return sha[:shortHashLen]
	}
	return sha
}

// Full returns "nerved/<commit>" for boot logs and user agents.
func Full() string {
	return AppName + "/" + GitCommit
}
