// Package version holds the host build version matched against plugin
// engine ranges.
package version

// Build information, overridable at build time via -ldflags.
var (
	// Version is the host semantic version.
	Version = "0.5.0"

	// GitCommit is the commit the binary was built from.
	GitCommit = ""
)
