// Package version holds build version information.
package version

// Version is the current causantic version, overridden at build time via
// -ldflags "-X github.com/entrolution/causantic/pkg/version.Version=...".
var Version = "0.3.0-dev"
