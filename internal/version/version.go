// Package version holds build metadata injected at link time.
package version

// Version is overridden with -ldflags "-X .../internal/version.Version=...".
var Version = "dev"
