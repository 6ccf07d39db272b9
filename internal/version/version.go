// Package version holds the gridgate release version string.
package version

// Version is overridden at build time via -ldflags.
var Version = "0.4.0-dev"
