// Package version holds the build version of the reindexer.
package version

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0-dev"
