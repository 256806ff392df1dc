package utils

// Build metadata, overridden at link time via -ldflags.
var (
	Version    = "dev"
	GitHash    = "unknown"
	BuildStamp = "unknown"
)
