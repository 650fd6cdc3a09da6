package app

// Version is the semantic version, overridable at build time via -ldflags.
var Version = "0.3.0-dev"

// BuildCommit is the git commit the binary was built from.
var BuildCommit = "unknown"
