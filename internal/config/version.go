package config

// Version is the famgraph binary version.
// Set at build time via: -ldflags "-X github.com/persistorai/famgraph/internal/config.Version=<tag>"
var Version = "dev"
