// Package config holds build-time metadata injected via -ldflags.
package config

// Set at build time via:
//
//	go build -ldflags "-X github.com/fieldlink/ctrld/internal/config.Version=... \
//	  -X github.com/fieldlink/ctrld/internal/config.GitCommit=... \
//	  -X github.com/fieldlink/ctrld/internal/config.BuildDate=..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)
