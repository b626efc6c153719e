package db

import (
	"fmt"

	"github.com/pressly/goose/v3"
)

// latestVersion returns the highest embedded migration version, which is
// the schema version this build expects.
func latestVersion(sources []*goose.Source) int64 {
	var latest int64

	for _, src := range sources {
		if src.Version > latest {
			latest = src.Version
		}
	}

	return latest
}

// checkVersion fails when the database is behind the embedded migrations, or
// ahead of them because a newer famgraph already migrated it.
func checkVersion(current, want int64) error {
	switch {
	case current < want:
		return fmt.Errorf("schema version %d is behind expected %d", current, want)
	case current > want:
		return fmt.Errorf("schema version %d is newer than this build supports (%d)", current, want)
	default:
		return nil
	}
}
