package revert

import (
	"context"
	"log"
	"os"
)

// Generator builds the logic to undo specific environmental changes made
// during a run driver's startup.
type Generator struct{}

// UndoFileCreation prepares the deletion of a file if the run is aborted
// before it produces valid output (e.g. a grid-dump file opened before
// ParseGrid later fails on a malformed map).
func (g *Generator) UndoFileCreation(path string) UndoFunc {
	return func(ctx context.Context) error {
		if _, err := os.Stat(path); err == nil {
			log.Printf("reverting: deleting partial output file %s", path)
			return os.Remove(path)
		}
		return nil
	}
}
