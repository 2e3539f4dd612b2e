package revert

import (
	"context"
	"fmt"
	"log/slog"
)

// UndoFunc is a closure that reverses a specific side effect made outside
// the PDES state machine itself (a file write, a partial store insert)
// while a run's driver is still setting up.
type UndoFunc func(ctx context.Context) error

// CompensationStack is a LIFO list of side-effect undo actions, used by a
// model driver's startup path: if NewClient/ParseGrid fails after some
// output has already been written, the driver compensates rather than
// leaving partial output on disk.
type CompensationStack struct {
	RunID string
	ops   []UndoFunc
}

func NewStack(runID string) *CompensationStack {
	return &CompensationStack{
		RunID: runID,
		ops:   make([]UndoFunc, 0),
	}
}

// Push adds a compensating action to the stack (LIFO)
func (s *CompensationStack) Push(undo UndoFunc) {
	s.ops = append(s.ops, undo)
}

// Compensate executes the undo stack in reverse order (Last-In, First-Out)
func (s *CompensationStack) Compensate(ctx context.Context) error {
	slog.Info("initiating compensation for run", "run_id", s.RunID)
	for i := len(s.ops) - 1; i >= 0; i-- {
		if err := s.ops[i](ctx); err != nil {
			return fmt.Errorf("compensation failed at step %d: %w", i, err)
		}
	}
	return nil
}
