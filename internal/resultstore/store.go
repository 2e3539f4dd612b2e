// Package resultstore persists model output beyond the per-PE text
// files every model writes directly: a durable record of final grids and
// search results keyed by run, for tooling that wants to query past runs
// without re-parsing output directories.
package resultstore

import "context"

// GridResult is HighLife's per-LP final state, as recorded by a run's
// FileStore/PostgresStore/SpannerStore.
type GridResult struct {
	LPID          uint64
	Steps         int
	Grid          []byte
	Width, Height int
}

// SearchResult is the search model's per-PE outcome: whether the agent
// reached a goal cell and the path it took.
type SearchResult struct {
	PEID      uint32
	Reached   bool
	PathCells int
	EntryExit string
}

// Store is the persistence seam both models write through at Final. A
// nil Store is valid and means "text files only, no durable record."
type Store interface {
	WriteGrid(ctx context.Context, r GridResult) error
	WriteSearch(ctx context.Context, r SearchResult) error
	Close() error
}
