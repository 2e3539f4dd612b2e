package resultstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SpannerStore persists results to Cloud Spanner, for deployments running
// the simulation as a managed service where results need to survive
// beyond any single run's compute.
type SpannerStore struct {
	client *spanner.Client
}

// NewSpannerStore opens a client against the given database path
// (projects/P/instances/I/databases/D). Table creation is expected to be
// handled by the deployment's schema migration, not by this constructor.
func NewSpannerStore(ctx context.Context, database string) (*SpannerStore, error) {
	client, err := spanner.NewClient(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("resultstore: spanner client: %w", err)
	}
	return &SpannerStore{client: client}, nil
}

func (s *SpannerStore) WriteGrid(ctx context.Context, r GridResult) error {
	mut := spanner.InsertOrUpdate("HighlifeGrids",
		[]string{"LPID", "Steps", "Width", "Height", "Grid", "RecordedAt"},
		[]interface{}{r.LPID, int64(r.Steps), int64(r.Width), int64(r.Height), r.Grid, spanner.CommitTimestamp},
	)
	_, err := s.client.Apply(ctx, []*spanner.Mutation{mut})
	return err
}

func (s *SpannerStore) WriteSearch(ctx context.Context, r SearchResult) error {
	mut := spanner.InsertOrUpdate("SearchResults",
		[]string{"PEID", "Reached", "PathCells", "EntryExit", "RecordedAt"},
		[]interface{}{int64(r.PEID), r.Reached, int64(r.PathCells), r.EntryExit, spanner.CommitTimestamp},
	)
	_, err := s.client.Apply(ctx, []*spanner.Mutation{mut})
	return err
}

// CountGrids returns the number of HighLife grid rows recorded, used by
// the monitor HTTP surface's /status endpoint when Spanner is configured.
func (s *SpannerStore) CountGrids(ctx context.Context) (int64, error) {
	stmt := spanner.Statement{SQL: `SELECT COUNT(*) FROM HighlifeGrids`}
	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count int64
	if err := row.Column(0, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
