package resultstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists results to a Postgres table, for deployments
// that want queryable run history instead of (or alongside) text files.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and ensures the
// result tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("resultstore: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("resultstore: ping postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS highlife_grids (
			lp_id BIGINT NOT NULL,
			steps INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			grid BYTEA NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS search_results (
			pe_id INT NOT NULL,
			reached BOOLEAN NOT NULL,
			path_cells INT NOT NULL,
			entry_exit TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	return err
}

func (s *PostgresStore) WriteGrid(ctx context.Context, r GridResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO highlife_grids (lp_id, steps, width, height, grid) VALUES ($1, $2, $3, $4, $5)`,
		r.LPID, r.Steps, r.Width, r.Height, r.Grid,
	)
	return err
}

func (s *PostgresStore) WriteSearch(ctx context.Context, r SearchResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_results (pe_id, reached, path_cells, entry_exit) VALUES ($1, $2, $3, $4)`,
		r.PEID, r.Reached, r.PathCells, r.EntryExit,
	)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }
