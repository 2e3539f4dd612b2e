package resultstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore appends result records to a single text log file per run,
// the default store when no database is configured. It is the one store
// every scenario test uses, since it has no external dependency.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore opens (creating if necessary) a result log at path.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) WriteGrid(ctx context.Context, r GridResult) error {
	return s.append(fmt.Sprintf("grid lp=%d steps=%d width=%d height=%d\n", r.LPID, r.Steps, r.Width, r.Height))
}

func (s *FileStore) WriteSearch(ctx context.Context, r SearchResult) error {
	return s.append(fmt.Sprintf("search pe=%d reached=%t path_cells=%d entry_exit=%s\n", r.PEID, r.Reached, r.PathCells, r.EntryExit))
}

func (s *FileStore) append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

func (s *FileStore) Close() error { return nil }
