// Package memory is an in-process RunStore.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/tjfontaine/contentgen-gateway/internal/storage"
)

// Store keeps runs in a map. Records are copied in and out so callers
// cannot mutate stored state.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*storage.RunRecord
}

var _ storage.RunStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		runs: make(map[string]*storage.RunRecord),
	}
}

// SaveRun inserts run or replaces the stored copy.
func (s *Store) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	stored := clone(run)
	if existing, ok := s.runs[run.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.runs[run.ID] = stored

	run.CreatedAt = stored.CreatedAt
	run.UpdatedAt = stored.UpdatedAt
	return nil
}

// GetRun returns storage.ErrNotFound for unknown ids.
func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return clone(run), nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts storage.ListOptions) ([]*storage.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.RunRecord
	for _, run := range s.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		result = append(result, clone(run))
	}

	slices.SortFunc(result, func(a, b *storage.RunRecord) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}

func clone(run *storage.RunRecord) *storage.RunRecord {
	c := *run
	c.Fields = slices.Clone(run.Fields)
	c.Analysis = maps.Clone(run.Analysis)
	c.Result = slices.Clone(run.Result)
	return &c
}
