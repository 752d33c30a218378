package record

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
)

// MemoryStore is an in-process Store backed by a mutex-guarded map. It
// exists for tests, the same role the teacher's memory package plays
// opposite its postgres backend.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]Record
}

// NewMemoryStore creates an empty MemoryStore using the real wall
// clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.New())
}

// NewMemoryStoreWithClock creates an empty MemoryStore using the
// supplied time source. Test code uses this with a *clock.Mock to
// control staleness deterministically.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clk,
		records: make(map[string]Record),
	}
}

func (s *MemoryStore) Create(_ context.Context, rec Record, onlyIfAbsent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if onlyIfAbsent {
		if _, ok := s.records[rec.ID]; ok {
			return ErrAlreadyExists{ID: rec.ID}
		}
	}
	now := s.clock.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound{ID: id}
	}
	return rec, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, newStatus Status, patch StatusPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound{ID: id}
	}
	rec.Status = newStatus
	rec.UpdatedAt = s.clock.Now().UTC()
	applyPatch(&rec, patch)
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) QueryByStatus(_ context.Context, status Status, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matches []Record
	for _, rec := range s.records {
		if rec.Status == status {
			matches = append(matches, rec)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func applyPatch(rec *Record, patch StatusPatch) {
	if patch.ObjectURL != nil {
		rec.ObjectURL = *patch.ObjectURL
	}
	if patch.ObjectKey != nil {
		rec.ObjectKey = *patch.ObjectKey
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Width != nil {
		rec.Width = *patch.Width
	}
	if patch.Height != nil {
		rec.Height = *patch.Height
	}
	if patch.Format != nil {
		rec.Format = *patch.Format
	}
}
