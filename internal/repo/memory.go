package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/collectibles/dbtflow/internal/domain"
)

// DefaultMemoryCapacity — сколько runs хранит MemoryStore по умолчанию.
const DefaultMemoryCapacity = 200

// MemoryStore — история последних runs в памяти процесса.
// Используется, когда DB_URL не задан. При переполнении вытесняются
// самые старые runs.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	runs     map[uuid.UUID]*domain.RunRecord
	order    []uuid.UUID // в порядке первого Record
}

// NewMemoryStore создаёт MemoryStore. capacity <= 0 означает DefaultMemoryCapacity.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		runs:     make(map[uuid.UUID]*domain.RunRecord, capacity),
	}
}

// Record сохраняет копию run. Как и RunRepo, не меняет run в терминальном статусе.
func (s *MemoryStore) Record(_ context.Context, run *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if ok && existing.Status.IsTerminal() {
		return nil
	}
	if !ok {
		s.order = append(s.order, run.ID)
		if len(s.order) > s.capacity {
			evicted := s.order[0]
			s.order = s.order[1:]
			delete(s.runs, evicted)
		}
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

// Get возвращает копию run по ID.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*domain.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

// List возвращает runs, новые первыми.
func (s *MemoryStore) List(_ context.Context, filter RunFilter) ([]domain.RunRecord, error) {
	filter = filter.normalize()

	s.mu.RLock()
	matched := make([]domain.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.PipelineID != "" && run.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		matched = append(matched, *run.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})

	if filter.Offset >= len(matched) {
		return []domain.RunRecord{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}
