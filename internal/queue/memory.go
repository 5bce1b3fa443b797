package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/drawerd/pkg/types"
)

// MemoryStore is an in-process Store. Jobs live in a single map; pending
// order is derived from CreatedAt.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*types.DrawerJob
	seq  []types.JobID // insertion order, breaks CreatedAt ties
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[types.JobID]*types.DrawerJob),
	}
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, job types.DrawerJob) (types.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = types.JobID(uuid.NewString())
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", ErrDuplicateJob
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	s.jobs[job.ID] = &job
	s.seq = append(s.seq, job.ID)
	return job.ID, nil
}

// Pending implements Store.
func (s *MemoryStore) Pending(_ context.Context, jobType string, limit int) ([]types.DrawerJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.DrawerJob, 0)
	for _, id := range s.seq {
		job := s.jobs[id]
		if job.Type == jobType && !job.Claimed() {
			out = append(out, *job)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessed implements Store. Unknown and already-claimed ids count
// toward a partial claim.
func (s *MemoryStore) MarkProcessed(_ context.Context, ids []types.JobID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok || job.Claimed() {
			continue
		}
		t := at
		job.PrintedAt = &t
		affected++
	}
	return claimResult(len(ids), affected)
}

// Get returns a copy of the job with id, if present.
func (s *MemoryStore) Get(id types.JobID) (types.DrawerJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return types.DrawerJob{}, false
	}
	return *job, true
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
