package delegation

import (
	"sort"
	"sync"
	"time"

	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// TaskStore archives delegation tasks. Stored tasks are snapshots; callers
// receive copies and may not mutate the archive through them.
type TaskStore interface {
	Put(task *types.DelegationTask)
	Get(taskID string) (*types.DelegationTask, error)
	List(sessionID string) []*types.DelegationTask

	// EvictTerminal removes terminal tasks completed before cutoff and
	// returns their ids.
	EvictTerminal(cutoff time.Time) []string
}

// MemoryStore is a concurrency-safe, in-memory TaskStore.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*types.DelegationTask
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*types.DelegationTask)}
}

// Put inserts or replaces the snapshot of task.
func (s *MemoryStore) Put(task *types.DelegationTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task.Clone()
}

// Get returns a copy of the task or types.ErrTaskNotFound.
func (s *MemoryStore) Get(taskID string) (*types.DelegationTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, types.ErrTaskNotFound
	}
	return t.Clone(), nil
}

// List returns the session's tasks, oldest first. An empty sessionID lists
// every task.
func (s *MemoryStore) List(sessionID string) []*types.DelegationTask {
	s.mu.RLock()
	out := make([]*types.DelegationTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		if sessionID == "" || t.SessionID == sessionID {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// EvictTerminal removes terminal tasks whose CompletedAt is before cutoff.
func (s *MemoryStore) EvictTerminal(cutoff time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, t := range s.tasks {
		if !t.State.IsTerminal() {
			continue
		}
		if t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}
