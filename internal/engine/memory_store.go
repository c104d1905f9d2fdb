package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jonathan/workflow-engine/internal/graph"
)

// MemoryStore is an in-process RunStore
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*Run
	seq  []uuid.UUID
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[uuid.UUID]*Run)}
}

// CreateRun stores a copy of run
func (s *MemoryStore) CreateRun(_ context.Context, run *Run) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.RunNumber = 1
	if cp.WorkflowID != nil {
		for _, r := range s.runs {
			if r.UserID == cp.UserID && r.WorkflowID != nil && *r.WorkflowID == *cp.WorkflowID {
				cp.RunNumber++
			}
		}
	}
	cp.Results = append([]graph.NodeResult(nil), run.Results...)

	s.runs[cp.ID] = &cp
	s.seq = append(s.seq, cp.ID)
	run.ID = cp.ID
	run.RunNumber = cp.RunNumber
	return cp.ID, nil
}

// AppendResult adds a node result to a running run
func (s *MemoryStore) AppendResult(_ context.Context, runID uuid.UUID, result graph.NodeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return ErrRunFinished
	}
	r.Results = append(r.Results, result)
	return nil
}

// UpdateRun applies the terminal transition exactly once
func (s *MemoryStore) UpdateRun(_ context.Context, runID uuid.UUID, u RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return ErrRunFinished
	}

	completed := u.CompletedAt
	r.Status = u.Status
	r.FinalScript = u.FinalScript
	r.Storyboard = u.Storyboard
	r.CreditsUsed = u.CreditsUsed
	r.ErrorMessage = u.ErrorMessage
	r.CompletedAt = &completed
	r.ExecutionTimeMs = u.ExecutionTimeMs
	return nil
}

// GetRun returns a copy of a run
func (s *MemoryStore) GetRun(_ context.Context, runID uuid.UUID) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	cp.Results = append([]graph.NodeResult(nil), r.Results...)
	return &cp, nil
}

// ListRuns returns the user's runs, newest first
func (s *MemoryStore) ListRuns(_ context.Context, userID string, limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Run
	for i := len(s.seq) - 1; i >= 0; i-- {
		r := s.runs[s.seq[i]]
		if r.UserID != userID {
			continue
		}
		cp := *r
		cp.Results = append([]graph.NodeResult(nil), r.Results...)
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteRun removes a run and its results
func (s *MemoryStore) DeleteRun(_ context.Context, runID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	for i, id := range s.seq {
		if id == runID {
			s.seq = append(s.seq[:i], s.seq[i+1:]...)
			break
		}
	}
	return nil
}

var (
	_ RunStore   = (*MemoryStore)(nil)
	_ RunDeleter = (*MemoryStore)(nil)
)
