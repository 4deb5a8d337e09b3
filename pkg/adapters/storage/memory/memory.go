package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
)

// Store keeps pipelines, runs and run logs in process memory. Values are
// deep copied on the way in and out so callers never share state with the
// store.
type Store struct {
	mu        sync.RWMutex
	pipelines map[string]*domain.Pipeline
	runs      map[string]*domain.Run
	logs      map[string][]domain.LogEntry
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		pipelines: make(map[string]*domain.Pipeline),
		runs:      make(map[string]*domain.Run),
		logs:      make(map[string][]domain.LogEntry),
	}
}

// SavePipeline creates or replaces a pipeline
func (s *Store) SavePipeline(ctx context.Context, p *domain.Pipeline) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pipelines[p.ID] = p.Clone()
	return nil
}

// GetPipeline returns a pipeline by id
func (s *Store) GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	return p.Clone(), nil
}

// ListPipelines returns every pipeline sorted by id
func (s *Store) ListPipelines(ctx context.Context) ([]*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeletePipeline removes a pipeline
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrPipelineNotFound, id)
	}
	delete(s.pipelines, id)
	return nil
}

// SaveRun creates or replaces a run snapshot
func (s *Store) SaveRun(ctx context.Context, run *domain.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a run by id
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return run.Clone(), nil
}

// ListRuns returns the runs of a pipeline, newest first. An empty
// pipeline id lists every run.
func (s *Store) ListRuns(ctx context.Context, pipelineID string) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.Run
	for _, run := range s.runs {
		if pipelineID == "" || run.PipelineID == pipelineID {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendLog appends one entry to a run's log
func (s *Store) AppendLog(ctx context.Context, entry domain.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[entry.RunID] = append(s.logs[entry.RunID], entry)
	return nil
}

// Logs returns the last tail entries of a run, optionally for one task
func (s *Store) Logs(ctx context.Context, runID, taskID string, tail int) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LogEntry
	for _, e := range s.logs[runID] {
		if taskID == "" || e.TaskID == taskID {
			out = append(out, e)
		}
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return append([]domain.LogEntry(nil), out...), nil
}
