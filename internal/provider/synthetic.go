package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyntheticAsync adapts a blocking deep-research provider to the async
// lifecycle. Submit runs Execute inline, caches the result and returns a
// handle that is already terminal; Retrieve hands the cached result back
// once and drops it. The cache is in-memory only; a crash between Submit
// and Retrieve loses it, and a re-run yields a fresh handle.
type SyntheticAsync struct {
	Provider

	mu    sync.Mutex
	cache map[string]*Result
}

// NewSyntheticAsync wraps p. The wrapped descriptor advertises the full
// async capability set.
func NewSyntheticAsync(p Provider) *SyntheticAsync {
	return &SyntheticAsync{
		Provider: p,
		cache:    make(map[string]*Result),
	}
}

// Descriptor reports the inner descriptor with submit/poll/retrieve turned on.
func (s *SyntheticAsync) Descriptor() Descriptor {
	d := s.Provider.Descriptor()
	d.Capabilities.Submit = true
	d.Capabilities.Poll = true
	d.Capabilities.Retrieve = true
	return d
}

// Submit executes the query synchronously and returns an already-terminal
// handle whose result waits in the cache.
func (s *SyntheticAsync) Submit(ctx context.Context, query string, opts Options) (*TaskHandle, error) {
	res, err := s.Provider.Execute(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	status := StatusCompleted
	if res.Failed() {
		status = StatusFailed
	}
	id := uuid.NewString()

	s.mu.Lock()
	s.cache[id] = res
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	return &TaskHandle{
		Provider:    s.Provider.Descriptor().ID,
		TaskID:      id,
		Query:       query,
		SubmittedAt: now,
		Status:      status,
		CompletedAt: now,
	}, nil
}

// Poll reports the cached task's terminal state.
func (s *SyntheticAsync) Poll(ctx context.Context, h *TaskHandle) (*PollUpdate, error) {
	s.mu.Lock()
	res, ok := s.cache[h.TaskID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown task %s for %s", h.TaskID, h.Provider)
	}
	status := StatusCompleted
	if res.Failed() {
		status = StatusFailed
	}
	return &PollUpdate{Status: status}, nil
}

// Test forwards to the wrapped provider when it supports self-testing.
func (s *SyntheticAsync) Test(ctx context.Context) *TestReport {
	if t, ok := s.Provider.(Tester); ok {
		return t.Test(ctx)
	}
	return &TestReport{OK: false, Error: "test not supported"}
}

// Retrieve returns the cached result and discards the cache entry.
func (s *SyntheticAsync) Retrieve(ctx context.Context, h *TaskHandle) (*Result, error) {
	s.mu.Lock()
	res, ok := s.cache[h.TaskID]
	delete(s.cache, h.TaskID)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no cached result for task %s (process restarted?); re-run the query", h.TaskID)
	}
	return res, nil
}
