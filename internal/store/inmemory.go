package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps everything in process memory. It is meant for tests and
// throwaway local runs; nothing survives a restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	turns     map[string][]Turn
	facts     map[string][]Fact
	jobs      map[int64]*Job
	nextJobID int64
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[string][]Turn),
		facts: make(map[string][]Fact),
		jobs:  make(map[int64]*Job),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) AppendTurn(_ context.Context, turn Turn) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(turn), nil
}

func (s *InMemoryStore) AppendExchange(_ context.Context, user, assistant Turn) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []Turn{s.appendLocked(user), s.appendLocked(assistant)}, nil
}

func (s *InMemoryStore) appendLocked(turn Turn) Turn {
	turn = normalizeTurn(turn, s.now())
	arr := s.turns[turn.UserID]
	turn.Seq = int64(len(arr)) + 1
	s.turns[turn.UserID] = append(arr, turn)
	return turn
}

func (s *InMemoryStore) RecentTurns(_ context.Context, userID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) SaveFact(_ context.Context, fact Fact) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = s.now()
	}
	s.facts[fact.UserID] = append(s.facts[fact.UserID], fact)
	return fact, nil
}

func (s *InMemoryStore) ListFacts(_ context.Context, userID string) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.facts[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]Fact, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) ClearFacts(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.facts[userID]))
	delete(s.facts, userID)
	return n, nil
}

func (s *InMemoryStore) UpsertJob(_ context.Context, job Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if job.ID == 0 {
		s.nextJobID++
		job.ID = s.nextJobID
	} else if job.ID > s.nextJobID {
		s.nextJobID = job.ID
	}
	j := job
	s.jobs[job.ID] = &j
	return job.ID, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id int64) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *InMemoryStore) ListActiveJobs(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.Active {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *InMemoryStore) ListJobs(_ context.Context, userID string) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if userID == "" || j.UserID == userID {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	return out, nil
}

func (s *InMemoryStore) DeactivateJob(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	j.Active = false
	return true, nil
}

func (s *InMemoryStore) MarkJobFired(_ context.Context, id int64, firedAt, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return writeErr("mark job fired", ErrNotFound)
	}
	fired := firedAt
	j.LastFiredAt = &fired
	j.NextFireAt = next
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}
