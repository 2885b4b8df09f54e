// Package memory provides an in-memory Store implementation, used by tests
// and for running the service without a database.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shiplane/shiplane/internal/models"
	"github.com/shiplane/shiplane/internal/store"
	"github.com/shiplane/shiplane/internal/store/postgres"
)

// MemoryStore implements store.Store with plain maps behind one mutex. It
// mirrors the postgres implementation's error contract, returning the same
// sentinel errors.
type MemoryStore struct {
	mu        sync.Mutex
	pipelines map[string]*models.Pipeline
	runs      map[string]*models.Run
	events    map[string][]*models.Event
	users     map[string]*models.User
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[string]*models.Pipeline),
		runs:      make(map[string]*models.Run),
		events:    make(map[string][]*models.Event),
		users:     make(map[string]*models.User),
	}
}

// Pipelines returns the PipelineStore.
func (s *MemoryStore) Pipelines() store.PipelineStore { return (*pipelineStore)(s) }

// Runs returns the RunStore.
func (s *MemoryStore) Runs() store.RunStore { return (*runStore)(s) }

// Events returns the EventStore.
func (s *MemoryStore) Events() store.EventStore { return (*eventStore)(s) }

// Users returns the UserStore.
func (s *MemoryStore) Users() store.UserStore { return (*userStore)(s) }

// WithTx executes fn directly; the in-memory store has no transactions.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

type pipelineStore MemoryStore

func (s *pipelineStore) Create(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.pipelines {
		if strings.EqualFold(existing.Name, p.Name) {
			return postgres.ErrDuplicateKey
		}
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *pipelineStore) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *pipelineStore) List(ctx context.Context) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *pipelineStore) Update(ctx context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return postgres.ErrNotFound
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *pipelineStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[id]; !ok {
		return postgres.ErrNotFound
	}
	delete(s.pipelines, id)
	for runID, run := range s.runs {
		if run.PipelineID == id {
			delete(s.runs, runID)
			delete(s.events, runID)
		}
	}
	return nil
}

type runStore MemoryStore

func (s *runStore) Create(ctx context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *runStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, postgres.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *runStore) ListByPipeline(ctx context.Context, pipelineID string) ([]*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Run
	for _, r := range s.runs {
		if r.PipelineID == pipelineID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *runStore) Update(ctx context.Context, r *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return postgres.ErrNotFound
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

type eventStore MemoryStore

func (s *eventStore) Append(ctx context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events[e.RunID] = append(s.events[e.RunID], &cp)
	return nil
}

func (s *eventStore) ListByRun(ctx context.Context, runID string) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.events[runID]
	out := make([]*models.Event, len(src))
	for i, e := range src {
		cp := *e
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

type userStore MemoryStore

func (s *userStore) Create(ctx context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return postgres.ErrDuplicateKey
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *userStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (s *userStore) List(ctx context.Context) ([]*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *userStore) UpdateRole(ctx context.Context, id string, role models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return postgres.ErrNotFound
	}
	u.Role = role
	return nil
}
