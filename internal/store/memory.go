package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/imagepod/pkg/models"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. It backs local single-instance runs and the service tests.
// Values are copied on the way in and out so callers never share state with
// the store.
type MemoryStore struct {
	mu        sync.RWMutex
	now       func() time.Time
	users     map[uuid.UUID]models.User
	apiKeys   map[uuid.UUID]models.APIKey
	executors map[uuid.UUID]models.Executor
	templates map[uuid.UUID]models.Template
	endpoints map[uuid.UUID]models.Endpoint
	jobs      map[uuid.UUID]models.Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		users:     make(map[uuid.UUID]models.User),
		apiKeys:   make(map[uuid.UUID]models.APIKey),
		executors: make(map[uuid.UUID]models.Executor),
		templates: make(map[uuid.UUID]models.Template),
		endpoints: make(map[uuid.UUID]models.Endpoint),
		jobs:      make(map[uuid.UUID]models.Job),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return ErrDuplicateKey
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			k.Scopes = append([]string(nil), k.Scopes...)
			keys = append(keys, &k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok {
		return nil
	}
	now := s.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	s.apiKeys[id] = k
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apiKeys[key.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.users[key.UserID]; !ok {
		return ErrInvalidReference
	}
	k := *key
	k.Scopes = append([]string(nil), key.Scopes...)
	s.apiKeys[k.ID] = k
	return nil
}

// --- Executors ---

func (s *MemoryStore) CreateExecutor(_ context.Context, e *models.Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executors[e.ID]; ok {
		return ErrDuplicateKey
	}
	for _, existing := range s.executors {
		if existing.TokenHash == e.TokenHash {
			return ErrDuplicateKey
		}
	}
	if _, ok := s.users[e.UserID]; !ok {
		return ErrInvalidReference
	}
	c := *e
	c.Metadata = copyRaw(e.Metadata)
	s.executors[c.ID] = c
	return nil
}

func (s *MemoryStore) GetExecutor(_ context.Context, id uuid.UUID) (*models.Executor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecutor(e), nil
}

func (s *MemoryStore) GetExecutorByTokenHash(_ context.Context, tokenHash string) (*models.Executor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.executors {
		if e.TokenHash == tokenHash {
			return copyExecutor(e), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TouchExecutorHeartbeat(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	e.LastHeartbeat = &now
	s.executors[id] = e
	return nil
}

func (s *MemoryStore) UpdateExecutorSpec(_ context.Context, id uuid.UUID, spec models.ExecutorSpec) (*models.Executor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executors[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if spec.GPU != nil {
		e.GPU = *spec.GPU
	}
	if spec.CPU != nil {
		e.CPU = *spec.CPU
	}
	if spec.RAM != nil {
		e.RAM = *spec.RAM
	}
	if spec.VRAM != nil {
		e.VRAM = *spec.VRAM
	}
	if spec.CUDAVersion != nil {
		e.CUDAVersion = *spec.CUDAVersion
	}
	if spec.ComputeType != nil {
		e.ComputeType = *spec.ComputeType
	}
	if len(spec.Metadata) > 0 {
		e.Metadata = copyRaw(spec.Metadata)
	}
	e.LastHeartbeat = &now
	e.UpdatedAt = now
	s.executors[id] = e
	return copyExecutor(e), nil
}

// --- Templates ---

func (s *MemoryStore) CreateTemplate(_ context.Context, t *models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; ok {
		return ErrDuplicateKey
	}
	s.templates[t.ID] = copyTemplate(*t)
	return nil
}

// --- Endpoints ---

func (s *MemoryStore) CreateEndpoint(_ context.Context, e *models.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[e.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.users[e.UserID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := s.templates[e.TemplateID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := s.executors[e.ExecutorID]; !ok {
		return ErrInvalidReference
	}
	if e.Version == 0 {
		e.Version = 1
	}
	c := *e
	c.Env = copyMap(e.Env)
	s.endpoints[c.ID] = c
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id uuid.UUID) (*models.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEndpoint(e), nil
}

func (s *MemoryStore) AssignEndpointExecutor(_ context.Context, endpointID, executorID uuid.UUID) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok {
		return nil, ErrNotFound
	}
	if _, ok := s.executors[executorID]; !ok {
		return nil, ErrInvalidReference
	}
	e.ExecutorID = executorID
	s.bumpEndpoint(&e)
	return copyEndpoint(e), nil
}

func (s *MemoryStore) ListEndpointsForExecutor(_ context.Context, executorID uuid.UUID, status models.EndpointStatus) ([]*models.EndpointSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]models.Endpoint, 0)
	for _, e := range s.endpoints {
		if e.ExecutorID != executorID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	summaries := make([]*models.EndpointSummary, 0, len(matched))
	for _, e := range matched {
		tmpl, ok := s.templates[e.TemplateID]
		if !ok {
			continue
		}
		summaries = append(summaries, &models.EndpointSummary{
			ID:         e.ID,
			Name:       e.Name,
			Status:     e.Status,
			TemplateID: e.TemplateID,
			ExecutorID: e.ExecutorID,
			Template:   copyTemplate(tmpl),
			Env:        copyMap(e.Env),
			Version:    e.Version,
		})
	}
	return summaries, nil
}

func (s *MemoryStore) UpdateEndpointStatusAsExecutor(_ context.Context, executorID, endpointID uuid.UUID, status models.EndpointStatus) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok || e.ExecutorID != executorID {
		return nil, ErrNotFound
	}
	e.Status = status
	s.bumpEndpoint(&e)
	return copyEndpoint(e), nil
}

func (s *MemoryStore) MarkEndpointDeploying(_ context.Context, endpointID, userID uuid.UUID) (*models.Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.endpoints[endpointID]
	if !ok || e.UserID != userID {
		return nil, ErrNotFound
	}
	e.Status = models.EndpointStatusDeploying
	s.bumpEndpoint(&e)
	return copyEndpoint(e), nil
}

// bumpEndpoint increments the version and stores e. Caller holds s.mu.
func (s *MemoryStore) bumpEndpoint(e *models.Endpoint) {
	e.Version++
	e.UpdatedAt = s.now()
	s.endpoints[e.ID] = *e
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.endpoints[job.EndpointID]; !ok {
		return ErrInvalidReference
	}
	if _, ok := s.executors[job.ExecutorID]; !ok {
		return ErrInvalidReference
	}
	s.jobs[job.ID] = copyJob(*job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := copyJob(j)
	return &c, nil
}

func (s *MemoryStore) GetJobsInQueue(_ context.Context, executorID uuid.UUID) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := []*models.Job{}
	for _, j := range s.jobs {
		if j.ExecutorID == executorID && j.Status == models.JobStatusInQueue {
			c := copyJob(j)
			jobs = append(jobs, &c)
		}
	}
	sortJobs(jobs)
	return jobs, nil
}

func (s *MemoryStore) UpdateJobAsExecutor(_ context.Context, executorID, jobID uuid.UUID, f models.JobFields) (*models.Job, models.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.ExecutorID != executorID {
		return nil, "", ErrNotFound
	}
	prev := j.Status
	if prev.IsTerminal() {
		c := copyJob(j)
		return &c, prev, nil
	}

	now := s.now()
	if f.Status != nil {
		j.Status = *f.Status
		if j.Status != models.JobStatusInQueue && j.StartedAt == nil {
			j.StartedAt = &now
		}
		if j.Status.IsTerminal() {
			j.CompletedAt = &now
		}
	}
	if f.DelayTime != nil {
		j.DelayTime = *f.DelayTime
	}
	if f.ExecutionTime != nil {
		j.ExecutionTime = *f.ExecutionTime
	}
	if len(f.Output) > 0 {
		j.Output = append(json.RawMessage(nil), f.Output...)
	}
	j.UpdatedAt = now
	s.jobs[jobID] = j

	c := copyJob(j)
	return &c, prev, nil
}

func (s *MemoryStore) CancelJob(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status == models.JobStatusInQueue || j.Status == models.JobStatusRunning {
		now := s.now()
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		j.UpdatedAt = now
		s.jobs[jobID] = j
	}
	c := copyJob(j)
	return &c, nil
}

func (s *MemoryStore) TimeOutRunningJobs(_ context.Context, startedBefore time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var timedOut []*models.Job
	now := s.now()
	for id, j := range s.jobs {
		if j.Status != models.JobStatusRunning || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		j.Status = models.JobStatusTimedOut
		j.CompletedAt = &now
		j.UpdatedAt = now
		s.jobs[id] = j
		c := copyJob(j)
		timedOut = append(timedOut, &c)
	}
	sortJobs(timedOut)
	return timedOut, nil
}

// --- Helpers ---

func sortJobs(jobs []*models.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[k].ID.String()
	})
}

func copyJob(j models.Job) models.Job {
	j.Input = append(json.RawMessage(nil), j.Input...)
	if j.Output != nil {
		j.Output = append(json.RawMessage(nil), j.Output...)
	}
	return j
}

func copyEndpoint(e models.Endpoint) *models.Endpoint {
	e.Env = copyMap(e.Env)
	return &e
}

func copyExecutor(e models.Executor) *models.Executor {
	e.Metadata = copyRaw(e.Metadata)
	return &e
}

// copyRaw copies raw, defaulting to an empty object like the jsonb column.
func copyRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return append(json.RawMessage(nil), raw...)
}

func copyTemplate(t models.Template) models.Template {
	t.DockerEntrypoint = append([]string{}, t.DockerEntrypoint...)
	t.DockerStartCmd = append([]string{}, t.DockerStartCmd...)
	t.Env = copyMap(t.Env)
	return t
}

func copyMap(m map[string]string) map[string]string {
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
