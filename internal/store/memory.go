package store

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process job repository. It has the same concurrency
// semantics as the SQL stores and is used for development and tests.
type Memory struct {
	mu       sync.RWMutex
	jobs     map[string]*job.Job
	messages map[string][]job.Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*job.Job),
		messages: make(map[string][]job.Message),
		now:      time.Now,
	}
}

// Create implements job.Repository.
func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = m.now().UTC()
	}
	j.Version = 1
	m.jobs[j.ID] = j.Clone()
	return nil
}

// Get implements job.Repository.
func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stored, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return stored.Clone(), nil
}

// List implements job.Repository.
func (m *Memory) List(_ context.Context, filter job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if filter.Matches(j) {
			jobs = append(jobs, j.Clone())
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
	return jobs, nil
}

// Save implements job.Repository.
func (m *Memory) Save(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[j.ID]
	if !ok {
		return apperrors.NotFound("job", j.ID)
	}
	if stored.Version != j.Version {
		return staleVersion(j.ID, j.Version, stored.Version)
	}

	keepNewerHeartbeat(j, stored)
	j.Version++
	j.UpdatedAt = m.now().UTC()
	m.jobs[j.ID] = j.Clone()
	return nil
}

// Heartbeat implements job.Repository.
func (m *Memory) Heartbeat(_ context.Context, id, workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[id]
	if !ok {
		return apperrors.NotFound("job", id)
	}
	if stored.WorkerID != workerID || !stored.Status.IsActive() {
		return lostOwnership(id, workerID)
	}
	stored.HeartbeatAt = &at
	return nil
}

// RequestCancel implements job.Repository.
func (m *Memory) RequestCancel(_ context.Context, id string, at time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	if stored.Status.IsTerminal() {
		return nil, alreadyFinished(id, stored.Status)
	}
	if !stored.CancelRequested {
		stored.CancelRequested = true
		stored.CancelRequestedAt = &at
		stored.Version++
	}
	return stored.Clone(), nil
}

// AppendMessages implements job.Repository.
func (m *Memory) AppendMessages(_ context.Context, id string, msgs []job.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return apperrors.NotFound("job", id)
	}
	next := len(m.messages[id]) + 1
	for _, msg := range msgs {
		msg.JobID = id
		msg.Seq = next
		next++
		m.messages[id] = append(m.messages[id], msg)
	}
	return nil
}

// Messages implements job.Repository.
func (m *Memory) Messages(_ context.Context, id string) ([]job.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]job.Message(nil), m.messages[id]...), nil
}

// Ping implements job.Repository.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements job.Repository.
func (m *Memory) Close() error { return nil }

// keepNewerHeartbeat carries a Heartbeat written since j was read. The cancel
// flag needs no merge: RequestCancel bumps the version, so j has seen it.
func keepNewerHeartbeat(j, stored *job.Job) {
	if j.HeartbeatAt != nil && stored.HeartbeatAt != nil && stored.HeartbeatAt.After(*j.HeartbeatAt) {
		hb := *stored.HeartbeatAt
		j.HeartbeatAt = &hb
	}
}

var _ job.Repository = (*Memory)(nil)
