// Package queue decides which waiting jobs run next.
//
// Selection enforces, in order: one active job per project, waiting status
// without a pending cancel, satisfied dependencies, priority then age, a
// debounce against double dispatch, and a per-project cap. Selection works on
// a snapshot, so the orchestrator checks the project again when it claims.
package queue

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Manager selects eligible jobs. The debounce state is owned by the Manager,
// so each worker process (or simulated worker in tests) has its own.
type Manager struct {
	repo   job.Repository
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	handedOut map[string]time.Time
}

// NewManager creates a queue manager over repo.
func NewManager(repo job.Repository, cfg Config) *Manager {
	return &Manager{
		repo:      repo,
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "queue"),
		now:       time.Now,
		handedOut: make(map[string]time.Time),
	}
}

// SelectNext returns up to n eligible jobs in dispatch order and records them
// as handed out. Returned jobs are snapshots; the caller must still claim them.
func (m *Manager) SelectNext(ctx context.Context, n int) ([]*job.Job, error) {
	if n <= 0 {
		return nil, nil
	}

	active, err := m.repo.List(ctx, job.Filter{Statuses: job.BusyStatuses})
	if err != nil {
		return nil, fmt.Errorf("listing active jobs: %w", err)
	}
	waiting, err := m.repo.List(ctx, job.Filter{Statuses: []job.Status{job.StatusNew, job.StatusPending}})
	if err != nil {
		return nil, fmt.Errorf("listing waiting jobs: %w", err)
	}

	now := m.now()
	busy := make(map[string]bool, len(active))
	for _, j := range active {
		busy[j.ProjectID] = true
	}

	deps := newDependencyCache(m.repo)
	candidates := make([]*job.Job, 0, len(waiting))
	for _, j := range waiting {
		if busy[j.ProjectID] || j.CancelRequested {
			continue
		}
		if j.NotBefore != nil && j.NotBefore.After(now) {
			continue
		}
		ok, err := deps.satisfied(ctx, j)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		candidates = append(candidates, j)
	}

	sortByPriority(candidates)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(now)

	eligible := candidates[:0]
	for _, j := range candidates {
		if _, recent := m.handedOut[j.ID]; !recent {
			eligible = append(eligible, j)
		}
	}

	selected := distribute(eligible, n, m.cfg.MaxPerProject)
	for _, j := range selected {
		m.handedOut[j.ID] = now
	}

	if len(selected) > 0 {
		m.logger.Debug("Jobs selected", "count", len(selected), "candidates", len(candidates), "busyProjects", len(busy))
	}
	return selected, nil
}

// MarkClaimed releases the debounce for a job that was claimed.
func (m *Manager) MarkClaimed(jobID string) {
	m.release(jobID)
}

// MarkNotClaimed releases the debounce for a job that failed to start, so it
// is eligible on the next pass.
func (m *Manager) MarkNotClaimed(jobID string) {
	m.release(jobID)
}

func (m *Manager) release(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handedOut, jobID)
}

func (m *Manager) expireLocked(now time.Time) {
	for id, at := range m.handedOut {
		if now.Sub(at) >= m.cfg.RequeueDelay {
			delete(m.handedOut, id)
		}
	}
}

func (m *Manager) debounced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handedOut)
}

// sortByPriority orders by descending priority, then creation time.
func sortByPriority(jobs []*job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].Priority != jobs[b].Priority {
			return jobs[a].Priority > jobs[b].Priority
		}
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}

// distribute takes the best job of every project first, then tops up from the
// remaining jobs without exceeding perProject for any project.
func distribute(sorted []*job.Job, n, perProject int) []*job.Job {
	selected := make([]*job.Job, 0, min(n, len(sorted)))
	taken := make(map[string]int)
	used := make(map[string]bool)

	for _, j := range sorted {
		if len(selected) == n {
			return selected
		}
		if taken[j.ProjectID] == 0 {
			selected = append(selected, j)
			taken[j.ProjectID]++
			used[j.ID] = true
		}
	}
	for _, j := range sorted {
		if len(selected) == n {
			break
		}
		if !used[j.ID] && taken[j.ProjectID] < perProject {
			selected = append(selected, j)
			taken[j.ProjectID]++
			used[j.ID] = true
		}
	}
	return selected
}

// dependencyCache memoises dependency lookups for one selection pass.
type dependencyCache struct {
	repo   job.Repository
	status map[string]job.Status // empty status means the dependency is gone
}

func newDependencyCache(repo job.Repository) *dependencyCache {
	return &dependencyCache{repo: repo, status: make(map[string]job.Status)}
}

// satisfied reports whether j's dependency has completed. A dependency that
// no longer exists counts as satisfied.
func (c *dependencyCache) satisfied(ctx context.Context, j *job.Job) (bool, error) {
	if j.DependsOn == "" {
		return true, nil
	}
	status, ok := c.status[j.DependsOn]
	if !ok {
		dep, err := c.repo.Get(ctx, j.DependsOn)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			status = ""
		case err != nil:
			return false, fmt.Errorf("loading dependency %s: %w", j.DependsOn, err)
		default:
			status = dep.Status
		}
		c.status[j.DependsOn] = status
	}
	return status == "" || status == job.StatusCompleted, nil
}
