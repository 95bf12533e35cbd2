package queue

import (
	"agentd/internal/job"
	"context"
	"fmt"
	"sort"
	"time"
)

// Stats is a read-only snapshot of the queue.
type Stats struct {
	Total          int                `json:"total"`
	Waiting        int                `json:"waiting"`
	Active         int                `json:"active"`
	Debounced      int                `json:"debounced"`
	ByStatus       map[job.Status]int `json:"byStatus"`
	ByPriority     map[int]int        `json:"byPriority"`
	ByProject      map[string]int     `json:"byProject"`
	AvgWaitSeconds float64            `json:"avgWaitSeconds"`
	AvgExecSeconds float64            `json:"avgExecSeconds"`
	SampleSize     int                `json:"sampleSize"`
}

// Stats aggregates counts over all jobs and averages wait and execution time
// over the most recently completed ones. It never modifies jobs.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	all, err := m.repo.List(ctx, job.Filter{})
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	s := &Stats{
		Total:      len(all),
		Debounced:  m.debounced(),
		ByStatus:   make(map[job.Status]int),
		ByPriority: make(map[int]int),
		ByProject:  make(map[string]int),
	}

	var done []*job.Job
	for _, j := range all {
		s.ByStatus[j.Status]++
		s.ByPriority[j.Priority]++
		s.ByProject[j.ProjectID]++
		switch {
		case j.Status.IsWaiting():
			s.Waiting++
		case j.Status.IsActive():
			s.Active++
		case j.Status == job.StatusCompleted && j.StartedAt != nil && j.CompletedAt != nil:
			done = append(done, j)
		}
	}

	sort.Slice(done, func(a, b int) bool {
		return done[a].CompletedAt.After(*done[b].CompletedAt)
	})
	if len(done) > m.cfg.StatsWindow {
		done = done[:m.cfg.StatsWindow]
	}

	var wait, exec time.Duration
	for _, j := range done {
		wait += j.StartedAt.Sub(j.CreatedAt)
		exec += j.CompletedAt.Sub(*j.StartedAt)
	}
	if n := len(done); n > 0 {
		s.SampleSize = n
		s.AvgWaitSeconds = (wait / time.Duration(n)).Seconds()
		s.AvgExecSeconds = (exec / time.Duration(n)).Seconds()
	}
	return s, nil
}
