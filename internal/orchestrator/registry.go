package orchestrator

import (
	"agentd/internal/apperrors"
	"sync"
)

// registry tracks the executions running on this worker.
type registry struct {
	mu    sync.RWMutex
	execs map[string]*execution
}

func newRegistry() *registry {
	return &registry{execs: make(map[string]*execution)}
}

// reserve claims the slot for jobID. The slot holds nil until commit, so a
// second Execute for the same job on this worker is rejected early.
func (r *registry) reserve(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.execs[jobID]; exists {
		return apperrors.Conflict("job", jobID, "job is already executing on this worker")
	}
	r.execs[jobID] = nil
	return nil
}

// commit fills a reserved slot.
func (r *registry) commit(jobID string, e *execution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[jobID] = e
}

// release removes jobID and returns its execution if it was committed.
func (r *registry) release(jobID string) (*execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.execs[jobID]
	if exists {
		delete(r.execs, jobID)
	}
	return e, exists
}

// get returns the execution for jobID. (nil, true) means reserved but not
// yet committed.
func (r *registry) get(jobID string) (*execution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.execs[jobID]
	return e, exists
}

// ids returns the ids of all reserved and running jobs.
func (r *registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.execs))
	for id := range r.execs {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.execs)
}
