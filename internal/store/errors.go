package store

import (
	"agentd/internal/apperrors"
	"agentd/internal/job"
	"fmt"
)

func staleVersion(id string, have, want int64) error {
	return apperrors.Conflict("job", id, fmt.Sprintf("job %s was modified concurrently (version %d, stored %d)", id, have, want))
}

func lostOwnership(id, workerID string) error {
	return apperrors.Conflict("job", id, fmt.Sprintf("job %s is no longer active under worker %s", id, workerID))
}

func alreadyFinished(id string, status job.Status) error {
	return apperrors.Conflict("job", id, fmt.Sprintf("job %s is already %s", id, status))
}
