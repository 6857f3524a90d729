package batch

import (
	"sync"

	"github.com/raphaelgruber/annotator/internal/models"
)

// jobState is the orchestrator's record of one job.
// mu guards job and results; events for the job are emitted while it is held.
// persistMu serializes writes of the job snapshot so the last write is the freshest.
type jobState struct {
	mu      sync.Mutex
	job     *models.BatchJob
	results []models.BatchItemResult
	// deleted is set by retention cleanup; a deleted job is neither dispatched nor persisted.
	deleted bool
	// unpersisted counts processed items since the last progress snapshot.
	unpersisted int

	persistMu sync.Mutex
}

func newJobState(job *models.BatchJob) *jobState {
	return &jobState{job: job}
}

// stopDispatchLocked reports whether no new item may start.
// Caller must hold mu.
func (st *jobState) stopDispatchLocked() bool {
	return st.deleted || st.job.Status != models.BatchStatusRunning
}

func (st *jobState) snapshot() (*models.BatchJob, []models.BatchItemResult) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.job.Clone(), append([]models.BatchItemResult(nil), st.results...)
}
