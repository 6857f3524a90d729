package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/store"
)

const (
	jobPrefix   = "batch/job/"
	itemsPrefix = "batch/items/"
)

func jobKey(id string) string   { return jobPrefix + id }
func itemsKey(id string) string { return itemsPrefix + id + "/" }

func itemKey(id string, seq int) string {
	return fmt.Sprintf("%s%06d", itemsKey(id), seq)
}

// persistJob writes the current job snapshot. Failures are logged; the in-memory job stays authoritative.
func (o *Orchestrator) persistJob(ctx context.Context, st *jobState) {
	if o.store == nil {
		return
	}
	st.persistMu.Lock()
	defer st.persistMu.Unlock()

	st.mu.Lock()
	if st.deleted {
		st.mu.Unlock()
		return
	}
	job := st.job.Clone()
	st.mu.Unlock()

	data, err := json.Marshal(job)
	if err != nil {
		o.logger.Error("failed to encode batch job", "batch_id", job.ID, "error", err)
		return
	}
	if err := o.store.Set(ctx, jobKey(job.ID), data); err != nil {
		o.logger.Warn("failed to persist batch job", "batch_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) persistResult(ctx context.Context, st *jobState, seq int, r models.BatchItemResult) {
	if o.store == nil {
		return
	}
	st.persistMu.Lock()
	defer st.persistMu.Unlock()
	st.mu.Lock()
	id, deleted := st.job.ID, st.deleted
	st.mu.Unlock()
	if deleted {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		o.logger.Error("failed to encode item result", "batch_id", id, "node_id", r.NodeID, "error", err)
		return
	}
	if err := o.store.Set(ctx, itemKey(id, seq), data); err != nil {
		o.logger.Warn("failed to persist item result", "batch_id", id, "node_id", r.NodeID, "error", err)
	}
}

// deletePersisted removes a job and its item results from the store.
func (o *Orchestrator) deletePersisted(ctx context.Context, id string) error {
	if o.store == nil {
		return nil
	}
	_, err := store.DeletePrefix(ctx, o.store, itemsKey(id))
	return errors.Join(err, o.store.Delete(ctx, jobKey(id)))
}

// Restore loads persisted jobs. Jobs that were running when the process stopped are marked failed;
// pending jobs that had been queued are queued again, others wait for an explicit run.
// It returns the number of jobs loaded.
func (o *Orchestrator) Restore(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	keys, err := o.store.List(ctx, jobPrefix)
	if err != nil {
		return 0, fmt.Errorf("list batch jobs: %w", err)
	}

	var pending []string
	loaded := 0
	for _, key := range keys {
		data, err := o.store.Get(ctx, key)
		if err != nil {
			o.logger.Warn("failed to read batch job", "key", key, "error", err)
			continue
		}
		var job models.BatchJob
		if err := json.Unmarshal(data, &job); err != nil {
			o.logger.Warn("skipping corrupt batch job", "key", key, "error", err)
			continue
		}
		if job.ID == "" || job.ID != strings.TrimPrefix(key, jobPrefix) {
			o.logger.Warn("skipping batch job with mismatched id", "key", key)
			continue
		}

		results, err := o.loadResults(ctx, job.ID)
		if err != nil {
			o.logger.Warn("failed to load item results", "batch_id", job.ID, "error", err)
		}

		st := newJobState(&job)
		st.results = results
		interrupted := false
		if job.Status == models.BatchStatusRunning {
			// Snapshots lag behind item results by up to BatchSize items.
			st.job.ProcessedItems = len(results)
			if st.job.TotalItems < len(results) {
				st.job.TotalItems = len(results)
			}
			if st.job.TotalItems > 0 {
				st.job.Progress = float64(st.job.ProcessedItems) / float64(st.job.TotalItems)
			}
			o.finishLocked(st, models.BatchStatusFailed, "interrupted by restart")
			interrupted = true
		}

		o.mu.Lock()
		if _, exists := o.jobs[job.ID]; exists {
			o.mu.Unlock()
			continue
		}
		o.jobs[job.ID] = st
		o.mu.Unlock()
		loaded++

		if interrupted {
			o.persistJob(ctx, st)
		}
		if job.Status == models.BatchStatusPending && job.QueuedAt != nil {
			pending = append(pending, job.ID)
		}
	}

	for _, id := range pending {
		if err := o.sched.enqueue(id); err != nil {
			o.logger.Warn("failed to requeue batch job", "batch_id", id, "error", err)
		}
	}
	o.logger.Info("restored batch jobs", "count", loaded, "requeued", len(pending))
	return loaded, nil
}

func (o *Orchestrator) loadResults(ctx context.Context, id string) ([]models.BatchItemResult, error) {
	keys, err := o.store.List(ctx, itemsKey(id))
	if err != nil {
		return nil, err
	}
	results := make([]models.BatchItemResult, 0, len(keys))
	for _, key := range keys {
		data, err := o.store.Get(ctx, key)
		if err != nil {
			return results, err
		}
		var r models.BatchItemResult
		if err := json.Unmarshal(data, &r); err != nil {
			return results, fmt.Errorf("decode %s: %w", key, err)
		}
		results = append(results, r)
	}
	return results, nil
}
