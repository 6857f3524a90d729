package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/raphaelgruber/annotator/internal/batch"
	"github.com/raphaelgruber/annotator/internal/ledger"
	"github.com/raphaelgruber/annotator/internal/models"
	"github.com/raphaelgruber/annotator/internal/quality"
)

// createBatchRequest is a batch.CreateRequest plus an optional enqueue flag.
type createBatchRequest struct {
	batch.CreateRequest
	Run bool `json:"run,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	job, err := s.deps.Orchestrator.Create(r.Context(), req.CreateRequest)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if req.Run {
		if err := s.deps.Orchestrator.Enqueue(job.ID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := batch.HistoryFilter{
		Operation: models.OperationKind(q.Get("operation")),
		Status:    models.BatchStatus(q.Get("status")),
	}
	if f.Operation != "" && !f.Operation.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown operation %q", f.Operation))
		return
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = parseInt(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = parseInt(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Orchestrator.GetBatchHistory(f))
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Orchestrator.GetBatchWithResults(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunBatch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Orchestrator.Enqueue(id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	ok, err := s.deps.Orchestrator.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

func (s *Server) handleCleanupBatches(w http.ResponseWriter, r *http.Request) {
	days, err := parseInt(r.URL.Query().Get("days"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := s.deps.Orchestrator.CleanupOldBatches(r.Context(), days)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	period, err := ledger.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	breakdown, err := s.deps.Ledger.GetCostBreakdown(period)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, breakdown)
}

func (s *Server) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Ledger.Records())
}

func (s *Server) handleCompareModels(w http.ResponseWriter, r *http.Request) {
	names := splitList(r.URL.Query().Get("models"))
	if len(names) == 0 {
		writeJSON(w, http.StatusOK, s.deps.Ledger.Rankings())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Ledger.CompareModels(names))
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req quality.CreateReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	review, err := s.deps.Assessor.CreateReview(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, review)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := quality.ReviewFilter{
		NodeID:  q.Get("node_id"),
		BatchID: q.Get("batch_id"),
		Status:  models.ReviewStatus(q.Get("status")),
		Limit:   limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown review status %q", f.Status))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Assessor.ListReviews(f))
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	review, err := s.deps.Assessor.GetReview(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleUpdateReview(w http.ResponseWriter, r *http.Request) {
	var req quality.UpdateReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	review, err := s.deps.Assessor.UpdateReview(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Assessor.GetDashboardData(r.Context()))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		writeError(w, http.StatusNotFound, "cache disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Metrics == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

// parseTime accepts RFC 3339 timestamps or YYYY-MM-DD dates. Empty means unset.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
