package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/async"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

type createRunRequest struct {
	BidID     string `json:"bid_id"`
	Trade     string `json:"trade"`
	SourceDir string `json:"source_dir,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, common.NewAppError("BAD_LIMIT", "limit must be a positive integer", common.ErrInvalidInput))
			return
		}
		limit = n
	}
	runs, err := s.Runs.List(r.Context(), r.URL.Query().Get("bid_id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.Runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleCreateRun records a queued run and hands it to the worker pool.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user := actor(r)
	if err := common.NewValidator().
		Field("bid_id", req.BidID, common.Required, common.MaxLength(128)).
		Field(ActorHeader, user, common.Required).
		Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	trade, ok := constants.CanonicalizeTrade(req.Trade)
	if !ok {
		s.writeError(w, r, common.NewAppError("BAD_TRADE",
			"unknown trade "+req.Trade+"; supported: "+strings.Join(constants.Trades(), ", "), common.ErrValidation))
		return
	}

	run, err := s.Runs.Create(r.Context(), entity.Run{
		BidID:     strings.TrimSpace(req.BidID),
		UserID:    user,
		Trade:     trade,
		SourceDir: strings.TrimSpace(req.SourceDir),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.enqueue(r, run); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

// handleRerun requeues a finished run. A running run is a conflict.
func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Runs.Requeue(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.Runs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.enqueue(r, run); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) enqueue(r *http.Request, run *entity.Run) error {
	if s.Queue == nil {
		return nil
	}
	return s.Queue.Enqueue(r.Context(), async.Job{
		RunID:       run.ID,
		SubmittedAt: time.Now().UTC(),
		TraceID:     common.RequestIDFromContext(r.Context()),
	})
}
