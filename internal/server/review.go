package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

const (
	lineItemKind = constants.ItemLineItem
	instanceKind = constants.ItemInstance
)

type statusRequest struct {
	Status string `json:"status"`
}

type bulkStatusRequest struct {
	IDs    []uuid.UUID `json:"ids"`
	Status string      `json:"status"`
}

func (s *Server) handleListLineItems(w http.ResponseWriter, r *http.Request) {
	runID, err := queryID(r, "run_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f := repository.LineItemFilter{RunID: runID, BidID: r.URL.Query().Get("bid_id")}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, ok := constants.ParseReviewStatus(raw)
		if !ok {
			s.writeError(w, r, common.NewAppError("BAD_STATUS", "unknown review status "+raw, common.ErrValidation))
			return
		}
		f.Status = st
	}
	items, err := s.Items.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"line_items": items})
}

func (s *Server) handleGetLineItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	li, err := s.Items.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, li)
}

func (s *Server) handleEditLineItem(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch entity.LineItemPatch
	if err := decode(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	li, err := s.Review.EditLineItem(r.Context(), id, patch, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, li)
}

func (s *Server) handleLineItemStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, ok := constants.ParseReviewStatus(req.Status)
	if !ok {
		s.writeError(w, r, common.NewAppError("BAD_STATUS", "unknown review status "+req.Status, common.ErrValidation))
		return
	}
	li, err := s.Review.TransitionLineItem(r.Context(), id, to, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, li)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	runID, err := queryID(r, "run_id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := repository.InstanceFilter{RunID: runID, BidID: q.Get("bid_id"), Code: q.Get("code")}
	if raw := q.Get("status"); raw != "" {
		st, ok := constants.ParseInstanceStatus(raw)
		if !ok {
			s.writeError(w, r, common.NewAppError("BAD_STATUS", "unknown instance status "+raw, common.ErrValidation))
			return
		}
		f.Status = st
	}
	instances, err := s.Instances.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	in, err := s.Instances.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Instances.Get(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	links, err := s.Instances.Evidence(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evidence": links})
}

func (s *Server) handleInstanceStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req statusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, ok := constants.ParseInstanceStatus(req.Status)
	if !ok {
		s.writeError(w, r, common.NewAppError("BAD_STATUS", "unknown instance status "+req.Status, common.ErrValidation))
		return
	}
	in, err := s.Review.TransitionInstance(r.Context(), id, to, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// handleBulkInstanceStatus applies one status to many instances. Per-id
// failures are reported in the body; the request itself still succeeds.
func (s *Server) handleBulkInstanceStatus(w http.ResponseWriter, r *http.Request) {
	var req bulkStatusRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		s.writeError(w, r, common.NewAppError("BAD_IDS", "ids must not be empty", common.ErrValidation))
		return
	}
	to, ok := constants.ParseInstanceStatus(req.Status)
	if !ok {
		s.writeError(w, r, common.NewAppError("BAD_STATUS", "unknown instance status "+req.Status, common.ErrValidation))
		return
	}
	res, err := s.Review.BulkTransitionInstances(r.Context(), req.IDs, to, actor(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(kind constants.ItemKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		records, err := s.Review.History(r.Context(), kind, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": records})
	}
}
