// Package review applies human review decisions to line items and mined
// instances. Every mutation writes an edit record in the same transaction.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

// instanceTransitions lists allowed instance moves. counted and excluded can
// only be flagged back to needs_review, never swapped directly.
var instanceTransitions = map[constants.InstanceStatus][]constants.InstanceStatus{
	constants.InstanceNeedsReview: {constants.InstanceCounted, constants.InstanceExcluded},
	constants.InstanceCounted:     {constants.InstanceNeedsReview},
	constants.InstanceExcluded:    {constants.InstanceNeedsReview},
}

// CanTransitionInstance reports whether from -> to is a legal instance move.
func CanTransitionInstance(from, to constants.InstanceStatus) bool {
	for _, s := range instanceTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Service handles review business logic.
type Service struct {
	repo   repository.ReviewRepository
	logger *slog.Logger
}

// NewService creates a new review service.
func NewService(repo repository.ReviewRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

func requireActor(actor string) error {
	return common.NewValidator().
		Field("actor", actor, common.Required, common.MaxLength(200)).
		Err()
}

// TransitionLineItem moves a line item to any review status. Moving to the
// current status is a no-op and records nothing.
func (s *Service) TransitionLineItem(ctx context.Context, id uuid.UUID, to constants.ReviewStatus, actor string) (*entity.LineItem, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, ok := constants.ParseReviewStatus(string(to)); !ok {
		return nil, common.NewAppError("INVALID_STATUS", fmt.Sprintf("unknown review status %q", to), common.ErrInvalidTransition)
	}

	var out *entity.LineItem
	err := s.repo.WithinTx(ctx, func(tx repository.ReviewTx) error {
		li, err := tx.GetLineItem(ctx, id)
		if err != nil {
			return err
		}
		if li.ReviewStatus == to {
			out = li
			return nil
		}
		from := li.ReviewStatus
		if err := tx.SetLineItemStatus(ctx, id, from, to); err != nil {
			return err
		}
		if _, err := tx.AppendEdit(ctx, statusEdit(id, constants.ItemLineItem, "review_status", string(from), string(to), actor)); err != nil {
			return err
		}
		li.ReviewStatus = to
		out = li
		s.logger.Info("review.line_item.transition", "line_item_id", id, "from", string(from), "to", string(to), "actor", actor)
		return nil
	})
	if err != nil {
		s.logger.Warn("review.line_item.transition_failed", "line_item_id", id, "to", string(to), "err", err)
		return nil, err
	}
	return out, nil
}

// TransitionInstance moves an instance along the review cycle.
func (s *Service) TransitionInstance(ctx context.Context, id uuid.UUID, to constants.InstanceStatus, actor string) (*entity.Instance, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if _, ok := constants.ParseInstanceStatus(string(to)); !ok {
		return nil, common.NewAppError("INVALID_STATUS", fmt.Sprintf("unknown instance status %q", to), common.ErrInvalidTransition)
	}

	var out *entity.Instance
	err := s.repo.WithinTx(ctx, func(tx repository.ReviewTx) error {
		in, err := tx.GetInstance(ctx, id)
		if err != nil {
			return err
		}
		from := in.Status
		if from == to {
			out = in
			return nil
		}
		if !CanTransitionInstance(from, to) {
			return common.NewAppError("INVALID_TRANSITION", fmt.Sprintf("instance cannot move from %s to %s", from, to), common.ErrInvalidTransition)
		}
		if err := tx.SetInstanceStatus(ctx, id, from, to); err != nil {
			return err
		}
		if _, err := tx.AppendEdit(ctx, statusEdit(id, constants.ItemInstance, "status", string(from), string(to), actor)); err != nil {
			return err
		}
		in.Status = to
		out = in
		s.logger.Info("review.instance.transition", "instance_id", id, "from", string(from), "to", string(to), "actor", actor)
		return nil
	})
	if err != nil {
		s.logger.Warn("review.instance.transition_failed", "instance_id", id, "to", string(to), "err", err)
		return nil, err
	}
	return out, nil
}

// BulkResult reports a bulk transition item by item.
type BulkResult struct {
	Updated []uuid.UUID          `json:"updated"`
	Failed  map[uuid.UUID]string `json:"failed,omitempty"`
}

// BulkTransitionInstances applies TransitionInstance to each id in its own
// transaction. One failure does not stop the rest.
func (s *Service) BulkTransitionInstances(ctx context.Context, ids []uuid.UUID, to constants.InstanceStatus, actor string) (BulkResult, error) {
	res := BulkResult{Failed: map[uuid.UUID]string{}}
	if err := requireActor(actor); err != nil {
		return res, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := s.TransitionInstance(ctx, id, to, actor); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	s.logger.Info("review.instance.bulk_transition", "to", string(to), "requested", len(ids), "updated", len(res.Updated), "failed", len(res.Failed))
	return res, nil
}

// EditLineItem applies a field patch and records one edit per changed field.
// Unchanged fields are skipped; an effectively empty patch is a no-op.
func (s *Service) EditLineItem(ctx context.Context, id uuid.UUID, patch entity.LineItemPatch, actor string) (*entity.LineItem, error) {
	v := common.NewValidator().
		Field("actor", actor, common.Required, common.MaxLength(200)).
		Field("quantity", patch.Quantity, common.NonNegative).
		Field("unit", patch.Unit, common.MaxLength(16)).
		Field("notes", patch.Notes, common.MaxLength(2000))
	if patch.Description != nil {
		v.Field("description", patch.Description, common.Required, common.MaxLength(500))
	}
	if err := v.Err(); err != nil {
		return nil, err
	}

	var out *entity.LineItem
	err := s.repo.WithinTx(ctx, func(tx repository.ReviewTx) error {
		li, err := tx.GetLineItem(ctx, id)
		if err != nil {
			return err
		}
		var effective entity.LineItemPatch
		var edits []entity.EditRecord
		if p := patch.Description; p != nil && strings.TrimSpace(*p) != li.Description {
			d := strings.TrimSpace(*p)
			effective.Description = &d
			edits = append(edits, fieldEdit(id, "description", li.Description, d, actor))
			li.Description = d
		}
		if p := patch.Quantity; p != nil && *p != li.Quantity {
			effective.Quantity = p
			edits = append(edits, fieldEdit(id, "quantity", li.Quantity, *p, actor))
			li.Quantity = *p
		}
		if p := patch.Unit; p != nil && *p != li.Unit {
			effective.Unit = p
			edits = append(edits, fieldEdit(id, "unit", li.Unit, *p, actor))
			li.Unit = *p
		}
		if p := patch.Notes; p != nil && *p != li.Notes {
			effective.Notes = p
			edits = append(edits, fieldEdit(id, "notes", li.Notes, *p, actor))
			li.Notes = *p
		}
		out = li
		if effective.Empty() {
			return nil
		}
		if err := tx.UpdateLineItemFields(ctx, id, effective); err != nil {
			return err
		}
		for _, e := range edits {
			if _, err := tx.AppendEdit(ctx, e); err != nil {
				return err
			}
		}
		s.logger.Info("review.line_item.edit", "line_item_id", id, "fields", len(edits), "actor", actor)
		return nil
	})
	if err != nil {
		s.logger.Warn("review.line_item.edit_failed", "line_item_id", id, "err", err)
		return nil, err
	}
	return out, nil
}

// History returns the edit records of one item, oldest first.
func (s *Service) History(ctx context.Context, kind constants.ItemKind, id uuid.UUID) ([]entity.EditRecord, error) {
	return s.repo.History(ctx, kind, id)
}

func statusEdit(id uuid.UUID, kind constants.ItemKind, field, before, after, actor string) entity.EditRecord {
	return entity.EditRecord{
		ItemID:   id,
		ItemKind: kind,
		EditType: constants.EditStatusChange,
		Field:    field,
		Before:   mustRaw(before),
		After:    mustRaw(after),
		EditedBy: actor,
	}
}

func fieldEdit(id uuid.UUID, field string, before, after any, actor string) entity.EditRecord {
	return entity.EditRecord{
		ItemID:   id,
		ItemKind: constants.ItemLineItem,
		EditType: constants.EditFieldChange,
		Field:    field,
		Before:   mustRaw(before),
		After:    mustRaw(after),
		EditedBy: actor,
	}
}

// mustRaw encodes strings and numbers, which cannot fail.
func mustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
