package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// ReviewRepository runs review mutations and their edit records atomically.
type ReviewRepository interface {
	WithinTx(ctx context.Context, fn func(ReviewTx) error) error
	History(ctx context.Context, kind constants.ItemKind, itemID uuid.UUID) ([]entity.EditRecord, error)
}

// ReviewTx is the set of statements available inside WithinTx.
type ReviewTx interface {
	// GetLineItem loads a line item, locking the row where the store supports it.
	GetLineItem(ctx context.Context, id uuid.UUID) (*entity.LineItem, error)
	// SetLineItemStatus changes status only if it still equals from.
	SetLineItemStatus(ctx context.Context, id uuid.UUID, from, to constants.ReviewStatus) error
	UpdateLineItemFields(ctx context.Context, id uuid.UUID, patch entity.LineItemPatch) error
	GetInstance(ctx context.Context, id uuid.UUID) (*entity.Instance, error)
	// SetInstanceStatus changes status only if it still equals from.
	SetInstanceStatus(ctx context.Context, id uuid.UUID, from, to constants.InstanceStatus) error
	AppendEdit(ctx context.Context, rec entity.EditRecord) (*entity.EditRecord, error)
}

var editColumns = []string{"id", "item_id", "item_kind", "edit_type", "field", "before_value", "after_value", "edited_by", "created_at"}

type editRow struct {
	ID        uuid.UUID `db:"id"`
	ItemID    uuid.UUID `db:"item_id"`
	ItemKind  string    `db:"item_kind"`
	EditType  string    `db:"edit_type"`
	Field     string    `db:"field"`
	Before    jsonText  `db:"before_value"`
	After     jsonText  `db:"after_value"`
	EditedBy  string    `db:"edited_by"`
	CreatedAt dbTime    `db:"created_at"`
}

func (r editRow) toEntity() entity.EditRecord {
	return entity.EditRecord{
		ID:        r.ID,
		ItemID:    r.ItemID,
		ItemKind:  constants.ItemKind(r.ItemKind),
		EditType:  constants.EditType(r.EditType),
		Field:     r.Field,
		Before:    json.RawMessage(r.Before),
		After:     json.RawMessage(r.After),
		EditedBy:  r.EditedBy,
		CreatedAt: r.CreatedAt.Time,
	}
}

type reviewRepo struct {
	db  *DB
	log *slog.Logger
}

func NewReviewRepository(db *DB, log *slog.Logger) ReviewRepository {
	if log == nil {
		log = slog.Default()
	}
	return &reviewRepo{db: db, log: log}
}

func (r *reviewRepo) WithinTx(ctx context.Context, fn func(ReviewTx) error) error {
	return withTx(ctx, r.db.x, func(tx *sqlx.Tx) error {
		return fn(&reviewTx{db: r.db, tx: tx})
	})
}

func (r *reviewRepo) History(ctx context.Context, kind constants.ItemKind, itemID uuid.UUID) ([]entity.EditRecord, error) {
	pred := entsql.EQ("item_id", itemID.String())
	if kind != "" {
		pred = entsql.And(pred, entsql.EQ("item_kind", string(kind)))
	}
	q, args := r.db.sql().Select(editColumns...).From(r.db.sql().Table("edit_records")).
		Where(pred).OrderBy("created_at", "id").Query()
	var rows []editRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list edits: %v", common.ErrDatabase, err)
	}
	out := make([]entity.EditRecord, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

type reviewTx struct {
	db *DB
	tx *sqlx.Tx
}

func (t *reviewTx) GetLineItem(ctx context.Context, id uuid.UUID) (*entity.LineItem, error) {
	return getLineItem(ctx, t.db, t.tx, id, true)
}

func (t *reviewTx) SetLineItemStatus(ctx context.Context, id uuid.UUID, from, to constants.ReviewStatus) error {
	q, args := t.db.sql().Update("line_items").
		Set("review_status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.EQ("review_status", string(from)))).
		Query()
	n, err := exec(ctx, t.tx, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("line item %s is no longer %s: %w", id, from, common.ErrConflict)
	}
	return nil
}

func (t *reviewTx) UpdateLineItemFields(ctx context.Context, id uuid.UUID, patch entity.LineItemPatch) error {
	if patch.Empty() {
		return nil
	}
	upd := t.db.sql().Update("line_items").Set("updated_at", time.Now().UTC())
	if patch.Description != nil {
		upd.Set("description", *patch.Description)
	}
	if patch.Quantity != nil {
		upd.Set("quantity", *patch.Quantity)
	}
	if patch.Unit != nil {
		upd.Set("unit", *patch.Unit)
	}
	if patch.Notes != nil {
		upd.Set("notes", *patch.Notes)
	}
	q, args := upd.Where(entsql.EQ("id", id.String())).Query()
	n, err := exec(ctx, t.tx, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("line item %s: %w", id, common.ErrNotFound)
	}
	return nil
}

func (t *reviewTx) GetInstance(ctx context.Context, id uuid.UUID) (*entity.Instance, error) {
	return getInstance(ctx, t.db, t.tx, id, true)
}

func (t *reviewTx) SetInstanceStatus(ctx context.Context, id uuid.UUID, from, to constants.InstanceStatus) error {
	q, args := t.db.sql().Update("instances").
		Set("status", string(to)).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.EQ("status", string(from)))).
		Query()
	n, err := exec(ctx, t.tx, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("instance %s is no longer %s: %w", id, from, common.ErrConflict)
	}
	return nil
}

func (t *reviewTx) AppendEdit(ctx context.Context, rec entity.EditRecord) (*entity.EditRecord, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	q, args := t.db.sql().Insert("edit_records").Columns(editColumns...).Values(
		rec.ID.String(), rec.ItemID.String(), string(rec.ItemKind), string(rec.EditType), rec.Field,
		jsonArg(rec.Before), jsonArg(rec.After), rec.EditedBy, rec.CreatedAt.UTC(),
	).Query()
	if _, err := exec(ctx, t.tx, q, args); err != nil {
		return nil, err
	}
	return &rec, nil
}
