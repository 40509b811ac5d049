package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// LineItemFilter narrows List; zero fields match everything.
type LineItemFilter struct {
	RunID  uuid.UUID
	BidID  string
	Status constants.ReviewStatus
}

type LineItemRepository interface {
	// AppendNew inserts items whose (category, code, description) is not
	// already present for the bid. Existing rows, approved or not, are never touched.
	AppendNew(ctx context.Context, items []entity.LineItem) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.LineItem, error)
	List(ctx context.Context, f LineItemFilter) ([]entity.LineItem, error)
}

var lineItemColumns = []string{
	"id", "run_id", "bid_id", "user_id", "document_id", "category", "code", "description",
	"quantity", "unit", "notes", "confidence", "extraction_model", "review_status", "created_at", "updated_at",
}

type lineItemRow struct {
	ID              uuid.UUID       `db:"id"`
	RunID           uuid.UUID       `db:"run_id"`
	BidID           string          `db:"bid_id"`
	UserID          string          `db:"user_id"`
	DocumentID      uuid.NullUUID   `db:"document_id"`
	Category        string          `db:"category"`
	Code            string          `db:"code"`
	Description     string          `db:"description"`
	Quantity        float64         `db:"quantity"`
	Unit            string          `db:"unit"`
	Notes           string          `db:"notes"`
	Confidence      sql.NullFloat64 `db:"confidence"`
	ExtractionModel string          `db:"extraction_model"`
	ReviewStatus    string          `db:"review_status"`
	CreatedAt       dbTime          `db:"created_at"`
	UpdatedAt       dbTime          `db:"updated_at"`
}

func (r lineItemRow) toEntity() entity.LineItem {
	return entity.LineItem{
		ID:              r.ID,
		RunID:           r.RunID,
		BidID:           r.BidID,
		UserID:          r.UserID,
		DocumentID:      uuidPtr(r.DocumentID),
		Category:        r.Category,
		Code:            r.Code,
		Description:     r.Description,
		Quantity:        r.Quantity,
		Unit:            r.Unit,
		Notes:           r.Notes,
		Confidence:      floatPtr(r.Confidence),
		ExtractionModel: r.ExtractionModel,
		ReviewStatus:    constants.ReviewStatus(r.ReviewStatus),
		CreatedAt:       r.CreatedAt.Time,
		UpdatedAt:       r.UpdatedAt.Time,
	}
}

type lineItemRepo struct {
	db  *DB
	log *slog.Logger
}

func NewLineItemRepository(db *DB, log *slog.Logger) LineItemRepository {
	if log == nil {
		log = slog.Default()
	}
	return &lineItemRepo{db: db, log: log}
}

func lineItemKey(category, code, description string) string {
	return strings.ToLower(strings.TrimSpace(category)) + "\x00" +
		strings.ToUpper(strings.TrimSpace(code)) + "\x00" +
		strings.ToLower(strings.Join(strings.Fields(description), " "))
}

func (r *lineItemRepo) AppendNew(ctx context.Context, items []entity.LineItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	bidID := items[0].BidID
	inserted := 0
	err := withTx(ctx, r.db.x, func(tx *sqlx.Tx) error {
		q, args := r.db.sql().Select("category", "code", "description").From(r.db.sql().Table("line_items")).
			Where(entsql.EQ("bid_id", bidID)).Query()
		var existing []struct {
			Category    string `db:"category"`
			Code        string `db:"code"`
			Description string `db:"description"`
		}
		if err := sqlx.SelectContext(ctx, tx, &existing, q, args...); err != nil {
			return fmt.Errorf("%w: load existing line items: %v", common.ErrDatabase, err)
		}
		seen := make(map[string]bool, len(existing))
		for _, e := range existing {
			seen[lineItemKey(e.Category, e.Code, e.Description)] = true
		}

		now := time.Now().UTC()
		ins := r.db.sql().Insert("line_items").Columns(lineItemColumns...)
		rows := 0
		for _, it := range items {
			key := lineItemKey(it.Category, it.Code, it.Description)
			if seen[key] || it.BidID != bidID {
				continue
			}
			seen[key] = true
			if it.ID == uuid.Nil {
				it.ID = uuid.New()
			}
			if it.ReviewStatus == "" {
				it.ReviewStatus = constants.ReviewPending
			}
			ins.Values(
				it.ID.String(), it.RunID.String(), it.BidID, it.UserID, nullUUID(it.DocumentID), it.Category, it.Code,
				it.Description, it.Quantity, it.Unit, it.Notes, nullFloat(entity.ClampConfidence(it.Confidence)),
				it.ExtractionModel, string(it.ReviewStatus), now, now,
			)
			rows++
		}
		if rows == 0 {
			return nil
		}
		q, args = ins.OnConflict(entsql.DoNothing()).Query()
		n, err := exec(ctx, tx, q, args)
		inserted = int(n)
		return err
	})
	if err != nil {
		r.log.Error("line items append failed", "bid_id", bidID, "err", err)
		return 0, err
	}
	r.log.Info("line items appended", "bid_id", bidID, "offered", len(items), "inserted", inserted)
	return inserted, nil
}

func (r *lineItemRepo) Get(ctx context.Context, id uuid.UUID) (*entity.LineItem, error) {
	return getLineItem(ctx, r.db, r.db.x, id, false)
}

func getLineItem(ctx context.Context, db *DB, q sqlx.QueryerContext, id uuid.UUID, forUpdate bool) (*entity.LineItem, error) {
	sel := db.sql().Select(lineItemColumns...).From(db.sql().Table("line_items")).
		Where(entsql.EQ("id", id.String()))
	if forUpdate && db.rowLocks() {
		sel.ForUpdate()
	}
	query, args := sel.Query()
	var row lineItemRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("line item %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get line item: %v", common.ErrDatabase, err)
	}
	li := row.toEntity()
	return &li, nil
}

func (r *lineItemRepo) List(ctx context.Context, f LineItemFilter) ([]entity.LineItem, error) {
	var preds []*entsql.Predicate
	if f.RunID != uuid.Nil {
		preds = append(preds, entsql.EQ("run_id", f.RunID.String()))
	}
	if f.BidID != "" {
		preds = append(preds, entsql.EQ("bid_id", f.BidID))
	}
	if f.Status != "" {
		preds = append(preds, entsql.EQ("review_status", string(f.Status)))
	}
	sel := r.db.sql().Select(lineItemColumns...).From(r.db.sql().Table("line_items")).
		OrderBy("created_at", "code", "description")
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	q, args := sel.Query()
	var rows []lineItemRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list line items: %v", common.ErrDatabase, err)
	}
	out := make([]entity.LineItem, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}
