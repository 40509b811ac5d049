package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
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

// InstanceFilter narrows List; zero fields match everything.
type InstanceFilter struct {
	RunID  uuid.UUID
	BidID  string
	Status constants.InstanceStatus
	Code   string
}

type InstanceRepository interface {
	// InsertInstances writes instances and their evidence in one transaction.
	// Rows whose key already exists are left alone; the count is new instances.
	InsertInstances(ctx context.Context, instances []entity.Instance, evidence []entity.EvidenceLink) (int, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Instance, error)
	List(ctx context.Context, f InstanceFilter) ([]entity.Instance, error)
	Evidence(ctx context.Context, instanceID uuid.UUID) ([]entity.EvidenceLink, error)
}

var instanceColumns = []string{
	"id", "run_id", "bid_id", "user_id", "type_item_id", "code", "source_kind", "status",
	"confidence", "meta", "created_at", "updated_at",
}

var evidenceColumns = []string{"instance_id", "document_id", "page_number", "evidence_text", "weight", "created_at"}

type instanceRow struct {
	ID         uuid.UUID       `db:"id"`
	RunID      uuid.UUID       `db:"run_id"`
	BidID      string          `db:"bid_id"`
	UserID     string          `db:"user_id"`
	TypeItemID uuid.NullUUID   `db:"type_item_id"`
	Code       string          `db:"code"`
	SourceKind string          `db:"source_kind"`
	Status     string          `db:"status"`
	Confidence sql.NullFloat64 `db:"confidence"`
	Meta       jsonText        `db:"meta"`
	CreatedAt  dbTime          `db:"created_at"`
	UpdatedAt  dbTime          `db:"updated_at"`
}

func (r instanceRow) toEntity() entity.Instance {
	in := entity.Instance{
		ID:         r.ID,
		RunID:      r.RunID,
		BidID:      r.BidID,
		UserID:     r.UserID,
		TypeItemID: uuidPtr(r.TypeItemID),
		SourceKind: constants.SourceKind(r.SourceKind),
		Status:     constants.InstanceStatus(r.Status),
		Confidence: floatPtr(r.Confidence),
		CreatedAt:  r.CreatedAt.Time,
		UpdatedAt:  r.UpdatedAt.Time,
	}
	if len(r.Meta) > 0 {
		_ = json.Unmarshal(r.Meta, &in.Meta)
	}
	if in.Meta.NormalizedCode == "" {
		in.Meta.NormalizedCode = r.Code
	}
	return in
}

type evidenceRow struct {
	InstanceID   uuid.UUID `db:"instance_id"`
	DocumentID   uuid.UUID `db:"document_id"`
	PageNumber   int       `db:"page_number"`
	EvidenceText string    `db:"evidence_text"`
	Weight       float64   `db:"weight"`
	CreatedAt    dbTime    `db:"created_at"`
}

type instanceRepo struct {
	db  *DB
	log *slog.Logger
}

func NewInstanceRepository(db *DB, log *slog.Logger) InstanceRepository {
	if log == nil {
		log = slog.Default()
	}
	return &instanceRepo{db: db, log: log}
}

func (r *instanceRepo) InsertInstances(ctx context.Context, instances []entity.Instance, evidence []entity.EvidenceLink) (int, error) {
	if len(instances) == 0 && len(evidence) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	inserted := 0
	err := withTx(ctx, r.db.x, func(tx *sqlx.Tx) error {
		if len(instances) > 0 {
			ins := r.db.sql().Insert("instances").Columns(instanceColumns...)
			for _, in := range instances {
				meta, err := json.Marshal(in.Meta)
				if err != nil {
					return fmt.Errorf("marshal instance meta: %w", err)
				}
				created := in.CreatedAt
				if created.IsZero() {
					created = now
				}
				status := in.Status
				if status == "" {
					status = constants.InstanceNeedsReview
				}
				ins.Values(
					in.ID.String(), in.RunID.String(), in.BidID, in.UserID, nullUUID(in.TypeItemID),
					in.Meta.NormalizedCode, string(in.SourceKind), string(status),
					nullFloat(entity.ClampConfidence(in.Confidence)), string(meta), created.UTC(), now,
				)
			}
			q, args := ins.OnConflict(entsql.DoNothing()).Query()
			n, err := exec(ctx, tx, q, args)
			if err != nil {
				return err
			}
			inserted = int(n)
		}
		if len(evidence) > 0 {
			ins := r.db.sql().Insert("evidence_links").Columns(evidenceColumns...)
			for _, ev := range evidence {
				created := ev.CreatedAt
				if created.IsZero() {
					created = now
				}
				ins.Values(ev.InstanceID.String(), ev.DocumentID.String(), ev.PageNumber, ev.EvidenceText, ev.Weight, created.UTC())
			}
			q, args := ins.OnConflict(entsql.DoNothing()).Query()
			if _, err := exec(ctx, tx, q, args); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		r.log.Error("instances insert failed", "instances", len(instances), "evidence", len(evidence), "err", err)
		return 0, err
	}
	r.log.Info("instances inserted", "offered", len(instances), "inserted", inserted, "evidence", len(evidence))
	return inserted, nil
}

func (r *instanceRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Instance, error) {
	return getInstance(ctx, r.db, r.db.x, id, false)
}

func getInstance(ctx context.Context, db *DB, q sqlx.QueryerContext, id uuid.UUID, forUpdate bool) (*entity.Instance, error) {
	sel := db.sql().Select(instanceColumns...).From(db.sql().Table("instances")).
		Where(entsql.EQ("id", id.String()))
	if forUpdate && db.rowLocks() {
		sel.ForUpdate()
	}
	query, args := sel.Query()
	var row instanceRow
	if err := sqlx.GetContext(ctx, q, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("instance %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get instance: %v", common.ErrDatabase, err)
	}
	in := row.toEntity()
	return &in, nil
}

func (r *instanceRepo) List(ctx context.Context, f InstanceFilter) ([]entity.Instance, error) {
	var preds []*entsql.Predicate
	if f.RunID != uuid.Nil {
		preds = append(preds, entsql.EQ("run_id", f.RunID.String()))
	}
	if f.BidID != "" {
		preds = append(preds, entsql.EQ("bid_id", f.BidID))
	}
	if f.Status != "" {
		preds = append(preds, entsql.EQ("status", string(f.Status)))
	}
	if f.Code != "" {
		preds = append(preds, entsql.EQ("code", entity.NormalizeCode(f.Code)))
	}
	sel := r.db.sql().Select(instanceColumns...).From(r.db.sql().Table("instances")).
		OrderBy("code", "created_at", "id")
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	q, args := sel.Query()
	var rows []instanceRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list instances: %v", common.ErrDatabase, err)
	}
	out := make([]entity.Instance, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

func (r *instanceRepo) Evidence(ctx context.Context, instanceID uuid.UUID) ([]entity.EvidenceLink, error) {
	q, args := r.db.sql().Select(evidenceColumns...).From(r.db.sql().Table("evidence_links")).
		Where(entsql.EQ("instance_id", instanceID.String())).
		OrderBy("page_number", "document_id").Query()
	var rows []evidenceRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list evidence: %v", common.ErrDatabase, err)
	}
	out := make([]entity.EvidenceLink, len(rows))
	for i, row := range rows {
		out[i] = entity.EvidenceLink{
			InstanceID:   row.InstanceID,
			DocumentID:   row.DocumentID,
			PageNumber:   row.PageNumber,
			EvidenceText: row.EvidenceText,
			Weight:       row.Weight,
			CreatedAt:    row.CreatedAt.Time,
		}
	}
	return out, nil
}
