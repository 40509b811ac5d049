package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// CatalogRepository stores the type catalog a run's extractor produced.
type CatalogRepository interface {
	// UpsertEntries inserts entries, ignoring ids that already exist, and
	// returns how many were new.
	UpsertEntries(ctx context.Context, entries []entity.TypeCatalogEntry) (int, error)
	ListByRun(ctx context.Context, runID uuid.UUID, bidID string) ([]entity.TypeCatalogEntry, error)
}

var catalogColumns = []string{"id", "run_id", "bid_id", "code", "description", "category", "source", "created_at"}

type catalogRow struct {
	ID          uuid.UUID `db:"id"`
	RunID       uuid.UUID `db:"run_id"`
	BidID       string    `db:"bid_id"`
	Code        string    `db:"code"`
	Description string    `db:"description"`
	Category    string    `db:"category"`
	Source      string    `db:"source"`
	CreatedAt   dbTime    `db:"created_at"`
}

type catalogRepo struct {
	db  *DB
	log *slog.Logger
}

func NewCatalogRepository(db *DB, log *slog.Logger) CatalogRepository {
	if log == nil {
		log = slog.Default()
	}
	return &catalogRepo{db: db, log: log}
}

func (r *catalogRepo) UpsertEntries(ctx context.Context, entries []entity.TypeCatalogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	ins := r.db.sql().Insert("type_catalog").Columns(catalogColumns...)
	for _, e := range entries {
		if e.ID == uuid.Nil {
			e.ID = entity.CatalogEntryID(e.RunID, e.Code)
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		ins.Values(e.ID.String(), e.RunID.String(), e.BidID, e.Code, e.Description, e.Category, e.Source, e.CreatedAt.UTC())
	}
	q, args := ins.OnConflict(entsql.DoNothing()).Query()
	n, err := exec(ctx, r.db.x, q, args)
	if err != nil {
		r.log.Error("catalog upsert failed", "entries", len(entries), "err", err)
		return 0, err
	}
	r.log.Info("catalog upserted", "run_id", entries[0].RunID, "entries", len(entries), "inserted", n)
	return int(n), nil
}

func (r *catalogRepo) ListByRun(ctx context.Context, runID uuid.UUID, bidID string) ([]entity.TypeCatalogEntry, error) {
	pred := entsql.EQ("run_id", runID.String())
	if bidID != "" {
		pred = entsql.And(pred, entsql.EQ("bid_id", bidID))
	}
	q, args := r.db.sql().Select(catalogColumns...).From(r.db.sql().Table("type_catalog")).
		Where(pred).OrderBy("code").Query()
	var rows []catalogRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list catalog: %v", common.ErrDatabase, err)
	}
	out := make([]entity.TypeCatalogEntry, len(rows))
	for i, row := range rows {
		out[i] = entity.TypeCatalogEntry{
			ID:          row.ID,
			RunID:       row.RunID,
			BidID:       row.BidID,
			Code:        row.Code,
			Description: row.Description,
			Category:    row.Category,
			Source:      row.Source,
			CreatedAt:   row.CreatedAt.Time,
		}
	}
	return out, nil
}
