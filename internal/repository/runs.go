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

type RunRepository interface {
	Create(ctx context.Context, run entity.Run) (*entity.Run, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Run, error)
	List(ctx context.Context, bidID string, limit int) ([]entity.Run, error)
	// Start moves a run to running. A run that is already running is a conflict.
	Start(ctx context.Context, id uuid.UUID) error
	SetStage(ctx context.Context, id uuid.UUID, stage constants.RunStage, stats entity.RunStats) error
	Finish(ctx context.Context, id uuid.UUID, strategy constants.Strategy, stats entity.RunStats) error
	Fail(ctx context.Context, id uuid.UUID, message string, stats entity.RunStats) error
	// Requeue resets a finished run to queued for an explicit re-run.
	Requeue(ctx context.Context, id uuid.UUID) error
}

var runColumns = []string{
	"id", "bid_id", "user_id", "trade", "source_dir", "status", "stage", "strategy",
	"error_message", "stats", "created_at", "started_at", "finished_at",
}

type runRow struct {
	ID           uuid.UUID      `db:"id"`
	BidID        string         `db:"bid_id"`
	UserID       string         `db:"user_id"`
	Trade        string         `db:"trade"`
	SourceDir    string         `db:"source_dir"`
	Status       string         `db:"status"`
	Stage        string         `db:"stage"`
	Strategy     string         `db:"strategy"`
	ErrorMessage sql.NullString `db:"error_message"`
	Stats        jsonText       `db:"stats"`
	CreatedAt    dbTime         `db:"created_at"`
	StartedAt    dbTime         `db:"started_at"`
	FinishedAt   dbTime         `db:"finished_at"`
}

func (r runRow) toEntity() entity.Run {
	run := entity.Run{
		ID:         r.ID,
		BidID:      r.BidID,
		UserID:     r.UserID,
		Trade:      constants.Trade(r.Trade),
		SourceDir:  r.SourceDir,
		Status:     constants.RunStatus(r.Status),
		Stage:      constants.RunStage(r.Stage),
		Strategy:   constants.Strategy(r.Strategy),
		CreatedAt:  r.CreatedAt.Time,
		StartedAt:  r.StartedAt.ptr(),
		FinishedAt: r.FinishedAt.ptr(),
	}
	if r.ErrorMessage.Valid {
		msg := r.ErrorMessage.String
		run.ErrorMessage = &msg
	}
	if len(r.Stats) > 0 {
		_ = json.Unmarshal(r.Stats, &run.Stats)
	}
	return run
}

type runRepo struct {
	db  *DB
	log *slog.Logger
}

func NewRunRepository(db *DB, log *slog.Logger) RunRepository {
	if log == nil {
		log = slog.Default()
	}
	return &runRepo{db: db, log: log}
}

func (r *runRepo) Create(ctx context.Context, run entity.Run) (*entity.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = constants.RunQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	stats, err := json.Marshal(run.Stats)
	if err != nil {
		return nil, fmt.Errorf("marshal run stats: %w", err)
	}
	q, args := r.db.sql().Insert("runs").Columns(runColumns...).Values(
		run.ID.String(), run.BidID, run.UserID, string(run.Trade), run.SourceDir, string(run.Status),
		string(run.Stage), string(run.Strategy), nullString(run.ErrorMessage), string(stats),
		run.CreatedAt.UTC(), nullTime(run.StartedAt), nullTime(run.FinishedAt),
	).Query()
	if _, err := exec(ctx, r.db.x, q, args); err != nil {
		r.log.Error("run create failed", "bid_id", run.BidID, "err", err)
		return nil, err
	}
	r.log.Info("run created", "run_id", run.ID, "bid_id", run.BidID, "trade", string(run.Trade))
	return &run, nil
}

func (r *runRepo) Get(ctx context.Context, id uuid.UUID) (*entity.Run, error) {
	q, args := r.db.sql().Select(runColumns...).From(r.db.sql().Table("runs")).
		Where(entsql.EQ("id", id.String())).Query()
	var row runRow
	if err := sqlx.GetContext(ctx, r.db.x, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", id, common.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: get run: %v", common.ErrDatabase, err)
	}
	run := row.toEntity()
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, bidID string, limit int) ([]entity.Run, error) {
	sel := r.db.sql().Select(runColumns...).From(r.db.sql().Table("runs")).
		OrderBy(entsql.Desc("created_at"))
	if bidID != "" {
		sel.Where(entsql.EQ("bid_id", bidID))
	}
	if limit > 0 {
		sel.Limit(limit)
	}
	q, args := sel.Query()
	var rows []runRow
	if err := sqlx.SelectContext(ctx, r.db.x, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%w: list runs: %v", common.ErrDatabase, err)
	}
	out := make([]entity.Run, len(rows))
	for i, row := range rows {
		out[i] = row.toEntity()
	}
	return out, nil
}

func (r *runRepo) Start(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	q, args := r.db.sql().Update("runs").
		Set("status", string(constants.RunRunning)).
		Set("stage", string(constants.StageScoring)).
		Set("started_at", now).
		Set("finished_at", nil).
		Set("error_message", nil).
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.NEQ("status", string(constants.RunRunning)))).
		Query()
	n, err := exec(ctx, r.db.x, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s is already running: %w", id, common.ErrConflict)
	}
	r.log.Info("run started", "run_id", id)
	return nil
}

func (r *runRepo) SetStage(ctx context.Context, id uuid.UUID, stage constants.RunStage, stats entity.RunStats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	q, args := r.db.sql().Update("runs").
		Set("stage", string(stage)).
		Set("stats", string(b)).
		Where(entsql.EQ("id", id.String())).
		Query()
	_, err = exec(ctx, r.db.x, q, args)
	return err
}

func (r *runRepo) Finish(ctx context.Context, id uuid.UUID, strategy constants.Strategy, stats entity.RunStats) error {
	return r.finish(ctx, id, constants.RunSucceeded, strategy, nil, stats)
}

func (r *runRepo) Fail(ctx context.Context, id uuid.UUID, message string, stats entity.RunStats) error {
	return r.finish(ctx, id, constants.RunFailed, "", &message, stats)
}

func (r *runRepo) finish(ctx context.Context, id uuid.UUID, status constants.RunStatus, strategy constants.Strategy, msg *string, stats entity.RunStats) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	upd := r.db.sql().Update("runs").
		Set("status", string(status)).
		Set("stats", string(b)).
		Set("finished_at", time.Now().UTC()).
		Set("error_message", nullString(msg))
	if status == constants.RunSucceeded {
		upd.Set("stage", string(constants.StageDone))
	}
	if strategy != "" {
		upd.Set("strategy", string(strategy))
	}
	q, args := upd.Where(entsql.EQ("id", id.String())).Query()
	if _, err := exec(ctx, r.db.x, q, args); err != nil {
		r.log.Error("run finish failed", "run_id", id, "status", string(status), "err", err)
		return err
	}
	if msg != nil {
		r.log.Warn("run finished", "run_id", id, "status", string(status), "error", *msg)
	} else {
		r.log.Info("run finished", "run_id", id, "status", string(status), "strategy", string(strategy))
	}
	return nil
}

func (r *runRepo) Requeue(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.sql().Update("runs").
		Set("status", string(constants.RunQueued)).
		Set("stage", "").
		Where(entsql.And(entsql.EQ("id", id.String()), entsql.NEQ("status", string(constants.RunRunning)))).
		Query()
	n, err := exec(ctx, r.db.x, q, args)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s is running: %w", id, common.ErrConflict)
	}
	return nil
}
