package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

// MustOpenStore opens a migrated SQLite store in a temp dir and registers cleanup.
func MustOpenStore(t testing.TB) *repository.DB {
	t.Helper()

	db, err := repository.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "takeoff.db"), nil)
	if err != nil {
		t.Fatalf("repository.OpenSQLite: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

// NewRun inserts a queued signage run for bidID.
func NewRun(t testing.TB, db *repository.DB, bidID string) *entity.Run {
	t.Helper()

	run, err := repository.NewRunRepository(db, nil).Create(context.Background(), entity.Run{
		BidID:  bidID,
		UserID: "estimator@example.com",
		Trade:  constants.TradeSignage,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return run
}
