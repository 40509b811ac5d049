package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	cmd.SetContext(context.Background())
	err := cmd.Execute()
	return out.String(), err
}

func sqliteEnv(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "takeoff.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_URL", path)
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_FORMAT", "text")
	return path
}

func TestScoreCommandRanksScheduleFirst(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	root := t.TempDir()
	for _, rel := range []string{"Specs/Division 03 Concrete.pdf", "Exhibit A - Sign Schedule.pdf"} {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("%PDF-1.4\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	out, err := execute(t, "score", root, "--trade", "10 14 00", "--json")
	if err != nil {
		t.Fatalf("score: %v\n%s", err, out)
	}
	var scores []entity.DocumentScore
	if err := json.Unmarshal([]byte(out), &scores); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if len(scores) != 2 {
		t.Fatalf("got %d scores, want 2", len(scores))
	}
	if scores[0].Document.Filename != "Exhibit A - Sign Schedule.pdf" || scores[0].Priority != constants.PriorityHigh {
		t.Fatalf("unexpected top document: %#v", scores[0])
	}
}

func TestScoreCommandRejectsUnknownTrade(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	if _, err := execute(t, "score", t.TempDir(), "--trade", "plumbing"); err == nil || !strings.Contains(err.Error(), "unknown trade") {
		t.Fatalf("err = %v, want unknown trade", err)
	}
}

func TestDBMigrateAndRunsList(t *testing.T) {
	path := sqliteEnv(t)

	out, err := execute(t, "db", "migrate")
	if err != nil {
		t.Fatalf("db migrate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "schema up to date") {
		t.Fatalf("unexpected output: %q", out)
	}

	db, err := repository.OpenSQLite(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	run, err := repository.NewRunRepository(db, nil).Create(context.Background(), entity.Run{
		BidID: "bid-cli", UserID: "estimator", Trade: constants.TradeToiletAccessories,
	})
	db.Close()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	out, err = execute(t, "runs", "--json")
	if err != nil {
		t.Fatalf("runs: %v\n%s", err, out)
	}
	var runs []entity.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("decode runs: %v\n%s", err, out)
	}
	if len(runs) != 1 || runs[0].ID != run.ID || runs[0].Status != constants.RunQueued {
		t.Fatalf("runs = %#v", runs)
	}
}

func TestRunCommandNeedsModelCredentials(t *testing.T) {
	sqliteEnv(t)
	t.Setenv("OPENAI_API_KEY", "")

	_, err := execute(t, "run", "--bid", "bid-1")
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("err = %v, want missing OPENAI_API_KEY", err)
	}
}

func TestReviewLineItemNeedsAChange(t *testing.T) {
	sqliteEnv(t)
	_, err := execute(t, "review", "line-item", "6f1c2d3e-0000-4000-8000-000000000001")
	if err == nil || !strings.Contains(err.Error(), "nothing to do") {
		t.Fatalf("err = %v", err)
	}
}
