package miner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/testsupport"
)

type memStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]entity.Instance
	evidence  map[uuid.UUID][]entity.EvidenceLink
}

func newMemStore() *memStore {
	return &memStore{instances: map[uuid.UUID]entity.Instance{}, evidence: map[uuid.UUID][]entity.EvidenceLink{}}
}

func (s *memStore) InsertInstances(_ context.Context, instances []entity.Instance, evidence []entity.EvidenceLink) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range instances {
		if _, ok := s.instances[in.ID]; ok {
			continue
		}
		s.instances[in.ID] = in
		n++
	}
	for _, ev := range evidence {
		dup := false
		for _, have := range s.evidence[ev.InstanceID] {
			if have.DocumentID == ev.DocumentID && have.PageNumber == ev.PageNumber {
				dup = true
			}
		}
		if !dup {
			s.evidence[ev.InstanceID] = append(s.evidence[ev.InstanceID], ev)
		}
	}
	return n, nil
}

var runID = uuid.MustParse("0b8f8a36-5c53-4b47-9c67-0d0c1f6f1a11")

func catalog(codes ...string) []entity.TypeCatalogEntry {
	var out []entity.TypeCatalogEntry
	for _, c := range codes {
		out = append(out, entity.TypeCatalogEntry{ID: entity.CatalogEntryID(runID, c), RunID: runID, BidID: "bid-1", Code: c, Description: "type " + c})
	}
	return out
}

func docInfo(rel string) entity.DocumentInfo {
	return entity.DocumentInfo{ID: entity.DocumentID(rel), Path: "/bid/" + rel, RelPath: rel, Filename: rel}
}

// spaced joins fragments with distinct filler long enough that no context
// window reaches a neighbouring fragment.
func spaced(parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString("\n" + strings.Repeat(fmt.Sprintf("note %c ", 'a'+i-1), 40) + "\n")
		}
		b.WriteString(p)
	}
	return b.String()
}

// classifyAll answers every candidate with the verdict returned by decide.
func classifyAll(decide func(c candidateView) (bool, string)) func(llm.Request) (string, error) {
	return func(req llm.Request) (string, error) {
		var p classifyPayload
		if err := testsupport.PayloadOf(req, &p); err != nil {
			return "", err
		}
		var results []map[string]any
		for _, c := range p.Candidates {
			ok, note := decide(c)
			results = append(results, map[string]any{
				"index": c.Index, "isInstance": ok, "normalizedCode": c.Code, "confidence": 0.9, "note": note,
			})
		}
		return testsupport.MustJSON(map[string]any{"results": results}), nil
	}
}

func floorPlanScenario() (*testsupport.FakePages, entity.DocumentInfo) {
	plan := docInfo("A2.1 Floor Plan.pdf")
	page3 := spaced(
		"OFFICE 101 D7 AT DOOR",
		"CORRIDOR D7 ON WALL",
		"CONFERENCE 104 D7",
		"SEE SIGN TYPE D7 ON SHEET G0.4",
	)
	pages := testsupport.NewFakePages().Add(plan.Path, "TITLE SHEET", "GENERAL NOTES", page3)
	return pages, plan
}

func TestMineScenarioB(t *testing.T) {
	pages, plan := floorPlanScenario()
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(c candidateView) (bool, string) {
		if strings.Contains(c.Text, "SEE SIGN TYPE") {
			return false, "cross-reference"
		}
		return true, "placement tag"
	})}
	store := newMemStore()

	m := New(pages, fake, store, nil, WithBudget(-1))
	res, err := m.Mine(context.Background(), MineRequest{
		RunID: runID, BidID: "bid-1", UserID: "u-1", ItemNoun: "sign",
		Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.Candidates != 4 || res.Inserted != 3 || res.ScannedPages != 3 || res.Codes != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(store.instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(store.instances))
	}
	for id, in := range store.instances {
		if in.Status != constants.InstanceNeedsReview || in.Meta.NormalizedCode != "D7" || in.Meta.PageNumber != 3 {
			t.Fatalf("unexpected instance %+v", in)
		}
		if in.TypeItemID == nil || *in.TypeItemID != entity.CatalogEntryID(runID, "D7") {
			t.Fatalf("instance not linked to catalog entry: %+v", in)
		}
		ev := store.evidence[id]
		if len(ev) != 1 || ev[0].DocumentID != plan.ID || ev[0].PageNumber != 3 {
			t.Fatalf("expected one evidence link on page 3, got %+v", ev)
		}
	}
	if fake.Calls() != 1 {
		t.Fatalf("expected one batched classification call, got %d", fake.Calls())
	}
}

func TestMineIsIdempotent(t *testing.T) {
	pages, plan := floorPlanScenario()
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(candidateView) (bool, string) { return true, "" })}
	store := newMemStore()
	m := New(pages, fake, store, nil, WithBudget(-1))
	req := MineRequest{RunID: runID, BidID: "bid-1", Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan}}

	first, err := m.Mine(context.Background(), req)
	if err != nil {
		t.Fatalf("first Mine: %v", err)
	}
	second, err := m.Mine(context.Background(), req)
	if err != nil {
		t.Fatalf("second Mine: %v", err)
	}
	if first.Inserted != 4 || second.Inserted != 0 || second.Accepted != 4 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if len(store.instances) != 4 {
		t.Fatalf("duplicates created: %d rows", len(store.instances))
	}
}

func TestMineScenarioCMalformedReply(t *testing.T) {
	pages, plan := floorPlanScenario()
	store := newMemStore()
	fake := &testsupport.FakeCompleter{Replies: []string{"Sure! Three of these look like real signs."}}

	res, err := New(pages, fake, store, nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7", "A1"), Documents: []entity.DocumentInfo{plan},
	})
	if !errors.Is(err, common.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if res.Inserted != 0 || res.ScannedPages != 3 || res.Codes != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(store.instances) != 0 {
		t.Fatalf("no rows may be written on a malformed reply")
	}
}

func TestMineRejectsIncompleteVerdicts(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"missing index", `{"results":[{"index":0,"isInstance":true},{"index":1,"isInstance":true}]}`},
		{"unknown index", `{"results":[{"index":0,"isInstance":true},{"index":1,"isInstance":true},{"index":2,"isInstance":true},{"index":9,"isInstance":true}]}`},
		{"duplicate index", `{"results":[{"index":0,"isInstance":true},{"index":0,"isInstance":true},{"index":1,"isInstance":true},{"index":2,"isInstance":true}]}`},
		{"schema mismatch", `{"results":[{"index":0,"isInstance":"yes"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pages, plan := floorPlanScenario()
			store := newMemStore()
			fake := &testsupport.FakeCompleter{Replies: []string{tt.reply}}
			res, err := New(pages, fake, store, nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
				RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
			})
			if !errors.Is(err, common.ErrMalformedResponse) {
				t.Fatalf("expected ErrMalformedResponse, got %v", err)
			}
			if res.Inserted != 0 || len(store.instances) != 0 {
				t.Fatalf("rows written despite malformed reply")
			}
		})
	}
}

func TestMineTransportFailureInsertsNothing(t *testing.T) {
	pages, plan := floorPlanScenario()
	store := newMemStore()
	fake := &testsupport.FakeCompleter{Errs: []error{common.ErrTransient}}
	_, err := New(pages, fake, store, nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
	})
	if !errors.Is(err, common.ErrTransient) || len(store.instances) != 0 {
		t.Fatalf("expected transient error and no rows, got %v rows=%d", err, len(store.instances))
	}
}

func TestMineCandidateCap(t *testing.T) {
	pages, plan := floorPlanScenario()
	pages.Add("/bid/A2.2 Floor Plan.pdf", spaced("D7", "D7", "D7"))
	second := docInfo("A2.2 Floor Plan.pdf")
	store := newMemStore()
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(candidateView) (bool, string) { return true, "" })}

	res, err := New(pages, fake, store, nil, WithBudget(-1), WithCandidateCap(5)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan, second},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.Candidates != 5 || res.StoppedBy != StopCandidateCap {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(store.instances) > 5 {
		t.Fatalf("cap exceeded: %d instances", len(store.instances))
	}
}

func TestMineClassifyCapReportsDroppedCandidates(t *testing.T) {
	pages, plan := floorPlanScenario()
	store := newMemStore()
	var sent int
	fake := &testsupport.FakeCompleter{Respond: func(req llm.Request) (string, error) {
		var p classifyPayload
		if err := testsupport.PayloadOf(req, &p); err != nil {
			return "", err
		}
		sent += len(p.Candidates)
		return classifyAll(func(candidateView) (bool, string) { return true, "" })(req)
	}}

	res, err := New(pages, fake, store, nil, WithBudget(-1), WithClassifyCap(2)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.Candidates != 4 || res.Unclassified != 2 || res.StoppedBy != StopClassifyCap {
		t.Fatalf("unexpected result %+v", res)
	}
	if sent != 2 || len(store.instances) != 2 {
		t.Fatalf("sent %d candidates, stored %d instances; want 2 and 2", sent, len(store.instances))
	}
}

func TestMineHitsSharingPageStartWindowBecomeOneInstance(t *testing.T) {
	plan := docInfo("A2.1 Floor Plan.pdf")
	pages := testsupport.NewFakePages().Add(plan.Path,
		"D7 D7 "+strings.Repeat("ROOM FINISH SCHEDULE ", 8),
	)
	store := newMemStore()
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(candidateView) (bool, string) { return true, "" })}

	res, err := New(pages, fake, store, nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.Candidates != 2 || res.Accepted != 1 || len(store.instances) != 1 {
		t.Fatalf("candidates=%d accepted=%d stored=%d; want 2, 1, 1", res.Candidates, res.Accepted, len(store.instances))
	}
}

func TestMinePageMatchCap(t *testing.T) {
	pages := testsupport.NewFakePages().Add("/bid/dense.pdf", strings.Repeat("D7 ", 100))
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(candidateView) (bool, string) { return false, "" })}
	res, err := New(pages, fake, newMemStore(), nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{docInfo("dense.pdf")},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.Candidates != DefaultPageMatchCap {
		t.Fatalf("expected %d candidates from one page, got %d", DefaultPageMatchCap, res.Candidates)
	}
}

func TestMineZeroBudgetScansNothing(t *testing.T) {
	pages, plan := floorPlanScenario()
	fake := &testsupport.FakeCompleter{}
	res, err := New(pages, fake, newMemStore(), nil, WithBudget(0)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan},
	})
	if err != nil {
		t.Fatalf("zero budget must not be an error: %v", err)
	}
	if res.ScannedPages != 0 || res.Inserted != 0 || res.StoppedBy != StopBudget {
		t.Fatalf("unexpected result %+v", res)
	}
	if fake.Calls() != 0 || pages.Reads() != 0 {
		t.Fatalf("no pages or model calls expected")
	}
}

func TestMineBudgetCheckedBetweenPages(t *testing.T) {
	pages, plan := floorPlanScenario()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// Every clock read advances a minute, so the budget expires after the first page.
	now := func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	res, err := New(pages, &testsupport.FakeCompleter{}, newMemStore(), nil, WithBudget(3*time.Minute), WithClock(now)).
		Mine(context.Background(), MineRequest{RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan}})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.ScannedPages != 1 || res.StoppedBy != StopBudget {
		t.Fatalf("expected budget stop after one page, got %+v", res)
	}
}

func TestMineSkipsUnreadablePages(t *testing.T) {
	pages, plan := floorPlanScenario()
	pages.FailPage(plan.Path, 2)
	fake := &testsupport.FakeCompleter{Respond: classifyAll(func(candidateView) (bool, string) { return true, "" })}
	res, err := New(pages, fake, newMemStore(), nil, WithBudget(-1)).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("D7"), Documents: []entity.DocumentInfo{plan, docInfo("missing.pdf")},
	})
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if res.ScannedPages != 2 || res.SkippedPages != 1 || res.Inserted != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMineWithoutUsableCodes(t *testing.T) {
	pages, plan := floorPlanScenario()
	fake := &testsupport.FakeCompleter{}
	res, err := New(pages, fake, newMemStore(), nil).Mine(context.Background(), MineRequest{
		RunID: runID, Catalog: catalog("X", "THIS-CODE-IS-TOO-LONG"), Documents: []entity.DocumentInfo{plan},
	})
	if err != nil || res.Codes != 0 || pages.Reads() != 0 || fake.Calls() != 0 {
		t.Fatalf("expected a no-op, got %+v err=%v", res, err)
	}
}
