package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/agent"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/corpus"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/fastpath"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/miner"
	"github.com/joseph-ayodele/takeoff-tracker/internal/pipeline"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
	"github.com/joseph-ayodele/takeoff-tracker/internal/testsupport"
)

const (
	scheduleName = "Exhibit A - Sign Schedule.pdf"
	planName     = "A2.1 Floor Plan.pdf"
)

var legendRows = []string{
	"ROOM IDENTIFICATION TACTILE",
	"RESTROOM MEN ADA",
	"RESTROOM WOMEN ADA",
	"EXIT STAIR TACTILE",
	"DIRECTIONAL WALL MOUNTED",
	"OCCUPANCY LOAD PLAQUE",
	"ELEVATOR EVACUATION NOTICE",
	"AREA OF REFUGE",
	"BUILDING DIRECTORY",
	"OVERHEAD SUSPENDED",
	"EXTERIOR MONUMENT",
	"PARKING ACCESSIBLE",
}

// legendPage is a 12-row sign schedule; the last row is type D7.
func legendPage() string {
	var b strings.Builder
	b.WriteString("SIGN SCHEDULE\n")
	b.WriteString("TYPE    DESCRIPTION\n")
	for i, desc := range legendRows {
		code := fmt.Sprintf("A%d", i+1)
		if i == len(legendRows)-1 {
			code = "D7"
		}
		fmt.Fprintf(&b, "%s      %s\n", code, desc)
	}
	return b.String()
}

// spaced joins fragments with distinct filler so each match has its own context.
func spaced(parts ...string) string {
	var b strings.Builder
	for i, part := range parts {
		if i > 0 {
			b.WriteString(strings.Repeat(fmt.Sprintf("note %c ", 'a'+i), 40))
		}
		b.WriteString(part)
		b.WriteString(" ")
	}
	return b.String()
}

type harness struct {
	db    *repository.DB
	proc  *pipeline.Processor
	llm   *testsupport.FakeCompleter
	pages *testsupport.FakePages
	cache *extract.CachedProvider
	root  string
	run   *entity.Run
}

func newHarness(t *testing.T, files ...string) *harness {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "bid-a")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(root, f), []byte("%PDF-1.4"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	db := testsupport.MustOpenStore(t)
	pages := testsupport.NewFakePages()
	c := &testsupport.FakeCompleter{Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20}}
	instances := repository.NewInstanceRepository(db, nil)
	cache := extract.NewCachedProvider(pages)

	proc := pipeline.NewProcessor(nil, pipeline.Deps{
		Runs:      repository.NewRunRepository(db, nil),
		Catalog:   repository.NewCatalogRepository(db, nil),
		Items:     repository.NewLineItemRepository(db, nil),
		Corpus:    corpus.NewFSProvider(base, nil),
		Scorer:    scoring.NewScorer(nil),
		Booster:   scoring.NewBooster(c, nil),
		FastPath:  fastpath.NewExtractor(cache, nil),
		Agent:     agent.New(c, cache, nil),
		Miner:     miner.New(cache, c, instances, nil, miner.WithBudget(-1)),
		PageCache: cache,
	})
	run, err := repository.NewRunRepository(db, nil).Create(context.Background(), entity.Run{
		BidID: "bid-a", UserID: "estimator", Trade: constants.TradeSignage,
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	return &harness{db: db, proc: proc, llm: c, pages: pages, cache: cache, root: root, run: run}
}

func (h *harness) path(name string) string { return filepath.Join(h.root, name) }

type classifyRequest struct {
	Candidates []struct {
		Index    int    `json:"index"`
		Code     string `json:"code"`
		Filename string `json:"filename"`
		Text     string `json:"text"`
	} `json:"candidates"`
}

// placementsOnPlans accepts plan-sheet matches that are not cross-references.
func placementsOnPlans(req llm.Request) (string, error) {
	var p classifyRequest
	if err := testsupport.PayloadOf(req, &p); err != nil {
		return "", err
	}
	results := []map[string]any{}
	for _, c := range p.Candidates {
		ok := c.Filename == planName && !strings.Contains(c.Text, "SEE SIGN TYPE")
		results = append(results, map[string]any{"index": c.Index, "isInstance": ok, "normalizedCode": c.Code, "confidence": 0.9})
	}
	return testsupport.MustJSON(map[string]any{"results": results}), nil
}

func (h *harness) lineItems(t *testing.T) []entity.LineItem {
	t.Helper()
	items, err := repository.NewLineItemRepository(h.db, nil).List(context.Background(), repository.LineItemFilter{BidID: "bid-a"})
	if err != nil {
		t.Fatalf("list line items: %v", err)
	}
	return items
}

func (h *harness) instances(t *testing.T) []entity.Instance {
	t.Helper()
	list, err := repository.NewInstanceRepository(h.db, nil).List(context.Background(), repository.InstanceFilter{RunID: h.run.ID})
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	return list
}

func (h *harness) reload(t *testing.T) *entity.Run {
	t.Helper()
	run, err := repository.NewRunRepository(h.db, nil).Get(context.Background(), h.run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	return run
}

func floorPlanPages() []string {
	return []string{
		"TITLE SHEET",
		"GENERAL NOTES",
		spaced(
			"OFFICE 101 D7 AT DOOR",
			"CORRIDOR D7 ON WALL",
			"CONFERENCE 104 D7",
			"SEE SIGN TYPE D7 ON SHEET G0.4",
		),
	}
}

func TestProcessFastPathThenMining(t *testing.T) {
	h := newHarness(t, scheduleName, planName)
	h.pages.Add(h.path(scheduleName), legendPage())
	h.pages.Add(h.path(planName), floorPlanPages()...)
	h.llm.Respond = func(req llm.Request) (string, error) {
		if req.Op != "miner.classify" {
			return "", fmt.Errorf("unexpected call %s", req.Op)
		}
		return placementsOnPlans(req)
	}

	if err := h.proc.Process(context.Background(), h.run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	run := h.reload(t)
	if run.Status != constants.RunSucceeded || run.Strategy != constants.StrategyFastPath || run.Stage != constants.StageDone {
		t.Fatalf("unexpected run: %#v", run)
	}
	if run.Stats.TopScore < 80 || run.Stats.FastPathConfidence != 0.9 || run.Stats.Boosted {
		t.Fatalf("unexpected stats: %#v", run.Stats)
	}

	items := h.lineItems(t)
	if len(items) != 12 {
		t.Fatalf("line items = %d, want 12", len(items))
	}
	for _, li := range items {
		if li.ReviewStatus != constants.ReviewPending {
			t.Fatalf("line item %q status = %s", li.Description, li.ReviewStatus)
		}
		if li.Category == "" {
			t.Fatalf("line item without category: %#v", li)
		}
	}
	if run.Stats.CatalogCodes != 12 {
		t.Fatalf("catalog codes = %d, want 12", run.Stats.CatalogCodes)
	}

	instances := h.instances(t)
	if len(instances) != 3 {
		t.Fatalf("instances = %d, want 3", len(instances))
	}
	evidenceRepo := repository.NewInstanceRepository(h.db, nil)
	planID := entity.DocumentID(planName)
	for _, in := range instances {
		if in.Meta.NormalizedCode != "D7" || in.TypeItemID == nil {
			t.Fatalf("unexpected instance: %#v", in)
		}
		ev, err := evidenceRepo.Evidence(context.Background(), in.ID)
		if err != nil || len(ev) != 1 {
			t.Fatalf("evidence = %d, %v", len(ev), err)
		}
		if ev[0].DocumentID != planID || ev[0].PageNumber != 3 {
			t.Fatalf("evidence points at %s page %d", ev[0].DocumentID, ev[0].PageNumber)
		}
	}
	if h.llm.Calls() != 1 {
		t.Fatalf("model calls = %d, want 1", h.llm.Calls())
	}
}

func TestProcessRerunReadsReplacedPlan(t *testing.T) {
	h := newHarness(t, scheduleName, planName)
	h.pages.Add(h.path(scheduleName), legendPage())
	h.pages.Add(h.path(planName), "TITLE SHEET", spaced("OFFICE 101 D7 AT DOOR", "CORRIDOR WALL"))
	h.llm.Respond = placementsOnPlans
	ctx := context.Background()

	if err := h.proc.Process(ctx, h.run.ID); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	if got := len(h.instances(t)); got != 1 {
		t.Fatalf("instances after first run = %d, want 1", got)
	}
	if h.cache.Len() != 0 {
		t.Fatalf("page cache holds %d files after the run", h.cache.Len())
	}

	// the estimator drops in a revised plan set with more placements
	if err := os.WriteFile(h.path(planName), []byte("%PDF-1.4 revision B"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.pages.Add(h.path(planName), floorPlanPages()...)
	if err := repository.NewRunRepository(h.db, nil).Requeue(ctx, h.run.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := h.proc.Process(ctx, h.run.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if got := len(h.instances(t)); got != 4 {
		t.Fatalf("instances after revised plan = %d, want 4", got)
	}
}

func TestProcessRerunIsIdempotent(t *testing.T) {
	h := newHarness(t, scheduleName, planName)
	h.pages.Add(h.path(scheduleName), legendPage())
	h.pages.Add(h.path(planName), floorPlanPages()...)
	h.llm.Respond = placementsOnPlans
	ctx := context.Background()

	if err := h.proc.Process(ctx, h.run.ID); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	items := h.lineItems(t)
	svc := repository.NewReviewRepository(h.db, nil)
	if err := svc.WithinTx(ctx, func(tx repository.ReviewTx) error {
		return tx.SetLineItemStatus(ctx, items[0].ID, constants.ReviewPending, constants.ReviewApproved)
	}); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := repository.NewRunRepository(h.db, nil).Requeue(ctx, h.run.ID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := h.proc.Process(ctx, h.run.ID); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if got := h.lineItems(t); len(got) != 12 {
		t.Fatalf("line items after rerun = %d, want 12", len(got))
	}
	approved, _ := repository.NewLineItemRepository(h.db, nil).Get(ctx, items[0].ID)
	if approved.ReviewStatus != constants.ReviewApproved {
		t.Fatalf("approved item regenerated: %#v", approved)
	}
	if got := h.instances(t); len(got) != 3 {
		t.Fatalf("instances after rerun = %d, want 3", len(got))
	}
	run := h.reload(t)
	if run.Stats.LineItems != 0 || run.Stats.InstancesInserted != 0 {
		t.Fatalf("rerun stats = %#v", run.Stats)
	}
}

func TestProcessFallsBackToAgent(t *testing.T) {
	h := newHarness(t, scheduleName)
	h.pages.Add(h.path(scheduleName), "SEE SPECIFICATIONS FOR SIGNAGE REQUIREMENTS")
	h.llm.Respond = func(req llm.Request) (string, error) {
		switch req.Op {
		case "agent.turn":
			return testsupport.MustJSON(map[string]any{
				"action":     "final",
				"confidence": 0.75,
				"entries": []map[string]any{
					{"code": "S1", "description": "Room ID sign", "quantity": 24, "unit": "EA", "confidence": 0.9},
					{"code": "S2", "description": "Exit sign", "confidence": 0.6},
				},
			}), nil
		case "miner.classify":
			return placementsOnPlans(req)
		}
		return "", fmt.Errorf("unexpected call %s", req.Op)
	}

	if err := h.proc.Process(context.Background(), h.run.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	run := h.reload(t)
	if run.Strategy != constants.StrategyAgentic || run.Stats.AgentIterations != 1 {
		t.Fatalf("unexpected run: %#v", run)
	}
	if run.Stats.PromptTokens != 100 || run.Stats.CompletionTokens != 20 {
		t.Fatalf("usage not recorded: %#v", run.Stats)
	}

	items := h.lineItems(t)
	if len(items) != 2 {
		t.Fatalf("line items = %d, want 2", len(items))
	}
	status := map[string]constants.ReviewStatus{}
	for _, li := range items {
		status[li.Code] = li.ReviewStatus
		if li.ExtractionModel != "fake-model" {
			t.Fatalf("extraction model = %q", li.ExtractionModel)
		}
	}
	if status["S1"] != constants.ReviewPending || status["S2"] != constants.ReviewNeedsReview {
		t.Fatalf("unexpected statuses: %v", status)
	}
}

func TestProcessMinerMalformedFailsRun(t *testing.T) {
	h := newHarness(t, scheduleName, planName)
	h.pages.Add(h.path(scheduleName), legendPage())
	h.pages.Add(h.path(planName), floorPlanPages()...)
	h.llm.Replies = []string{"I think most of these are signs."}

	err := h.proc.Process(context.Background(), h.run.ID)
	if !errors.Is(err, common.ErrMalformedResponse) {
		t.Fatalf("Process err = %v, want ErrMalformedResponse", err)
	}
	run := h.reload(t)
	if run.Status != constants.RunFailed || run.ErrorMessage == nil || !strings.HasPrefix(*run.ErrorMessage, "mining:") {
		t.Fatalf("unexpected run: %#v", run)
	}
	if run.Stats.ScannedPages != 4 {
		t.Fatalf("scanned pages = %d, want 4", run.Stats.ScannedPages)
	}
	if len(h.instances(t)) != 0 {
		t.Fatalf("instances written after malformed reply")
	}
	if len(h.lineItems(t)) != 12 {
		t.Fatalf("line items from the fast path should survive a mining failure")
	}
}

func TestProcessAgentFailureFailsRun(t *testing.T) {
	h := newHarness(t, "notes.pdf")
	h.pages.Add(h.path("notes.pdf"), "nothing here")
	// the booster swallows the first failure; the agent surfaces the second
	h.llm.Errs = []error{
		fmt.Errorf("%w: upstream 503", common.ErrTransient),
		fmt.Errorf("%w: upstream 503", common.ErrTransient),
	}

	err := h.proc.Process(context.Background(), h.run.ID)
	if !errors.Is(err, common.ErrTransient) {
		t.Fatalf("Process err = %v, want ErrTransient", err)
	}
	run := h.reload(t)
	if run.Status != constants.RunFailed || run.ErrorMessage == nil || !strings.HasPrefix(*run.ErrorMessage, "agentic:") {
		t.Fatalf("unexpected run: %#v", run)
	}
}

func TestProcessRefusesRunningRun(t *testing.T) {
	h := newHarness(t, scheduleName)
	if err := repository.NewRunRepository(h.db, nil).Start(context.Background(), h.run.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.proc.Process(context.Background(), h.run.ID); !pipeline.IsRunConflict(err) {
		t.Fatalf("Process err = %v, want conflict", err)
	}
}

func TestProcessEmptyCorpusFails(t *testing.T) {
	h := newHarness(t)
	err := h.proc.Process(context.Background(), h.run.ID)
	if !errors.Is(err, common.ErrInput) {
		t.Fatalf("Process err = %v, want ErrInput", err)
	}
}
