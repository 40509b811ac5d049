package scoring

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/testsupport"
)

func doc(rel string, score int) entity.DocumentScore {
	return entity.DocumentScore{
		Document: entity.DocumentInfo{ID: entity.DocumentID(rel), RelPath: rel, Filename: rel},
		Score:    score,
		Priority: constants.PriorityFor(score),
	}
}

func TestShouldBoost(t *testing.T) {
	tests := []struct {
		name   string
		scores []entity.DocumentScore
		want   bool
	}{
		{"empty", nil, false},
		{"all low", []entity.DocumentScore{doc("a.pdf", 55), doc("b.pdf", 10)}, true},
		{"79 is still low", []entity.DocumentScore{doc("a.pdf", 79)}, true},
		{"one high", []entity.DocumentScore{doc("a.pdf", 80), doc("b.pdf", 10)}, false},
		{"deterministic 100", []entity.DocumentScore{doc("a.pdf", 100)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldBoost(tt.scores); got != tt.want {
				t.Fatalf("ShouldBoost = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBoostSkippedWhenHighScoreExists(t *testing.T) {
	fake := &testsupport.FakeCompleter{}
	scores := []entity.DocumentScore{doc("Sign Schedule.pdf", 100), doc("x.pdf", 10)}

	res := NewBooster(fake, nil).Boost(context.Background(), constants.TradeSignage, scores)
	if res.Applied || fake.Calls() != 0 {
		t.Fatalf("booster must not run when a score >= 80 exists (applied=%v calls=%d)", res.Applied, fake.Calls())
	}
	if res.Scores[0].Score != 100 {
		t.Fatalf("deterministic 100 must survive, got %d", res.Scores[0].Score)
	}
}

func TestBoostAppliesConfidenceWeightedPointsAndCap(t *testing.T) {
	fake := &testsupport.FakeCompleter{
		Replies: []string{testsupport.MustJSON(map[string]any{
			"classifications": []map[string]any{
				{"index": 0, "relevance": "high", "confidence": 1.0, "reason": "sheet index lists sign types"},
				{"index": 1, "relevance": "medium", "confidence": 0.5},
				{"index": 2, "relevance": "high", "confidence": 1.0},
				{"index": 3, "relevance": "none", "confidence": 0.9},
			},
		})},
		Usage: llm.Usage{PromptTokens: 1000, CompletionTokens: 500},
	}
	scores := []entity.DocumentScore{
		doc("G0.1 Sheet Index.pdf", 10),
		doc("Interiors/Finish Notes.pdf", 35),
		doc("A2.1 Floor Plan.pdf", 70),
		doc("S1.0 Structural.pdf", 40),
	}
	SortScores(scores)

	b := NewBooster(fake, nil, WithPricing(llm.Pricing{PromptPer1K: 0.15, OutputPer1K: 0.6}))
	res := b.Boost(context.Background(), constants.TradeSignage, scores)
	if !res.Applied {
		t.Fatalf("expected booster to apply")
	}

	var req struct {
		Files []struct {
			Index int    `json:"index"`
			Path  string `json:"path"`
			Score int    `json:"current_score"`
		} `json:"files"`
	}
	if err := testsupport.PayloadOf(fake.Requests[0], &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	// Batch is sent lowest score first.
	wantOrder := []string{"G0.1 Sheet Index.pdf", "Interiors/Finish Notes.pdf", "S1.0 Structural.pdf", "A2.1 Floor Plan.pdf"}
	for i, f := range req.Files {
		if f.Path != wantOrder[i] || f.Index != i {
			t.Fatalf("payload file %d = %+v, want %s", i, f, wantOrder[i])
		}
	}

	got := byRel(res.Scores)
	if s := got["G0.1 Sheet Index.pdf"].Score; s != 50 {
		t.Fatalf("high/1.0 from 10 should reach 50, got %d", s)
	}
	if s := got["Interiors/Finish Notes.pdf"].Score; s != 45 {
		t.Fatalf("medium/0.5 from 35 should reach 45, got %d", s)
	}
	if s := got["S1.0 Structural.pdf"].Score; s != 80 {
		t.Fatalf("high/1.0 from 40 should reach 80, got %d", s)
	}
	if s := got["A2.1 Floor Plan.pdf"].Score; s != 70 {
		t.Fatalf("none relevance must not change score, got %d", s)
	}
	for _, s := range res.Scores {
		if s.HasSignal(constants.SignalAIClassification) && s.Score > BoostedScoreCap {
			t.Fatalf("boosted score %d exceeds cap", s.Score)
		}
	}
	if res.Scores[0].Document.RelPath != "S1.0 Structural.pdf" {
		t.Fatalf("boosted list not re-sorted: top is %s", res.Scores[0].Document.RelPath)
	}
	if res.Usage.Total() != 1500 || res.CostUSD < 0.4499 || res.CostUSD > 0.4501 {
		t.Fatalf("unexpected accounting usage=%+v cost=%f", res.Usage, res.CostUSD)
	}
}

func TestBoostCapsAt95(t *testing.T) {
	fake := &testsupport.FakeCompleter{Replies: []string{
		`{"classifications":[{"index":0,"relevance":"high","confidence":1}]}`,
	}}
	res := NewBooster(fake, nil).Boost(context.Background(), constants.TradeSignage, []entity.DocumentScore{doc("a.pdf", 79)})
	if res.Scores[0].Score != BoostedScoreCap {
		t.Fatalf("expected cap %d, got %d", BoostedScoreCap, res.Scores[0].Score)
	}
	sig := res.Scores[0].Signals[len(res.Scores[0].Signals)-1]
	if sig.Type != constants.SignalAIClassification || sig.Points != BoostedScoreCap {
		t.Fatalf("AI signal should record the boosted total, got %+v", sig)
	}
}

func TestBoostFallsBackOnFailure(t *testing.T) {
	scores := []entity.DocumentScore{doc("a.pdf", 40), doc("b.pdf", 10)}
	tests := []struct {
		name string
		fake *testsupport.FakeCompleter
	}{
		{"call error", &testsupport.FakeCompleter{Errs: []error{errors.New("connection reset")}}},
		{"non json", &testsupport.FakeCompleter{Replies: []string{"I think file a is relevant."}}},
		{"schema mismatch", &testsupport.FakeCompleter{Replies: []string{`{"classifications":[{"index":0,"relevance":"maybe","confidence":2}]}`}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewBooster(tt.fake, nil).Boost(context.Background(), constants.TradeSignage, scores)
			if res.Applied {
				t.Fatalf("expected fallback")
			}
			if res.Scores[0].Score != 40 || res.Scores[1].Score != 10 {
				t.Fatalf("fallback must return unboosted scores, got %+v", res.Scores)
			}
		})
	}
}

func TestBoostBatchCappedAt50(t *testing.T) {
	var scores []entity.DocumentScore
	for i := 0; i < 80; i++ {
		scores = append(scores, doc(fmt.Sprintf("doc-%03d.pdf", i), 10+i%40))
	}
	SortScores(scores)
	fake := &testsupport.FakeCompleter{Replies: []string{`{"classifications":[]}`}}

	NewBooster(fake, nil).Boost(context.Background(), constants.TradeSignage, scores)

	var req struct {
		Files []struct {
			CurrentScore int `json:"current_score"`
		} `json:"files"`
	}
	if err := testsupport.PayloadOf(fake.Requests[0], &req); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(req.Files) != DefaultBoostBatchCap {
		t.Fatalf("batch size %d, want %d", len(req.Files), DefaultBoostBatchCap)
	}
	for i := 1; i < len(req.Files); i++ {
		if req.Files[i].CurrentScore < req.Files[i-1].CurrentScore {
			t.Fatalf("batch should be lowest scores first")
		}
	}
}
