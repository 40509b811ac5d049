package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

const (
	DefaultBoostBatchCap = 50
	MaxHighBoost         = 40
	MaxMediumBoost       = 20
	// BoostedScoreCap keeps model-assisted scores below the deterministic maximum of 100.
	BoostedScoreCap = 95
)

// BoostResult is the outcome of a booster pass. Applied is false when the
// booster was skipped or fell back to the unboosted scores.
type BoostResult struct {
	Scores     []entity.DocumentScore
	Applied    bool
	Classified int
	Boosted    int
	Usage      llm.Usage
	CostUSD    float64
	Model      string
}

// Booster asks the model to re-rank ambiguous filenames when no document
// scored high on deterministic signals alone.
type Booster struct {
	llm      llm.Completer
	pricing  llm.Pricing
	batchCap int
	logger   *slog.Logger
}

type BoosterOption func(*Booster)

func WithBatchCap(n int) BoosterOption {
	return func(b *Booster) {
		if n > 0 {
			b.batchCap = n
		}
	}
}

func WithPricing(p llm.Pricing) BoosterOption {
	return func(b *Booster) { b.pricing = p }
}

func NewBooster(c llm.Completer, logger *slog.Logger, opts ...BoosterOption) *Booster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Booster{llm: c, batchCap: DefaultBoostBatchCap, logger: logger}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ShouldBoost is true only when no document reached the high-priority threshold.
func ShouldBoost(scores []entity.DocumentScore) bool {
	if len(scores) == 0 {
		return false
	}
	for _, s := range scores {
		if s.Score >= constants.HighPriorityScore {
			return false
		}
	}
	return true
}

type boostFile struct {
	Index        int    `json:"index"`
	Path         string `json:"path"`
	Filename     string `json:"filename"`
	CurrentScore int    `json:"current_score"`
}

type boostPayload struct {
	Trade        string         `json:"trade"`
	TradeName    string         `json:"trade_name"`
	Files        []boostFile    `json:"files"`
	OutputSchema map[string]any `json:"output_schema"`
}

type boostReply struct {
	Classifications []struct {
		Index      int     `json:"index"`
		Relevance  string  `json:"relevance"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	} `json:"classifications"`
}

// Boost classifies the lowest-scoring documents and returns the re-sorted list.
// Any failure returns the input scores unchanged; the booster never blocks a run.
func (b *Booster) Boost(ctx context.Context, trade constants.Trade, scores []entity.DocumentScore) BoostResult {
	out := BoostResult{Scores: scores}
	if !ShouldBoost(scores) || b.llm == nil {
		return out
	}
	prof, err := Profile(trade)
	if err != nil {
		b.logger.Warn("booster.fallback", "reason", "unknown_trade", "trade", string(trade))
		return out
	}
	start := time.Now()

	batch := lowestBatch(scores, b.batchCap)
	payload := boostPayload{
		Trade:        string(prof.Trade),
		TradeName:    prof.Name,
		Files:        make([]boostFile, len(batch)),
		OutputSchema: llm.BoostSchema(),
	}
	for i, idx := range batch {
		d := scores[idx]
		payload.Files[i] = boostFile{Index: i, Path: d.Document.RelPath, Filename: d.Document.Filename, CurrentScore: d.Score}
	}

	comp, err := b.llm.Complete(ctx, llm.Request{
		Op:          "booster.classify",
		System:      boostSystemPrompt(prof),
		Payload:     payload,
		Temperature: 0,
	})
	if err != nil {
		b.logger.Warn("booster.fallback", "reason", "call_failed", "files", len(batch), "error", err)
		return out
	}
	out.Usage = comp.Usage
	out.CostUSD = b.pricing.Cost(comp.Usage)
	out.Model = comp.Model

	var reply boostReply
	if err := llm.DecodeValidated(comp.Text, llm.BoostSchema(), &reply); err != nil {
		b.logger.Warn("booster.fallback", "reason", "malformed", "error", err)
		return out
	}

	boosted := make([]entity.DocumentScore, len(scores))
	copy(boosted, scores)
	for _, c := range reply.Classifications {
		if c.Index < 0 || c.Index >= len(batch) {
			continue
		}
		out.Classified++
		add := boostPoints(c.Relevance, c.Confidence)
		if add <= 0 {
			continue
		}
		d := &boosted[batch[c.Index]]
		total := d.Score + add
		if total > BoostedScoreCap {
			total = BoostedScoreCap
		}
		if total <= d.Score {
			continue
		}
		// Copy before appending so the caller's signal slice is left alone.
		d.Signals = append(append([]entity.ScoreSignal(nil), d.Signals...), entity.ScoreSignal{
			Type:    constants.SignalAIClassification,
			Pattern: c.Relevance,
			Points:  total,
			Reason:  fmt.Sprintf("model relevance %s (confidence %.2f): %s", c.Relevance, c.Confidence, c.Reason),
		})
		d.Score = total
		d.Priority = constants.PriorityFor(total)
		out.Boosted++
	}
	SortScores(boosted)
	out.Scores = boosted
	out.Applied = true

	b.logger.Info("booster.done",
		"trade", string(trade),
		"files", len(batch),
		"classified", out.Classified,
		"boosted", out.Boosted,
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"cost_usd", out.CostUSD,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out
}

// boostPoints weights the tier maximum by the model's confidence.
func boostPoints(relevance string, confidence float64) int {
	confidence = math.Max(0, math.Min(1, confidence))
	switch relevance {
	case "high":
		return int(math.Round(MaxHighBoost * confidence))
	case "medium":
		return int(math.Round(MaxMediumBoost * confidence))
	default:
		return 0
	}
}

// lowestBatch returns indexes of the n lowest scores, lowest first.
func lowestBatch(scores []entity.DocumentScore, n int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		sa, sb := scores[idx[a]], scores[idx[b]]
		if sa.Score != sb.Score {
			return sa.Score < sb.Score
		}
		return sa.Document.RelPath < sb.Document.RelPath
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	return idx
}

func boostSystemPrompt(prof TradeProfile) string {
	return "You triage construction bid documents for a " + prof.Name + " takeoff (CSI " + string(prof.Trade) + ").\n" +
		prof.BoostGuidance + "\n" +
		"For every file in the payload decide how likely it is to contain the " + prof.ItemNoun +
		" schedule, legend or placements, using only its folder path and filename.\n" +
		"Reply with a single JSON object matching output_schema: one classification per file index, " +
		"relevance one of high, medium, low, none, and a confidence between 0 and 1. No prose."
}
