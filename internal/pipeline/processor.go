// Package pipeline runs the takeoff cascade for one run: score, boost, fast
// path, agentic fallback, then instance mining.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/agent"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/corpus"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/fastpath"
	"github.com/joseph-ayodele/takeoff-tracker/internal/miner"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

// Deps are the collaborators a Processor drives.
type Deps struct {
	Runs     repository.RunRepository
	Catalog  repository.CatalogRepository
	Items    repository.LineItemRepository
	Corpus   corpus.Provider
	Scorer   *scoring.Scorer
	Booster  *scoring.Booster
	FastPath *fastpath.Extractor
	Agent    *agent.Agent
	Miner    *miner.Miner
	// PageCache, when set, is told to drop the corpus once the run ends.
	PageCache interface{ Forget(root string) }
}

// Processor coordinates the cascade steps for a run and records progress on it.
type Processor struct {
	Deps
	logger *slog.Logger
}

func NewProcessor(logger *slog.Logger, deps Deps) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Deps: deps, logger: logger}
}

// extraction is what either extractor produced, in line-item form.
type extraction struct {
	strategy constants.Strategy
	model    string
	entries  []extractedEntry
}

type extractedEntry struct {
	code        string
	description string
	quantity    *float64
	unit        string
	confidence  float64
	documentID  *uuid.UUID
	needsReview bool
}

// Process runs every step for runID. Agentic and mining failures mark the
// run failed with the error retained; earlier steps degrade instead.
func (p *Processor) Process(ctx context.Context, runID uuid.UUID) error {
	start := time.Now()
	run, err := p.Runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if err := p.Runs.Start(ctx, runID); err != nil {
		return err
	}
	log := p.logger.With("run_id", runID, "bid_id", run.BidID, "trade", string(run.Trade))
	var stats entity.RunStats

	fail := func(step string, err error) error {
		msg := fmt.Sprintf("%s: %v", step, err)
		// the run context may already be done; the failure must still land
		if ferr := p.Runs.Fail(context.WithoutCancel(ctx), runID, msg, stats); ferr != nil {
			log.Error("processor.fail.record_failed", "err", ferr)
		}
		log.Error("processor.failed", "step", step, "err", err, "elapsed_ms", time.Since(start).Milliseconds())
		return fmt.Errorf("%s: %w", step, err)
	}

	prof, err := scoring.Profile(run.Trade)
	if err != nil {
		return fail("profile", err)
	}

	staged, err := p.Corpus.Stage(ctx, *run)
	if err != nil {
		return fail("corpus", err)
	}
	defer func() {
		if p.PageCache != nil {
			p.PageCache.Forget(staged.Root)
		}
		if err := staged.Release(); err != nil {
			log.Warn("processor.corpus.release_failed", "err", err)
		}
	}()

	// 1) score
	scores, err := p.Scorer.Score(ctx, staged.Root, run.Trade)
	if err != nil {
		return fail("score", err)
	}
	if len(scores) == 0 {
		return fail("score", common.NewAppError("EMPTY_CORPUS", "no PDF documents in corpus", common.ErrInput))
	}
	stats.Documents = len(scores)

	// 2) boost when nothing is clearly relevant
	if p.Booster != nil && scoring.ShouldBoost(scores) {
		p.stage(ctx, runID, constants.StageBoosting, stats)
		br := p.Booster.Boost(ctx, run.Trade, scores)
		scores = br.Scores
		stats.Boosted = br.Applied
		stats.BoostedFiles = br.Boosted
		addUsage(&stats, br.Usage.PromptTokens, br.Usage.CompletionTokens, br.CostUSD)
	}
	stats.TopScore = scores[0].Score
	stats.TopDocument = scores[0].Document.RelPath
	log.Info("processor.score.ok", "documents", len(scores), "top_score", stats.TopScore, "top_document", stats.TopDocument, "boosted", stats.Boosted)

	// 3) fast path on the single top document
	ext, ok := p.fastPath(ctx, runID, prof, scores[0], &stats, log)

	// 4) agentic fallback
	if !ok {
		if p.Agent == nil {
			return fail("agentic", common.NewAppError("LLM_UNAVAILABLE", "fast path insufficient and no agent configured", common.ErrConfig))
		}
		p.stage(ctx, runID, constants.StageAgentic, stats)
		res, err := p.Agent.Extract(ctx, agent.Request{RunID: runID.String(), Profile: prof, Documents: scores})
		stats.AgentIterations = res.Iterations
		stats.AgentConfidence = res.Confidence
		addUsage(&stats, res.Usage.PromptTokens, res.Usage.CompletionTokens, res.CostUSD)
		if err != nil {
			return fail("agentic", err)
		}
		ext = fromAgent(res)
	}

	// 5) catalog and line items
	catalog, err := p.persistCatalog(ctx, *run, prof, ext)
	if err != nil {
		return fail("catalog", err)
	}
	stats.CatalogCodes = len(catalog)
	items := buildLineItems(*run, prof, ext)
	n, err := p.Items.AppendNew(ctx, items)
	if err != nil {
		return fail("line_items", err)
	}
	stats.LineItems = n

	// 6) mine instances of the catalog codes
	if p.Miner != nil && len(catalog) > 0 {
		p.stage(ctx, runID, constants.StageMining, stats)
		docs := make([]entity.DocumentInfo, len(scores))
		for i, s := range scores {
			docs[i] = s.Document
		}
		mr, err := p.Miner.Mine(ctx, miner.MineRequest{
			RunID:     runID,
			BidID:     run.BidID,
			UserID:    run.UserID,
			ItemNoun:  prof.ItemNoun,
			Catalog:   catalog,
			Documents: docs,
		})
		stats.ScannedPages = mr.ScannedPages
		stats.Candidates = mr.Candidates
		stats.InstancesInserted = mr.Inserted
		addUsage(&stats, mr.Usage.PromptTokens, mr.Usage.CompletionTokens, mr.CostUSD)
		if err != nil {
			return fail("mining", err)
		}
	}

	if err := p.Runs.Finish(context.WithoutCancel(ctx), runID, ext.strategy, stats); err != nil {
		return err
	}
	log.Info("processor.done",
		"strategy", string(ext.strategy),
		"line_items", stats.LineItems,
		"catalog_codes", stats.CatalogCodes,
		"instances", stats.InstancesInserted,
		"cost_usd", stats.CostUSD,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (p *Processor) stage(ctx context.Context, runID uuid.UUID, stage constants.RunStage, stats entity.RunStats) {
	if err := p.Runs.SetStage(ctx, runID, stage, stats); err != nil {
		p.logger.Warn("processor.stage.record_failed", "run_id", runID, "stage", string(stage), "err", err)
	}
}

// fastPath tries the structural parse. Any failure falls through to the agent.
func (p *Processor) fastPath(ctx context.Context, runID uuid.UUID, prof scoring.TradeProfile, top entity.DocumentScore, stats *entity.RunStats, log *slog.Logger) (extraction, bool) {
	if p.FastPath == nil || top.Score < constants.HighPriorityScore {
		log.Info("processor.fastpath.skip", "top_score", top.Score)
		return extraction{}, false
	}
	p.stage(ctx, runID, constants.StageFastPath, *stats)
	parse, err := p.FastPath.Extract(ctx, top.Document, prof)
	if err != nil {
		log.Warn("processor.fastpath.failed", "document", top.Document.RelPath, "err", err)
		return extraction{}, false
	}
	stats.FastPathShape = string(parse.Shape)
	stats.FastPathConfidence = parse.Confidence
	accepted := p.FastPath.Accept(parse)
	if len(accepted) == 0 {
		log.Info("processor.fastpath.rejected", "confidence", parse.Confidence, "threshold", p.FastPath.Threshold())
		return extraction{}, false
	}
	docID := top.Document.ID
	ext := extraction{strategy: constants.StrategyFastPath, model: "fastpath:" + string(parse.Shape)}
	for _, e := range accepted {
		ext.entries = append(ext.entries, extractedEntry{
			code:        e.Code,
			description: e.Description,
			quantity:    e.Quantity,
			unit:        e.Unit,
			confidence:  e.Confidence,
			documentID:  &docID,
		})
	}
	return ext, true
}

func fromAgent(res agent.Result) extraction {
	ext := extraction{strategy: constants.StrategyAgentic, model: res.Model}
	for _, e := range res.Entries {
		var docID *uuid.UUID
		if id, err := uuid.Parse(e.DocumentID); err == nil {
			docID = &id
		}
		ext.entries = append(ext.entries, extractedEntry{
			code:        e.Code,
			description: e.Description,
			quantity:    e.Quantity,
			unit:        e.Unit,
			confidence:  e.Confidence,
			documentID:  docID,
			needsReview: e.NeedsReview,
		})
	}
	return ext
}

// persistCatalog stores one entry per valid code and returns the run's catalog.
func (p *Processor) persistCatalog(ctx context.Context, run entity.Run, prof scoring.TradeProfile, ext extraction) ([]entity.TypeCatalogEntry, error) {
	seen := map[string]bool{}
	var entries []entity.TypeCatalogEntry
	for _, e := range ext.entries {
		code := entity.NormalizeCode(e.code)
		if !entity.ValidCode(code) || seen[code] {
			continue
		}
		seen[code] = true
		entries = append(entries, entity.TypeCatalogEntry{
			ID:          entity.CatalogEntryID(run.ID, code),
			RunID:       run.ID,
			BidID:       run.BidID,
			Code:        code,
			Description: strings.TrimSpace(e.description),
			Category:    prof.Category,
			Source:      string(ext.strategy),
		})
	}
	if len(entries) > 0 {
		if _, err := p.Catalog.UpsertEntries(ctx, entries); err != nil {
			return nil, err
		}
	}
	return p.Catalog.ListByRun(ctx, run.ID, run.BidID)
}

func buildLineItems(run entity.Run, prof scoring.TradeProfile, ext extraction) []entity.LineItem {
	items := make([]entity.LineItem, 0, len(ext.entries))
	for _, e := range ext.entries {
		desc := strings.TrimSpace(e.description)
		if desc == "" {
			continue
		}
		status := constants.ReviewPending
		if e.needsReview {
			status = constants.ReviewNeedsReview
		}
		var qty float64
		if e.quantity != nil {
			qty = *e.quantity
		}
		unit := e.unit
		if unit == "" {
			unit = "EA"
		}
		conf := e.confidence
		items = append(items, entity.LineItem{
			RunID:           run.ID,
			BidID:           run.BidID,
			UserID:          run.UserID,
			DocumentID:      e.documentID,
			Category:        prof.Category,
			Code:            entity.NormalizeCode(e.code),
			Description:     desc,
			Quantity:        qty,
			Unit:            unit,
			Confidence:      &conf,
			ExtractionModel: ext.model,
			ReviewStatus:    status,
		})
	}
	return items
}

func addUsage(stats *entity.RunStats, prompt, completion int, cost float64) {
	stats.PromptTokens += prompt
	stats.CompletionTokens += completion
	stats.CostUSD += cost
}

// IsRunConflict reports whether Process refused because the run was already running.
func IsRunConflict(err error) bool {
	return errors.Is(err, common.ErrConflict)
}
