package miner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

const (
	DefaultBudget       = 25 * time.Minute
	DefaultPageMatchCap = 40
	DefaultCandidateCap = 2000
	DefaultClassifyCap  = 1200
	DefaultContextChars = 120
)

// Stop reasons reported in MineResult.StoppedBy.
const (
	StopBudget       = "budget"
	StopCandidateCap = "candidate_cap"
	StopClassifyCap  = "classify_cap"
	StopCanceled     = "canceled"
)

// InstanceStore persists mined instances with insert-or-ignore semantics and
// reports how many rows were new.
type InstanceStore interface {
	InsertInstances(ctx context.Context, instances []entity.Instance, evidence []entity.EvidenceLink) (int, error)
}

// MineRequest is one mining pass over a run's corpus.
type MineRequest struct {
	RunID     uuid.UUID
	BidID     string
	UserID    string
	ItemNoun  string // "sign", "accessory"
	Catalog   []entity.TypeCatalogEntry
	Documents []entity.DocumentInfo
}

// MineResult reports the work done even when classification fails.
type MineResult struct {
	Inserted     int       `json:"inserted"`
	ScannedPages int       `json:"scanned_pages"`
	Codes        int       `json:"codes"`
	SkippedPages int       `json:"skipped_pages"`
	OCRPages     int       `json:"ocr_pages"`
	Candidates   int       `json:"candidates"`
	Classified   int       `json:"classified"`
	Unclassified int       `json:"unclassified,omitempty"`
	Accepted     int       `json:"accepted"`
	StoppedBy    string    `json:"stopped_by,omitempty"`
	Usage        llm.Usage `json:"usage"`
	CostUSD      float64   `json:"cost_usd"`
}

// Miner scans page text for catalog codes and keeps the occurrences the
// model confirms as physical placements.
type Miner struct {
	pages   extract.PageTextProvider
	llm     llm.Completer
	store   InstanceStore
	pricing llm.Pricing
	logger  *slog.Logger
	now     func() time.Time

	budget       time.Duration
	pageMatchCap int
	candidateCap int
	classifyCap  int
	contextChars int
}

type Option func(*Miner)

// WithBudget sets the scan wall-clock budget. Negative means unlimited and
// zero scans nothing.
func WithBudget(d time.Duration) Option { return func(m *Miner) { m.budget = d } }

func WithPageMatchCap(n int) Option { return func(m *Miner) { m.pageMatchCap = n } }

func WithCandidateCap(n int) Option { return func(m *Miner) { m.candidateCap = n } }

func WithClassifyCap(n int) Option { return func(m *Miner) { m.classifyCap = n } }

func WithContextChars(n int) Option { return func(m *Miner) { m.contextChars = n } }

func WithPricing(p llm.Pricing) Option { return func(m *Miner) { m.pricing = p } }

func WithClock(now func() time.Time) Option { return func(m *Miner) { m.now = now } }

func New(pages extract.PageTextProvider, c llm.Completer, store InstanceStore, logger *slog.Logger, opts ...Option) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Miner{
		pages:        pages,
		llm:          c,
		store:        store,
		logger:       logger,
		now:          time.Now,
		budget:       DefaultBudget,
		pageMatchCap: DefaultPageMatchCap,
		candidateCap: DefaultCandidateCap,
		classifyCap:  DefaultClassifyCap,
		contextChars: DefaultContextChars,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Mine scans, classifies and inserts. A failed or malformed classification
// returns the scan counters with zero insertions and the error.
func (m *Miner) Mine(ctx context.Context, req MineRequest) (MineResult, error) {
	start := m.now()
	var res MineResult

	codes := make([]string, 0, len(req.Catalog))
	byCode := make(map[string]entity.TypeCatalogEntry, len(req.Catalog))
	for _, e := range req.Catalog {
		n := entity.NormalizeCode(e.Code)
		codes = append(codes, n)
		if _, ok := byCode[n]; !ok {
			byCode[n] = e
		}
	}
	matcher := BuildMatcher(codes)
	if matcher == nil {
		m.logger.Info("miner.skip", "run_id", req.RunID, "reason", "no_codes")
		return res, nil
	}
	res.Codes = len(matcher.Codes())

	candidates := m.scan(ctx, req, matcher, start, &res)
	res.Candidates = len(candidates)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(candidates) == 0 {
		m.logDone(req, res, start)
		return res, nil
	}

	batch := candidates
	if m.classifyCap > 0 && len(batch) > m.classifyCap {
		batch = batch[:m.classifyCap]
		res.Unclassified = len(candidates) - len(batch)
		// A scan stop reason is kept; the drop is still reported.
		if res.StoppedBy == "" {
			res.StoppedBy = StopClassifyCap
		}
		m.logger.Warn("miner.classify.truncated",
			"run_id", req.RunID,
			"collected", len(candidates),
			"classify_cap", m.classifyCap,
			"dropped", res.Unclassified,
		)
	}
	verdicts, err := m.classify(ctx, req, batch, byCode, &res)
	if err != nil {
		m.logger.Error("miner.classify.failed",
			"run_id", req.RunID,
			"candidates", len(batch),
			"scanned_pages", res.ScannedPages,
			"error", err,
		)
		return res, err
	}
	res.Classified = len(verdicts)

	instances, evidence := m.materialize(req, batch, verdicts, byCode)
	res.Accepted = len(instances)
	if len(instances) > 0 {
		n, err := m.store.InsertInstances(ctx, instances, evidence)
		if err != nil {
			return res, fmt.Errorf("insert instances: %w", err)
		}
		res.Inserted = n
	}
	m.logDone(req, res, start)
	return res, nil
}

func (m *Miner) overBudget(start time.Time) bool {
	return m.budget >= 0 && m.now().Sub(start) >= m.budget
}

// scan walks every page of every document in order. The budget is checked
// before each document and each page.
func (m *Miner) scan(ctx context.Context, req MineRequest, matcher *Matcher, start time.Time, res *MineResult) []entity.Candidate {
	var out []entity.Candidate
docs:
	for _, doc := range req.Documents {
		if m.overBudget(start) {
			res.StoppedBy = StopBudget
			break
		}
		n, err := m.pages.PageCount(ctx, doc.Path)
		if err != nil {
			if ctx.Err() != nil {
				res.StoppedBy = StopCanceled
				break
			}
			m.logger.Warn("miner.scan.document_failed", "document", doc.RelPath, "error", err)
			continue
		}
		for page := 1; page <= n; page++ {
			if ctx.Err() != nil {
				res.StoppedBy = StopCanceled
				break docs
			}
			if m.overBudget(start) {
				res.StoppedBy = StopBudget
				break docs
			}
			pt, err := m.pages.PageText(ctx, doc.Path, page)
			if err != nil {
				if ctx.Err() != nil {
					res.StoppedBy = StopCanceled
					break docs
				}
				res.SkippedPages++
				m.logger.Warn("miner.scan.page_failed",
					"document", doc.RelPath,
					"page", page,
					"input_error", errors.Is(err, common.ErrInput),
					"error", err,
				)
				continue
			}
			res.ScannedPages++
			if pt.UsedOCR {
				res.OCRPages++
			}

			for _, hit := range matcher.FindAll(pt.Text, m.pageMatchCap) {
				if m.candidateCap > 0 && len(out) >= m.candidateCap {
					res.StoppedBy = StopCandidateCap
					break docs
				}
				out = append(out, entity.Candidate{
					Index:       len(out),
					DocumentID:  doc.ID,
					Filename:    doc.Filename,
					PageNumber:  page,
					Code:        hit.Code,
					MatchedText: hit.Text,
					Context:     contextWindow(pt.Text, hit.Start, hit.End, m.contextChars),
					Offset:      hit.Start,
					UsedOCR:     pt.UsedOCR,
				})
			}
			if m.candidateCap > 0 && len(out) >= m.candidateCap {
				res.StoppedBy = StopCandidateCap
				break docs
			}
		}
	}
	if res.StoppedBy != "" {
		m.logger.Info("miner.scan.stopped",
			"run_id", req.RunID,
			"reason", res.StoppedBy,
			"scanned_pages", res.ScannedPages,
			"candidates", len(out),
		)
	}
	return out
}

// materialize turns accepted verdicts into instances with deterministic ids.
func (m *Miner) materialize(req MineRequest, batch []entity.Candidate, verdicts map[int]entity.ClassifiedCandidate, byCode map[string]entity.TypeCatalogEntry) ([]entity.Instance, []entity.EvidenceLink) {
	now := m.now().UTC()
	seen := make(map[uuid.UUID]bool)
	merged := 0
	var instances []entity.Instance
	var evidence []entity.EvidenceLink
	for _, c := range batch {
		v := verdicts[c.Index]
		if !v.IsInstance {
			continue
		}
		code := c.Code
		if n := entity.NormalizeCode(v.NormalizedCode); n != "" {
			if _, ok := byCode[n]; ok {
				code = n
			}
		}
		id := entity.InstanceID(req.RunID, c.DocumentID, c.PageNumber, code, c.Context)
		if seen[id] {
			merged++
			continue
		}
		seen[id] = true

		var typeID *uuid.UUID
		if entry, ok := byCode[code]; ok {
			tid := entry.ID
			typeID = &tid
		}
		conf := entity.ClampConfidence(v.Confidence)
		weight := 1.0
		if conf != nil {
			weight = *conf
		}
		instances = append(instances, entity.Instance{
			ID:         id,
			RunID:      req.RunID,
			BidID:      req.BidID,
			UserID:     req.UserID,
			TypeItemID: typeID,
			SourceKind: constants.SourceEvidence,
			Status:     constants.InstanceNeedsReview,
			Confidence: conf,
			Meta: entity.InstanceMeta{
				NormalizedCode: code,
				MatchedText:    c.MatchedText,
				Filename:       c.Filename,
				PageNumber:     c.PageNumber,
				Note:           v.Note,
				UsedOCR:        c.UsedOCR,
			},
			CreatedAt: now,
			UpdatedAt: now,
		})
		evidence = append(evidence, entity.EvidenceLink{
			InstanceID:   id,
			DocumentID:   c.DocumentID,
			PageNumber:   c.PageNumber,
			EvidenceText: c.Context,
			Weight:       weight,
			CreatedAt:    now,
		})
	}
	if merged > 0 {
		m.logger.Debug("miner.instance.merged", "run_id", req.RunID, "hits", merged)
	}
	return instances, evidence
}

func (m *Miner) logDone(req MineRequest, res MineResult, start time.Time) {
	m.logger.Info("miner.done",
		"run_id", req.RunID,
		"codes", res.Codes,
		"scanned_pages", res.ScannedPages,
		"skipped_pages", res.SkippedPages,
		"ocr_pages", res.OCRPages,
		"candidates", res.Candidates,
		"unclassified", res.Unclassified,
		"accepted", res.Accepted,
		"inserted", res.Inserted,
		"stopped_by", res.StoppedBy,
		"elapsed_ms", m.now().Sub(start).Milliseconds(),
	)
}
