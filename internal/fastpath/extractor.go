package fastpath

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

const (
	DefaultThreshold = 0.85
	DefaultMaxPages  = 60
)

// Extractor parses the top-ranked document with pattern rules only.
type Extractor struct {
	pages     extract.PageTextProvider
	threshold float64
	maxPages  int
	logger    *slog.Logger
}

type Option func(*Extractor)

func WithThreshold(t float64) Option {
	return func(e *Extractor) {
		if t > 0 && t <= 1 {
			e.threshold = t
		}
	}
}

func WithMaxPages(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxPages = n
		}
	}
}

func NewExtractor(pages extract.PageTextProvider, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Extractor{pages: pages, threshold: DefaultThreshold, maxPages: DefaultMaxPages, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Threshold is the aggregate confidence a parse needs to be accepted.
func (e *Extractor) Threshold() float64 { return e.threshold }

// Extract reads the document page by page and returns its best parse. A
// legend whose header repeats on consecutive pages is parsed as one table.
// Unreadable pages are skipped and end any such run. A zero-confidence parse
// means nothing usable was found.
func (e *Extractor) Extract(ctx context.Context, doc entity.DocumentInfo, prof scoring.TradeProfile) (Parse, error) {
	start := time.Now()
	n, err := e.pages.PageCount(ctx, doc.Path)
	if err != nil {
		return Parse{}, fmt.Errorf("fast path page count %s: %w", doc.RelPath, err)
	}
	if n > e.maxPages {
		e.logger.Info("fastpath.pages.truncated", "document", doc.RelPath, "pages", n, "max_pages", e.maxPages)
		n = e.maxPages
	}

	best := Parse{}
	consider := func(p Parse) {
		if better(p, best) {
			best = p
		}
	}
	// chain collects a legend that carries its header over consecutive pages.
	var chain *Parse
	flush := func() {
		if chain != nil {
			consider(*chain)
			chain = nil
		}
	}

	read := 0
	for page := 1; page <= n; page++ {
		if err := ctx.Err(); err != nil {
			return Parse{}, err
		}
		pt, err := e.pages.PageText(ctx, doc.Path, page)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return Parse{}, err
			}
			e.logger.Warn("fastpath.page.skip", "document", doc.RelPath, "page", page, "error", err, "input_error", errors.Is(err, common.ErrInput))
			flush()
			continue
		}
		read++

		legend := ParseLegend(pt.Text, page, prof)
		switch {
		case !legend.HeaderFound || len(legend.Entries) == 0:
			flush()
			consider(legend)
		case chain != nil && chain.LastPage == page-1:
			merged := mergeLegend(*chain, legend)
			chain = &merged
		default:
			flush()
			chain = &legend
		}
		consider(ParseRoomSchedule(pt.Text, page, prof))
	}
	flush()
	best.PagesRead = read

	e.logger.Info("fastpath.done",
		"document", doc.RelPath,
		"shape", string(best.Shape),
		"page", best.Page,
		"last_page", best.LastPage,
		"entries", len(best.Entries),
		"confidence", best.Confidence,
		"header_found", best.HeaderFound,
		"pages_read", read,
		"accepted", best.Confidence >= e.threshold,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return best, nil
}

// Accept returns every entry of p when its aggregate confidence reaches the
// extractor's threshold, and nothing otherwise.
func (e *Extractor) Accept(p Parse) []Entry {
	return AcceptAt(p, e.threshold)
}

// Accept applies the default 0.85 threshold.
func Accept(p Parse) []Entry {
	return AcceptAt(p, DefaultThreshold)
}

// AcceptAt is all-or-nothing: a partial structural parse is never trusted.
func AcceptAt(p Parse, threshold float64) []Entry {
	if p.Confidence < threshold || len(p.Entries) == 0 {
		return nil
	}
	out := make([]Entry, len(p.Entries))
	copy(out, p.Entries)
	return out
}
