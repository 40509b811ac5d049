package ocr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Pdfinfo   string // binary name or absolute path; if empty -> "pdfinfo"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	TessdataDir   string
	DPI           int // rasterization DPI for OCR and page images, default 300
	PSM           int // e.g., 11 for sparse text on drawings

	// MinChars is the embedded-text length below which a page is OCR'd.
	MinChars int
}

// Extractor implements extract.PageTextProvider and extract.PageRenderer with poppler and tesseract.
type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// Option customizes the Extractor.
type Option func(*Extractor)

// WithRunner replaces the command runner (tests stub poppler/tesseract this way).
func WithRunner(r Runner) Option {
	return func(e *Extractor) {
		if r != nil {
			e.runner = r
		}
	}
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Pdfinfo == "" {
		cfg.Pdfinfo = "pdfinfo"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinChars <= 0 {
		cfg.MinChars = 40
	}
	e := &Extractor{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

var (
	_ extract.PageTextProvider = (*Extractor)(nil)
	_ extract.PageRenderer     = (*Extractor)(nil)
)

// PageCount reads the "Pages:" line of pdfinfo.
func (e *Extractor) PageCount(ctx context.Context, path string) (int, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdfinfo, path)
	if err != nil {
		return 0, fmt.Errorf("%w: pdfinfo %s: %v: %s", common.ErrInput, path, err, clip(string(errb), 512))
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Pages:") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Pages:")))
		if err != nil {
			return 0, fmt.Errorf("%w: pdfinfo pages %q: %v", common.ErrInput, line, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: pdfinfo output for %s has no page count", common.ErrInput, path)
}

// PageText returns the embedded text of one page, falling back to OCR when
// the embedded text is shorter than MinChars.
func (e *Extractor) PageText(ctx context.Context, path string, page int) (extract.PageText, error) {
	if page < 1 {
		return extract.PageText{}, fmt.Errorf("%w: page %d out of range", common.ErrInput, page)
	}
	start := time.Now()

	txt, err := e.pdfPageText(ctx, path, page)
	if err != nil {
		e.logger.Warn("ocr.page.pdftotext_failed", "path", path, "page", page, "error", err)
	}
	if err == nil && len(strings.TrimSpace(txt)) >= e.cfg.MinChars {
		return extract.PageText{Text: Normalize(txt), Method: "pdf-text"}, nil
	}

	ocrTxt, ocrErr := e.ocrPage(ctx, path, page)
	if ocrErr != nil {
		if err == nil {
			// thin embedded text is still better than nothing
			e.logger.Warn("ocr.page.ocr_failed_using_embedded", "path", path, "page", page, "error", ocrErr)
			return extract.PageText{Text: Normalize(txt), Method: "pdf-text"}, nil
		}
		return extract.PageText{}, fmt.Errorf("%w: page %d of %s: %v", common.ErrInput, page, path, ocrErr)
	}
	e.logger.Debug("ocr.page.ok",
		"path", path,
		"page", page,
		"embedded_chars", len(strings.TrimSpace(txt)),
		"ocr_chars", len(ocrTxt),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.PageText{Text: Normalize(ocrTxt), UsedOCR: true, Method: "pdf-ocr"}, nil
}
