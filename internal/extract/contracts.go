package extract

import (
	"context"
)

// PageText is the text of one PDF page.
type PageText struct {
	Text    string
	UsedOCR bool   // true when embedded text was too thin and OCR ran
	Method  string // "pdf-text" | "pdf-ocr"
}

// PageTextProvider turns (document, page) into text. Pages are 1-based.
type PageTextProvider interface {
	PageCount(ctx context.Context, path string) (int, error)
	PageText(ctx context.Context, path string, page int) (PageText, error)
}

// PageRenderer rasterizes a page for vision requests. cleanup removes the image.
type PageRenderer interface {
	RenderPage(ctx context.Context, path string, page int) (imagePath string, cleanup func(), err error)
}
