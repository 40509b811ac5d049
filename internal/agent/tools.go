package agent

import (
	"context"
	"fmt"

	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
)

// toolbox answers the model's document requests. Tool failures are reported
// back to the model rather than ending the loop.
type toolbox struct {
	pages    extract.PageTextProvider
	renderer extract.PageRenderer
	docs     []entity.DocumentScore
	byID     map[string]entity.DocumentInfo
}

func newToolbox(pages extract.PageTextProvider, renderer extract.PageRenderer, docs []entity.DocumentScore) *toolbox {
	byID := make(map[string]entity.DocumentInfo, len(docs))
	for _, d := range docs {
		byID[d.Document.ID.String()] = d.Document
	}
	return &toolbox{pages: pages, renderer: renderer, docs: docs, byID: byID}
}

type listedDocument struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Score    int    `json:"score"`
	Priority string `json:"priority"`
}

func (tb *toolbox) listing() []listedDocument {
	n := len(tb.docs)
	if n > maxListedDocuments {
		n = maxListedDocuments
	}
	out := make([]listedDocument, 0, n)
	for _, d := range tb.docs[:n] {
		out = append(out, listedDocument{
			ID:       d.Document.ID.String(),
			Path:     d.Document.RelPath,
			Score:    d.Score,
			Priority: string(d.Priority),
		})
	}
	return out
}

// run executes one non-final action. The second return is an image data URL
// for get_page_image.
func (tb *toolbox) run(ctx context.Context, t turn) (map[string]any, string) {
	out := map[string]any{"tool": t.Action}
	switch t.Action {
	case ActionListDocuments:
		out["documents"] = tb.listing()
		return out, ""
	case ActionGetPageText, ActionGetPageImage:
	default:
		out["error"] = fmt.Sprintf("unknown action %q", t.Action)
		return out, ""
	}

	doc, ok := tb.byID[t.DocumentID]
	if !ok {
		out["error"] = fmt.Sprintf("unknown document_id %q", t.DocumentID)
		return out, ""
	}
	out["document_id"] = t.DocumentID
	out["page"] = t.Page
	if t.Page < 1 {
		out["error"] = "page must be >= 1"
		return out, ""
	}
	n, err := tb.pages.PageCount(ctx, doc.Path)
	if err != nil {
		out["error"] = err.Error()
		return out, ""
	}
	out["page_count"] = n
	if t.Page > n {
		out["error"] = fmt.Sprintf("document has %d pages", n)
		return out, ""
	}

	if t.Action == ActionGetPageImage {
		if tb.renderer == nil {
			out["error"] = "page images are not available; use get_page_text"
			return out, ""
		}
		img, cleanup, err := tb.renderer.RenderPage(ctx, doc.Path, t.Page)
		if err != nil {
			out["error"] = err.Error()
			return out, ""
		}
		defer cleanup()
		url, err := llm.ImageDataURL(img)
		if err != nil {
			out["error"] = err.Error()
			return out, ""
		}
		out["status"] = "image attached"
		return out, url
	}

	pt, err := tb.pages.PageText(ctx, doc.Path, t.Page)
	if err != nil {
		out["error"] = err.Error()
		return out, ""
	}
	text := pt.Text
	if r := []rune(text); len(r) > maxPageChars {
		text = string(r[:maxPageChars])
		out["truncated"] = true
	}
	out["text"] = text
	out["used_ocr"] = pt.UsedOCR
	return out, ""
}
