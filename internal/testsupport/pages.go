package testsupport

import (
	"context"
	"fmt"
	"sync"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/extract"
)

// FakePages serves page text from memory keyed by document path.
// Pages listed in Fail return common.ErrInput.
type FakePages struct {
	mu    sync.Mutex
	Docs  map[string][]string
	OCR   map[string]bool // path -> every page reported as OCR'd
	Fail  map[string]map[int]bool
	reads int
}

func NewFakePages() *FakePages {
	return &FakePages{Docs: map[string][]string{}, OCR: map[string]bool{}, Fail: map[string]map[int]bool{}}
}

// Add registers a document's pages.
func (f *FakePages) Add(path string, pages ...string) *FakePages {
	f.Docs[path] = pages
	return f
}

// FailPage makes one page unreadable.
func (f *FakePages) FailPage(path string, page int) *FakePages {
	if f.Fail[path] == nil {
		f.Fail[path] = map[int]bool{}
	}
	f.Fail[path][page] = true
	return f
}

func (f *FakePages) PageCount(_ context.Context, path string) (int, error) {
	pages, ok := f.Docs[path]
	if !ok {
		return 0, fmt.Errorf("%w: unknown document %s", common.ErrInput, path)
	}
	return len(pages), nil
}

func (f *FakePages) PageText(_ context.Context, path string, page int) (extract.PageText, error) {
	f.mu.Lock()
	f.reads++
	f.mu.Unlock()
	pages, ok := f.Docs[path]
	if !ok || page < 1 || page > len(pages) {
		return extract.PageText{}, fmt.Errorf("%w: %s page %d", common.ErrInput, path, page)
	}
	if f.Fail[path][page] {
		return extract.PageText{}, fmt.Errorf("%w: %s page %d unreadable", common.ErrInput, path, page)
	}
	method := "pdf-text"
	if f.OCR[path] {
		method = "pdf-ocr"
	}
	return extract.PageText{Text: pages[page-1], UsedOCR: f.OCR[path], Method: method}, nil
}

// Reads returns how many PageText calls were served.
func (f *FakePages) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
