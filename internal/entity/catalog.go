package entity

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/width"
)

// TypeCatalogEntry is a product type code extracted from a legend or schedule.
type TypeCatalogEntry struct {
	ID          uuid.UUID `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	BidID       string    `json:"bid_id"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

var catalogNamespace = uuid.MustParse("a1d6f3c2-7e4b-5d8a-b9c0-2e3f4a5b6c7d")

// CatalogEntryID is stable per run and normalized code.
func CatalogEntryID(runID uuid.UUID, code string) uuid.UUID {
	return uuid.NewSHA1(catalogNamespace, []byte(runID.String()+"|"+code))
}

// Catalog codes are short tags such as "A1", "D7" or "RR-2".
const (
	MinCodeLen = 2
	MaxCodeLen = 12
)

// NormalizeCode folds full-width glyphs OCR sometimes produces, strips
// whitespace and upper-cases the result.
func NormalizeCode(raw string) string {
	folded := width.Fold.String(raw)
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// ValidCode reports whether a normalized code is usable as a catalog key:
// 2 to 12 characters, starting and ending with a letter or digit.
func ValidCode(code string) bool {
	r := []rune(code)
	if len(r) < MinCodeLen || len(r) > MaxCodeLen {
		return false
	}
	isAlnum := func(c rune) bool { return unicode.IsLetter(c) || unicode.IsDigit(c) }
	if !isAlnum(r[0]) || !isAlnum(r[len(r)-1]) {
		return false
	}
	for _, c := range r {
		if !isAlnum(c) && c != '-' && c != '.' && c != '/' && c != '_' {
			return false
		}
	}
	return true
}
