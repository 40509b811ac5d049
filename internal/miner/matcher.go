package miner

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
)

// Matcher finds literal occurrences of catalog codes in page text.
type Matcher struct {
	re    *regexp.Regexp
	codes []string
}

// BuildMatcher compiles one alternation over every usable code. Codes are
// normalized first and anything outside 2 to 12 characters is dropped.
// Longer codes come first so "A10" wins over "A1". Returns nil when no
// code survives.
func BuildMatcher(codes []string) *Matcher {
	seen := make(map[string]bool)
	var kept []string
	for _, c := range codes {
		n := entity.NormalizeCode(c)
		if !entity.ValidCode(n) || seen[n] {
			continue
		}
		seen[n] = true
		kept = append(kept, n)
	}
	if len(kept) == 0 {
		return nil
	}
	sort.Slice(kept, func(i, j int) bool {
		if len(kept[i]) != len(kept[j]) {
			return len(kept[i]) > len(kept[j])
		}
		return kept[i] < kept[j]
	})
	quoted := make([]string, len(kept))
	for i, c := range kept {
		quoted[i] = regexp.QuoteMeta(c)
	}
	return &Matcher{
		re:    regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`),
		codes: kept,
	}
}

// Codes returns the normalized codes the matcher searches for.
func (m *Matcher) Codes() []string { return m.codes }

// Match is one occurrence with byte offsets into the page text.
type Match struct {
	Code  string
	Text  string
	Start int
	End   int
}

// FindAll returns up to limit matches in text order. limit <= 0 means no limit.
func (m *Matcher) FindAll(text string, limit int) []Match {
	if limit <= 0 {
		limit = -1
	}
	locs := m.re.FindAllStringIndex(text, limit)
	out := make([]Match, 0, len(locs))
	for _, loc := range locs {
		raw := text[loc[0]:loc[1]]
		out = append(out, Match{Code: entity.NormalizeCode(raw), Text: raw, Start: loc[0], End: loc[1]})
	}
	return out
}

// contextWindow returns up to n runes either side of [start,end) with
// whitespace runs collapsed to single spaces. Windows clipped at the start of
// a page share their opening text, so two hits of one code within the first
// n runes can yield the same instance id and are kept as one instance.
func contextWindow(text string, start, end, n int) string {
	lo := start
	for i := 0; i < n && lo > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:lo])
		lo -= size
	}
	hi := end
	for i := 0; i < n && hi < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[hi:])
		hi += size
	}
	return strings.Join(strings.Fields(text[lo:hi]), " ")
}
