package fastpath

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
)

// Shape is the kind of table a parse recognised.
type Shape string

const (
	ShapeNone         Shape = ""
	ShapeLegend       Shape = "legend"
	ShapeRoomSchedule Shape = "room_schedule"
)

// Entry is one parsed row. Code is empty for aggregated room schedule entries.
type Entry struct {
	Code        string   `json:"code,omitempty"`
	Description string   `json:"description"`
	Quantity    *float64 `json:"quantity,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	Confidence  float64  `json:"confidence"`
	Page        int      `json:"page"`
}

// Parse is the result of one structural parse attempt.
type Parse struct {
	Shape       Shape   `json:"shape"`
	Page        int     `json:"page"`
	LastPage    int     `json:"last_page"`
	Entries     []Entry `json:"entries"`
	Confidence  float64 `json:"confidence"`
	HeaderFound bool    `json:"header_found"`
	Candidates  int     `json:"candidates"`
	PagesRead   int     `json:"pages_read"`
}

const (
	baseRowConfidence = 0.7
	descriptionBonus  = 0.2
	quantityBonus     = 0.1
	noHeaderPenalty   = 0.85
	minRows           = 3
)

var (
	columnSep      = regexp.MustCompile(`\s{2,}|\t`)
	quantityRe     = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*([A-Za-z]{1,4})?$`)
	roomNumberRe   = regexp.MustCompile(`^[A-Z]?\d{2,4}[A-Z]?(-\d{1,2})?$`)
	roomScheduleRe = regexp.MustCompile(`(?i)\b(door|room|finish)\s+schedule\b`)

	codeHeaderWords = map[string]bool{
		"type": true, "sign type": true, "code": true, "mark": true, "tag": true,
		"symbol": true, "no.": true, "no": true, "item": true, "key": true, "id": true,
	}
	descHeaderWords = []string{"description", "desc", "message", "sign text", "name", "room", "item"}
)

func splitColumns(line string) []string {
	raw := columnSep.Split(strings.TrimSpace(line), -1)
	cols := raw[:0]
	for _, c := range raw {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}

func isColumnHeader(cols []string) bool {
	if len(cols) < 2 || !codeHeaderWords[strings.ToLower(cols[0])] {
		return false
	}
	for _, c := range cols[1:] {
		lc := strings.ToLower(c)
		for _, w := range descHeaderWords {
			if strings.Contains(lc, w) {
				return true
			}
		}
	}
	return false
}

func letterCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

// legendCode accepts tags like "A1", "RR-2" or "EX". Purely alphabetic tags
// longer than three letters are almost always words, not codes.
func legendCode(col string) (string, bool) {
	if len([]rune(col)) > entity.MaxCodeLen {
		return "", false
	}
	code := entity.NormalizeCode(col)
	if !entity.ValidCode(code) {
		return "", false
	}
	if !hasDigit(code) && len(code) > 3 {
		return "", false
	}
	return code, true
}

func goodDescription(s string) bool {
	return letterCount(s) >= 6 || len(strings.Fields(s)) >= 2
}

func parseQuantity(cols []string) (*float64, string) {
	for i, c := range cols {
		m := quantityRe.FindStringSubmatch(c)
		if m == nil {
			continue
		}
		q, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		unit := strings.ToUpper(m[2])
		if unit == "" && i+1 < len(cols) {
			if next := cols[i+1]; len(next) <= 4 && letterCount(next) == len(next) {
				unit = strings.ToUpper(next)
			}
		}
		return &q, unit
	}
	return nil, ""
}

func roundConf(v float64) float64 {
	return math.Round(v*100) / 100
}

// aggregate is the mean row confidence scaled by how many candidate rows
// actually parsed. Fewer than three rows is not a table.
func aggregate(entries []float64, candidates int, header bool) float64 {
	if len(entries) < minRows || candidates == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range entries {
		sum += c
	}
	mean := sum / float64(len(entries))
	coverage := float64(len(entries)) / float64(candidates)
	if coverage > 1 {
		coverage = 1
	}
	conf := mean * coverage
	if !header {
		conf *= noHeaderPenalty
	}
	return roundConf(conf)
}

// tableRegion returns the lines following the table title or column header,
// or every line when neither is present.
func tableRegion(lines []string, titles []*regexp.Regexp) ([]string, bool) {
	start := -1
	for i, line := range lines {
		for _, re := range titles {
			if re.MatchString(line) {
				start = i + 1
				break
			}
		}
		if start >= 0 {
			break
		}
	}
	from := 0
	if start >= 0 {
		from = start
	}
	for i := from; i < len(lines); i++ {
		if isColumnHeader(splitColumns(lines[i])) {
			return lines[i+1:], true
		}
		if start >= 0 && i-from > 3 {
			break
		}
	}
	if start >= 0 {
		return lines[start:], true
	}
	return lines, false
}

// rows yields the multi-column lines of a region, stopping at the first
// run of two blank lines once rows have been seen.
func rows(region []string) [][]string {
	var out [][]string
	blanks := 0
	for _, line := range region {
		if strings.TrimSpace(line) == "" {
			blanks++
			if blanks >= 2 && len(out) > 0 {
				break
			}
			continue
		}
		blanks = 0
		cols := splitColumns(line)
		if len(cols) < 2 || isColumnHeader(cols) {
			continue
		}
		out = append(out, cols)
	}
	return out
}

// ParseLegend parses a code/description legend out of one page of text.
func ParseLegend(text string, page int, prof scoring.TradeProfile) Parse {
	region, header := tableRegion(strings.Split(text, "\n"), prof.LegendHeaders)
	candidates := rows(region)

	seen := make(map[string]bool)
	var entries []Entry
	var confs []float64
	for _, cols := range candidates {
		code, ok := legendCode(cols[0])
		if !ok || letterCount(cols[1]) < 3 {
			continue
		}
		if seen[code] {
			continue
		}
		seen[code] = true

		qty, unit := parseQuantity(cols[2:])
		conf := baseRowConfidence
		if goodDescription(cols[1]) {
			conf += descriptionBonus
		}
		if qty != nil {
			conf += quantityBonus
			if unit == "" {
				unit = "EA"
			}
		}
		conf = roundConf(math.Min(conf, 1))
		entries = append(entries, Entry{
			Code:        code,
			Description: cols[1],
			Quantity:    qty,
			Unit:        unit,
			Confidence:  conf,
			Page:        page,
		})
		confs = append(confs, conf)
	}
	return Parse{
		Shape:       ShapeLegend,
		Page:        page,
		LastPage:    page,
		Entries:     entries,
		Confidence:  aggregate(confs, len(candidates), header),
		HeaderFound: header,
		Candidates:  len(candidates),
	}
}

// ParseRoomSchedule counts the rooms of a door or room schedule and returns
// them as a single aggregated entry. It requires a schedule title.
func ParseRoomSchedule(text string, page int, prof scoring.TradeProfile) Parse {
	out := Parse{Shape: ShapeRoomSchedule, Page: page, LastPage: page}
	if prof.RoomScheduleItem == "" || !roomScheduleRe.MatchString(text) {
		return out
	}
	region, header := tableRegion(strings.Split(text, "\n"), []*regexp.Regexp{roomScheduleRe})
	candidates := rows(region)
	out.HeaderFound = header
	out.Candidates = len(candidates)

	rooms := make(map[string]bool)
	var confs []float64
	for _, cols := range candidates {
		num := entity.NormalizeCode(cols[0])
		if !roomNumberRe.MatchString(num) || rooms[num] || letterCount(cols[1]) < 2 {
			continue
		}
		rooms[num] = true
		conf := baseRowConfidence
		if goodDescription(cols[1]) || letterCount(cols[1]) >= 4 {
			conf += descriptionBonus
		}
		if len(cols) >= 3 {
			conf += quantityBonus
		}
		confs = append(confs, math.Min(conf, 1))
	}
	out.Confidence = aggregate(confs, len(candidates), header)
	if len(rooms) >= minRows {
		qty := float64(len(rooms))
		out.Entries = []Entry{{
			Description: prof.RoomScheduleItem,
			Quantity:    &qty,
			Unit:        "EA",
			Confidence:  out.Confidence,
			Page:        page,
		}}
	}
	return out
}

// mergeLegend appends the rows of a continuation page to a legend and
// recomputes the aggregate over the combined table. Codes already present are
// not candidates again, so a legend repeated on every sheet merges to itself.
func mergeLegend(head, next Parse) Parse {
	seen := make(map[string]bool, len(head.Entries))
	for _, e := range head.Entries {
		seen[e.Code] = true
	}
	out := head
	out.Entries = append([]Entry(nil), head.Entries...)
	out.LastPage = next.Page
	dups := 0
	for _, e := range next.Entries {
		if seen[e.Code] {
			dups++
			continue
		}
		seen[e.Code] = true
		out.Entries = append(out.Entries, e)
	}
	out.Candidates = head.Candidates + next.Candidates - dups
	confs := make([]float64, len(out.Entries))
	for i, e := range out.Entries {
		confs[i] = e.Confidence
	}
	out.Confidence = aggregate(confs, out.Candidates, true)
	return out
}

// better reports whether a beats b: higher confidence, then more entries.
func better(a, b Parse) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return len(a.Entries) > len(b.Entries)
}
