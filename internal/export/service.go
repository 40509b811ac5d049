package export

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/repository"
)

const (
	lineItemsSheet = "Line Items"
	instancesSheet = "Instances"
)

// Service is a tiny façade over repositories that produces XLSX bytes for exports.
type Service struct {
	runs      repository.RunRepository
	items     repository.LineItemRepository
	instances repository.InstanceRepository
	catalog   repository.CatalogRepository
	logger    *slog.Logger
}

func NewService(runs repository.RunRepository, items repository.LineItemRepository, instances repository.InstanceRepository, catalog repository.CatalogRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{runs: runs, items: items, instances: instances, catalog: catalog, logger: logger}
}

// CodeCount is the per-code instance tally on the Instances sheet.
type CodeCount struct {
	Code        string
	Description string
	Counted     int
	NeedsReview int
	Excluded    int
}

// ExportRunXLSX returns the quantity workbook for a run's bid. Rejected line
// items are left out; the Instances sheet tallies the run's mined instances per code.
func (s *Service) ExportRunXLSX(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	start := time.Now()

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	items, err := s.items.List(ctx, repository.LineItemFilter{BidID: run.BidID})
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	instances, err := s.instances.List(ctx, repository.InstanceFilter{RunID: run.ID})
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	catalog, err := s.catalog.ListByRun(ctx, run.ID, run.BidID)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", lineItemsSheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(instancesSheet); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	rows := writeLineItems(f, items)
	counts := Tally(instances, catalog)
	writeCounts(f, counts)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"run_id", run.ID.String(),
		"bid_id", run.BidID,
		"line_items", rows,
		"codes", len(counts),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func writeLineItems(f *excelize.File, items []entity.LineItem) int {
	headers := []string{"Code", "Category", "Description", "Quantity", "Unit", "Status", "Confidence", "Notes", "Source"}
	writeRow(f, lineItemsSheet, 1, headers)

	row := 2
	for _, li := range items {
		if li.ReviewStatus == constants.ReviewRejected {
			continue
		}
		var confidence any = ""
		if li.Confidence != nil {
			confidence = *li.Confidence
		}
		writeRow(f, lineItemsSheet, row, []any{
			li.Code,
			li.Category,
			li.Description,
			li.Quantity,
			li.Unit,
			string(li.ReviewStatus),
			confidence,
			truncate(li.Notes, 240),
			li.ExtractionModel,
		})
		row++
	}

	_ = f.SetColWidth(lineItemsSheet, "A", "A", 10)
	_ = f.SetColWidth(lineItemsSheet, "B", "B", 18)
	_ = f.SetColWidth(lineItemsSheet, "C", "C", 48)
	_ = f.SetColWidth(lineItemsSheet, "D", "G", 12)
	_ = f.SetColWidth(lineItemsSheet, "H", "H", 48)
	_ = f.SetColWidth(lineItemsSheet, "I", "I", 22)
	return row - 2
}

func writeCounts(f *excelize.File, counts []CodeCount) {
	writeRow(f, instancesSheet, 1, []string{"Code", "Description", "Counted", "Needs Review", "Excluded"})
	for i, c := range counts {
		writeRow(f, instancesSheet, i+2, []any{c.Code, c.Description, c.Counted, c.NeedsReview, c.Excluded})
	}
	_ = f.SetColWidth(instancesSheet, "A", "A", 10)
	_ = f.SetColWidth(instancesSheet, "B", "B", 48)
	_ = f.SetColWidth(instancesSheet, "C", "E", 14)
}

func writeRow[T any](f *excelize.File, sheet string, row int, values []T) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

// Tally groups instances by normalized code. Catalog codes with no instances
// still get a zero row so missing types stand out.
func Tally(instances []entity.Instance, catalog []entity.TypeCatalogEntry) []CodeCount {
	byCode := make(map[string]*CodeCount, len(catalog))
	for _, e := range catalog {
		byCode[e.Code] = &CodeCount{Code: e.Code, Description: e.Description}
	}
	for _, in := range instances {
		code := in.Meta.NormalizedCode
		c, ok := byCode[code]
		if !ok {
			c = &CodeCount{Code: code}
			byCode[code] = c
		}
		switch in.Status {
		case constants.InstanceCounted:
			c.Counted++
		case constants.InstanceExcluded:
			c.Excluded++
		default:
			c.NeedsReview++
		}
	}

	out := make([]CodeCount, 0, len(byCode))
	for _, c := range byCode {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
