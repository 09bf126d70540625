// Package export writes sync backlog reports as Excel workbooks.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"realtysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	SheetFailedChanges = "Failed changes"
	SheetConflicts     = "Conflicts"

	timeLayout = "2006-01-02 15:04:05"
	reportRows = 10000
)

// Source supplies the records to report.
type Source interface {
	ListFailedChanges(ctx context.Context, t models.EntityType, entityKey string, limit int) ([]*models.FailedChangeRecord, error)
	ListConflicts(ctx context.Context, open bool, limit int) ([]*models.ConflictRecord, error)
}

type Exporter struct {
	source Source
	dir    string
	logger *zerolog.Logger
	now    func() time.Time
}

func NewExporter(source Source, dir string, logger *zerolog.Logger) *Exporter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{source: source, dir: dir, logger: logger, now: time.Now}
}

// Export writes one workbook with a sheet of failed changes and a sheet of
// conflicts and returns its path. openOnly limits conflicts to unresolved ones.
func (e *Exporter) Export(ctx context.Context, openOnly bool) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	failed, err := e.source.ListFailedChanges(ctx, "", "", reportRows)
	if err != nil {
		return "", fmt.Errorf("error getting failed changes: %w", err)
	}
	conflicts, err := e.source.ListConflicts(ctx, openOnly, reportRows)
	if err != nil {
		return "", fmt.Errorf("error getting conflicts: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return "", fmt.Errorf("error creating style: %w", err)
	}

	if err := writeFailedChanges(f, headerStyle, failed); err != nil {
		return "", err
	}
	if err := writeConflicts(f, headerStyle, conflicts); err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")

	name := fmt.Sprintf("sync_report_%s.xlsx", e.now().UTC().Format("20060102_150405"))
	path := filepath.Join(e.dir, name)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().
		Str("file_path", path).
		Int("failed_changes", len(failed)).
		Int("conflicts", len(conflicts)).
		Msg("sync report exported")
	return path, nil
}

func writeFailedChanges(f *excelize.File, headerStyle int, records []*models.FailedChangeRecord) error {
	headers := []any{"ID", "Type", "Key", "Field", "Old value", "New value", "Retries", "Last error", "Created"}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.ID, string(r.EntityType), r.EntityKey, r.FieldName,
			deref(r.OldValue), deref(r.NewValue), r.RetryCount, deref(r.LastError),
			r.CreatedAt.UTC().Format(timeLayout),
		})
	}
	return writeSheet(f, SheetFailedChanges, headerStyle, headers, rows)
}

// writeConflicts emits one row per conflicting field.
func writeConflicts(f *excelize.File, headerStyle int, records []*models.ConflictRecord) error {
	headers := []any{"ID", "Type", "Key", "Field", "Expected", "Sheet", "Local", "Detected", "Resolution"}
	var rows [][]any
	for _, r := range records {
		resolution := "open"
		if r.Resolution != nil {
			resolution = *r.Resolution
		}
		for _, c := range r.Conflicts {
			rows = append(rows, []any{
				r.ID, string(r.EntityType), r.EntityKey, c.FieldName,
				c.ExpectedValue, c.ActualSpreadsheetValue, c.LocalNewValue,
				r.DetectedAt.UTC().Format(timeLayout), resolution,
			})
		}
	}
	return writeSheet(f, SheetConflicts, headerStyle, headers, rows)
}

func writeSheet(f *excelize.File, name string, headerStyle int, headers []any, rows [][]any) error {
	if _, err := f.NewSheet(name); err != nil {
		return fmt.Errorf("error creating sheet %s: %w", name, err)
	}
	if err := f.SetSheetRow(name, "A1", &headers); err != nil {
		return fmt.Errorf("error writing header of %s: %w", name, err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(headers), 1)
	_ = f.SetCellStyle(name, "A1", lastHeader, headerStyle)

	for i := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(name, cell, &rows[i]); err != nil {
			return fmt.Errorf("error writing row %d of %s: %w", i+2, name, err)
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(headers))
	_ = f.SetColWidth(name, "A", lastCol, 18)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
