package sheetsync

import (
	"context"
	"fmt"
	"sync"

	"realtysync/internal/domain"
	"realtysync/internal/models"
)

// fakeSheet is an in-memory worksheet with call counters.
type fakeSheet struct {
	mu      sync.Mutex
	headers []string
	rows    []map[string]string

	appends int
	updates int
	finds   int

	// writeErr, when set, is consulted before every write with the 1-based
	// write attempt number.
	writeErr func(attempt int) error
	writes   int
}

var _ domain.SpreadsheetClient = (*fakeSheet)(nil)

func newFakeSheet(headers ...string) *fakeSheet {
	return &fakeSheet{headers: headers}
}

func (f *fakeSheet) addRow(values map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := make(map[string]string, len(values))
	for k, v := range values {
		row[k] = v
	}
	f.rows = append(f.rows, row)
}

func (f *fakeSheet) cell(header, keyHeader, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r[keyHeader] == key {
			return r[header]
		}
	}
	return ""
}

func (f *fakeSheet) set(header, keyHeader, key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rows {
		if r[keyHeader] == key {
			r[header] = value
		}
	}
}

func (f *fakeSheet) writeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends + f.updates
}

func (f *fakeSheet) Authenticate(ctx context.Context) error { return nil }

func (f *fakeSheet) Headers(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.headers...), nil
}

func (f *fakeSheet) ReadAll(ctx context.Context) ([]models.SheetRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.SheetRow, 0, len(f.rows))
	for i, r := range f.rows {
		out = append(out, models.SheetRow{Number: i + 2, Values: r})
	}
	return out, nil
}

func (f *fakeSheet) checkWrite() error {
	f.writes++
	if f.writeErr != nil {
		return f.writeErr(f.writes)
	}
	return nil
}

func (f *fakeSheet) AppendRow(ctx context.Context, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWrite(); err != nil {
		return err
	}
	f.appends++
	row := make(map[string]string, len(values))
	for k, v := range values {
		row[k] = v
	}
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSheet) UpdateRow(ctx context.Context, rowNumber int, values map[string]string) error {
	return f.UpdateCells(ctx, rowNumber, values)
}

func (f *fakeSheet) UpdateCells(ctx context.Context, rowNumber int, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkWrite(); err != nil {
		return err
	}
	idx := rowNumber - 2
	if idx < 0 || idx >= len(f.rows) {
		return fmt.Errorf("row %d out of range", rowNumber)
	}
	f.updates++
	for k, v := range values {
		f.rows[idx][k] = v
	}
	return nil
}

func (f *fakeSheet) FindRow(ctx context.Context, header, value string) (*models.SheetRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	for i, r := range f.rows {
		if r[header] == value {
			copied := make(map[string]string, len(r))
			for k, v := range r {
				copied[k] = v
			}
			return &models.SheetRow{Number: i + 2, Values: copied}, nil
		}
	}
	return nil, domain.ErrRowNotFound
}

// staticInitials resolves every email to the same initials.
type staticInitials string

func (s staticInitials) Initials(ctx context.Context, email string) (string, error) {
	return string(s), nil
}
