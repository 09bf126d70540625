package sheetsync

import (
	"context"
	"sort"
	"time"

	"realtysync/internal/columns"
	"realtysync/internal/domain"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
)

// ConflictCheck is the outcome of comparing expected values with the sheet.
type ConflictCheck struct {
	HasConflict bool
	Conflicts   []models.ConflictInfo
}

// ConflictResolver detects staff edits made on the sheet since the last
// successful sync of an entity.
type ConflictResolver struct {
	writer domain.RowWriter
	mapper *columns.Mapper
	logger *zerolog.Logger
}

func NewConflictResolver(writer domain.RowWriter, logger *zerolog.Logger) *ConflictResolver {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ConflictResolver{
		writer: writer,
		mapper: columns.ForEntity(writer.EntityType()),
		logger: logger,
	}
}

// CheckConflict compares the live value of every changed field with the
// value the sheet held after the last sync. A field whose live value
// already equals the new local value is not a conflict. Entities that were
// never synced never conflict and the sheet is not read.
func (r *ConflictResolver) CheckConflict(ctx context.Context, entityKey string, changed, expected map[string]string, lastSyncedAt *time.Time) (ConflictCheck, error) {
	if lastSyncedAt == nil || len(changed) == 0 {
		return ConflictCheck{}, nil
	}

	live, err := r.writer.ReadRow(ctx, entityKey)
	if err != nil {
		return ConflictCheck{}, err
	}

	fields := make([]string, 0, len(changed))
	for f := range changed {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var check ConflictCheck
	for _, f := range fields {
		if r.mapper != nil {
			if _, ok := r.mapper.Header(f); !ok {
				continue
			}
		}
		actual := live[f]
		if columns.Equal(actual, expected[f]) || columns.Equal(actual, changed[f]) {
			continue
		}
		check.Conflicts = append(check.Conflicts, models.ConflictInfo{
			FieldName:              f,
			ExpectedValue:          expected[f],
			ActualSpreadsheetValue: actual,
			LocalNewValue:          changed[f],
		})
	}
	check.HasConflict = len(check.Conflicts) > 0

	if check.HasConflict {
		r.logger.Warn().
			Str("entity_key", entityKey).
			Int("conflicts", len(check.Conflicts)).
			Time("last_synced_at", *lastSyncedAt).
			Msg("sheet changed since last sync")
	}
	return check, nil
}
