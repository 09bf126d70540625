// Package sheetsync pushes seller and buyer changes to the staff
// spreadsheet: conflict detection, per-entity write services and the task
// processor run by the sync queue.
package sheetsync

import (
	"context"
	"errors"
	"fmt"

	"realtysync/internal/columns"
	"realtysync/internal/domain"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
)

// ErrRowNotFound is returned when the sheet has no row for the business key.
var ErrRowNotFound = domain.ErrRowNotFound

// WriteService writes one entity type's rows, addressing them by business
// key and mapping field names to headers.
type WriteService struct {
	client domain.SpreadsheetClient
	mapper *columns.Mapper
	logger *zerolog.Logger
}

var _ domain.RowWriter = (*WriteService)(nil)

func NewWriteService(client domain.SpreadsheetClient, mapper *columns.Mapper, logger *zerolog.Logger) *WriteService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("entity_type", string(mapper.Entity())).Logger()
	return &WriteService{client: client, mapper: mapper, logger: &l}
}

// NewSellerWriteService writes the sellers sheet.
func NewSellerWriteService(client domain.SpreadsheetClient, logger *zerolog.Logger) *WriteService {
	return NewWriteService(client, columns.SellerMapper(), logger)
}

// NewBuyerWriteService writes the buyers sheet.
func NewBuyerWriteService(client domain.SpreadsheetClient, logger *zerolog.Logger) *WriteService {
	return NewWriteService(client, columns.BuyerMapper(), logger)
}

func (w *WriteService) EntityType() models.EntityType { return w.mapper.Entity() }

func (w *WriteService) Mapper() *columns.Mapper { return w.mapper }

// UpdateFields writes only the mapped columns of changed. Fields without a
// column are ignored; if nothing is left to write the call is a no-op.
func (w *WriteService) UpdateFields(ctx context.Context, entityKey string, changed map[string]string, editor string) error {
	values := w.mapper.ToSheet(changed)
	if len(values) == 0 {
		w.logger.Debug().Str("entity_key", entityKey).Msg("no mapped columns changed, skipping write")
		return nil
	}
	w.stampEditor(values, editor)

	values, err := w.present(ctx, values)
	if err != nil {
		return err
	}

	row, err := w.client.FindRow(ctx, w.mapper.KeyHeader(), entityKey)
	if err != nil {
		return err
	}
	return w.client.UpdateCells(ctx, row.Number, values)
}

// AppendRow adds the full row for a new entity. If a row with the key is
// already there, typically from an earlier delivery of the same create, its
// mapped columns are overwritten instead.
func (w *WriteService) AppendRow(ctx context.Context, entityKey string, fields map[string]string, editor string) error {
	values := w.mapper.RowFor(entityKey, fields)
	w.stampEditor(values, editor)

	values, err := w.present(ctx, values)
	if err != nil {
		return err
	}

	row, err := w.client.FindRow(ctx, w.mapper.KeyHeader(), entityKey)
	switch {
	case err == nil:
		w.logger.Info().Str("entity_key", entityKey).Int("row", row.Number).Msg("row already present, overwriting")
		return w.client.UpdateCells(ctx, row.Number, values)
	case errors.Is(err, ErrRowNotFound):
		return w.client.AppendRow(ctx, values)
	default:
		return err
	}
}

// ReadRow returns the live sheet values of an entity keyed by field name.
func (w *WriteService) ReadRow(ctx context.Context, entityKey string) (map[string]string, error) {
	row, err := w.client.FindRow(ctx, w.mapper.KeyHeader(), entityKey)
	if err != nil {
		return nil, err
	}
	return w.mapper.FromSheet(row.Values), nil
}

func (w *WriteService) stampEditor(values map[string]string, editor string) {
	if editor == "" || w.mapper.EditorHeader() == "" {
		return
	}
	values[w.mapper.EditorHeader()] = editor
}

// present drops columns the sheet does not have. The key column must exist.
func (w *WriteService) present(ctx context.Context, values map[string]string) (map[string]string, error) {
	headers, err := w.client.Headers(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(headers))
	for _, h := range headers {
		have[h] = true
	}
	if !have[w.mapper.KeyHeader()] {
		return nil, fmt.Errorf("sheet has no %q column", w.mapper.KeyHeader())
	}

	out := make(map[string]string, len(values))
	for h, v := range values {
		if !have[h] {
			w.logger.Debug().Str("header", h).Msg("column missing on sheet, skipping")
			continue
		}
		out[h] = v
	}
	return out, nil
}
