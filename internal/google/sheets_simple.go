package google

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"realtysync/internal/columns"
	"realtysync/internal/domain"
	"realtysync/internal/metrics"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const valueInputOption = "RAW"

// DefaultHeaderTTL bounds how long a cached header row is trusted for
// lookups. Writes always re-read it.
const DefaultHeaderTTL = time.Minute

// NewService builds an authenticated Sheets service from a service-account
// key file.
func NewService(ctx context.Context, credentialsFile string) (*sheets.Service, error) {
	credentialsJSON, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(credentialsJSON, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Sheets service: %w", err)
	}
	return srv, nil
}

// ServiceAccountEmail returns the address the spreadsheet must be shared with.
func ServiceAccountEmail(credentialsFile string) (string, error) {
	file, err := os.ReadFile(credentialsFile)
	if err != nil {
		return "", err
	}

	var creds struct {
		ClientEmail string `json:"client_email"`
	}
	if err := json.Unmarshal(file, &creds); err != nil {
		return "", err
	}
	return creds.ClientEmail, nil
}

// SheetClient reads and writes a single worksheet addressed by header names.
type SheetClient struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	limiter       *RateLimiter
	logger        *zerolog.Logger

	headersMu sync.RWMutex
	headers   []string
	headersAt time.Time
	headerTTL time.Duration

	// rowCache maps header+value to the row last seen holding it.
	rowCache map[string]int
	cacheMu  sync.RWMutex
}

var _ domain.SpreadsheetClient = (*SheetClient)(nil)

func NewSheetClient(srv *sheets.Service, spreadsheetID, sheetName string, limiter *RateLimiter, logger *zerolog.Logger) *SheetClient {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("sheet", sheetName).Logger()
	return &SheetClient{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		limiter:       limiter,
		logger:        &l,
		headerTTL:     DefaultHeaderTTL,
		rowCache:      make(map[string]int),
	}
}

func (c *SheetClient) SheetName() string { return c.sheetName }

// Authenticate checks that the sheet is reachable and loads its headers.
func (c *SheetClient) Authenticate(ctx context.Context) error {
	if _, err := c.reloadHeaders(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

// Headers returns row 1. Staff may insert or move columns, so the cached
// copy is reloaded after headerTTL.
func (c *SheetClient) Headers(ctx context.Context) ([]string, error) {
	c.headersMu.RLock()
	cached, at := c.headers, c.headersAt
	c.headersMu.RUnlock()
	if cached != nil && time.Since(at) < c.headerTTL {
		return cached, nil
	}
	return c.reloadHeaders(ctx)
}

func (c *SheetClient) reloadHeaders(ctx context.Context) ([]string, error) {
	resp, err := c.get(ctx, "headers", c.a1("1:1"))
	if err != nil {
		return nil, err
	}
	return c.storeHeaders(resp.Values)
}

// storeHeaders caches the first row of values as the header row.
func (c *SheetClient) storeHeaders(values [][]interface{}) ([]string, error) {
	var headers []string
	if len(values) > 0 {
		for _, cell := range values[0] {
			headers = append(headers, columns.Normalize(cell))
		}
	}
	if len(headers) == 0 {
		return nil, fmt.Errorf("sheet %q has no header row", c.sheetName)
	}

	c.headersMu.Lock()
	defer c.headersMu.Unlock()
	if c.headers != nil && !slices.Equal(c.headers, headers) {
		c.logger.Info().Strs("headers", headers).Msg("header row changed")
	}
	c.headers = headers
	c.headersAt = time.Now()
	return headers, nil
}

// ReadAll returns every data row below the header, mapped with the header
// row read in the same request.
func (c *SheetClient) ReadAll(ctx context.Context) ([]models.SheetRow, error) {
	resp, err := c.get(ctx, "read_all", c.a1(""))
	if err != nil {
		return nil, err
	}
	headers, err := c.storeHeaders(resp.Values)
	if err != nil {
		return nil, err
	}

	var rows []models.SheetRow
	for i, raw := range resp.Values {
		if i == 0 {
			continue
		}
		rows = append(rows, models.SheetRow{Number: i + 1, Values: rowValues(headers, raw)})
	}
	return rows, nil
}

// FindRow locates the first row whose header column equals value. It
// returns domain.ErrRowNotFound when no row matches.
func (c *SheetClient) FindRow(ctx context.Context, header, value string) (*models.SheetRow, error) {
	headers, err := c.Headers(ctx)
	if err != nil {
		return nil, err
	}

	// Staff may sort or delete rows, so a cached index is only trusted after
	// the key cell is re-read.
	if n, ok := c.getCachedRow(header, value); ok {
		row, err := c.readRow(ctx, n)
		if err != nil {
			return nil, err
		}
		if columns.Equal(row.Values[header], value) {
			return row, nil
		}
		c.deleteCachedRow(header, value)
	}

	// The key column is read together with row 1. If the column moved since
	// headers were cached, the scan is repeated once at its new position.
	for moved := false; ; moved = true {
		col := indexOf(headers, header)
		if col < 0 {
			return nil, fmt.Errorf("sheet %q has no column %q", c.sheetName, header)
		}
		letter := columnLetter(col)
		ranges, err := c.batchGet(ctx, "find_row", c.a1("1:1"), c.a1(letter+":"+letter))
		if err != nil {
			return nil, err
		}
		if headers, err = c.storeHeaders(ranges[0].Values); err != nil {
			return nil, err
		}
		if indexOf(headers, header) != col {
			if moved {
				return nil, fmt.Errorf("sheet %q: column %q moved during lookup", c.sheetName, header)
			}
			continue
		}

		for i, cells := range ranges[1].Values {
			if i == 0 || len(cells) == 0 {
				continue
			}
			if columns.Equal(columns.Normalize(cells[0]), value) {
				n := i + 1
				c.setCachedRow(header, value, n)
				return c.readRow(ctx, n)
			}
		}
		return nil, domain.ErrRowNotFound
	}
}

// AppendRow adds a row after the last non-empty one.
func (c *SheetClient) AppendRow(ctx context.Context, values map[string]string) error {
	headers, err := c.reloadHeaders(ctx)
	if err != nil {
		return err
	}
	if err := checkHeaders(headers, values); err != nil {
		return err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	resp, err := c.service.Spreadsheets.Values.Append(c.spreadsheetID, c.a1("A:A"), &sheets.ValueRange{
		Values: [][]interface{}{orderedRow(headers, values)},
	}).
		ValueInputOption(valueInputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	metrics.ObserveSheets("append", started)
	if err != nil {
		return c.fail("append", err)
	}

	if resp.Updates != nil {
		if n := rowFromRange(resp.Updates.UpdatedRange); n > 0 {
			for _, h := range headers {
				if v := values[h]; v != "" {
					c.setCachedRow(h, v, n)
					break
				}
			}
		}
	}
	return nil
}

// UpdateRow rewrites the whole row in header order.
func (c *SheetClient) UpdateRow(ctx context.Context, rowNumber int, values map[string]string) error {
	if rowNumber < 2 {
		return fmt.Errorf("invalid data row %d", rowNumber)
	}
	headers, err := c.reloadHeaders(ctx)
	if err != nil {
		return err
	}
	if err := checkHeaders(headers, values); err != nil {
		return err
	}

	rng := c.a1(fmt.Sprintf("A%d:%s%d", rowNumber, columnLetter(len(headers)-1), rowNumber))
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	_, err = c.service.Spreadsheets.Values.Update(c.spreadsheetID, rng, &sheets.ValueRange{
		Values: [][]interface{}{orderedRow(headers, values)},
	}).ValueInputOption(valueInputOption).Context(ctx).Do()
	metrics.ObserveSheets("update_row", started)
	if err != nil {
		return c.fail("update_row", err)
	}
	return nil
}

// UpdateCells writes only the named columns of one row in a single batch
// request. Other cells of the row are left as they are. Row 1 is re-read
// first so a column inserted by staff shifts the target cells with it.
func (c *SheetClient) UpdateCells(ctx context.Context, rowNumber int, values map[string]string) error {
	if rowNumber < 2 {
		return fmt.Errorf("invalid data row %d", rowNumber)
	}
	if len(values) == 0 {
		return nil
	}
	headers, err := c.reloadHeaders(ctx)
	if err != nil {
		return err
	}
	if err := checkHeaders(headers, values); err != nil {
		return err
	}

	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: valueInputOption}
	for i, h := range headers {
		v, ok := values[h]
		if !ok {
			continue
		}
		req.Data = append(req.Data, &sheets.ValueRange{
			Range:  c.a1(fmt.Sprintf("%s%d", columnLetter(i), rowNumber)),
			Values: [][]interface{}{{v}},
		})
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	_, err = c.service.Spreadsheets.Values.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
	metrics.ObserveSheets("update_cells", started)
	if err != nil {
		return c.fail("update_cells", err)
	}
	return nil
}

// ClearCache forgets every cached row index.
func (c *SheetClient) ClearCache() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.rowCache = make(map[string]int)
}

// readRow reads row n together with row 1, so the values are always mapped
// with the headers as they are now.
func (c *SheetClient) readRow(ctx context.Context, n int) (*models.SheetRow, error) {
	ranges, err := c.batchGet(ctx, "read_row", c.a1("1:1"), c.a1(fmt.Sprintf("%d:%d", n, n)))
	if err != nil {
		return nil, err
	}
	headers, err := c.storeHeaders(ranges[0].Values)
	if err != nil {
		return nil, err
	}
	var raw []interface{}
	if len(ranges[1].Values) > 0 {
		raw = ranges[1].Values[0]
	}
	return &models.SheetRow{Number: n, Values: rowValues(headers, raw)}, nil
}

func (c *SheetClient) batchGet(ctx context.Context, op string, ranges ...string) ([]*sheets.ValueRange, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	started := time.Now()
	resp, err := c.service.Spreadsheets.Values.BatchGet(c.spreadsheetID).Ranges(ranges...).Context(ctx).Do()
	metrics.ObserveSheets(op, started)
	if err != nil {
		return nil, c.fail(op, err)
	}
	if len(resp.ValueRanges) != len(ranges) {
		return nil, fmt.Errorf("sheets %s: got %d ranges, want %d", op, len(resp.ValueRanges), len(ranges))
	}
	return resp.ValueRanges, nil
}

func (c *SheetClient) get(ctx context.Context, op, rng string) (*sheets.ValueRange, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	started := time.Now()
	resp, err := c.service.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	metrics.ObserveSheets(op, started)
	if err != nil {
		return nil, c.fail(op, err)
	}
	return resp, nil
}

func (c *SheetClient) fail(op string, err error) error {
	if IsRateLimited(err) {
		c.limiter.RecordRateLimitError(retryAfter(err))
	}
	c.logger.Warn().Err(err).Str("op", op).Msg("sheets request failed")
	return WrapError(err)
}

// a1 prefixes rng with the sheet name, quoting it when needed. An empty rng
// addresses the whole sheet.
func (c *SheetClient) a1(rng string) string {
	name := c.sheetName
	if !plainSheetName.MatchString(name) {
		name = "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	if rng == "" {
		return name
	}
	return name + "!" + rng
}

var plainSheetName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func cacheKey(header, value string) string {
	return header + "\x00" + value
}

func (c *SheetClient) getCachedRow(header, value string) (int, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	row, ok := c.rowCache[cacheKey(header, value)]
	return row, ok
}

func (c *SheetClient) setCachedRow(header, value string, row int) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.rowCache[cacheKey(header, value)] = row
}

func (c *SheetClient) deleteCachedRow(header, value string) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	delete(c.rowCache, cacheKey(header, value))
}

func rowValues(headers []string, raw []interface{}) map[string]string {
	out := make(map[string]string, len(headers))
	for i, h := range headers {
		if h == "" {
			continue
		}
		if i < len(raw) {
			out[h] = columns.Normalize(raw[i])
		} else {
			out[h] = ""
		}
	}
	return out
}

func orderedRow(headers []string, values map[string]string) []interface{} {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = values[h]
	}
	return row
}

func checkHeaders(headers []string, values map[string]string) error {
	for h := range values {
		if indexOf(headers, h) < 0 {
			return fmt.Errorf("unknown column %q", h)
		}
	}
	return nil
}

func indexOf(headers []string, h string) int {
	for i, v := range headers {
		if v == h {
			return i
		}
	}
	return -1
}

// columnLetter converts a 0-based column index to A1 letters.
func columnLetter(idx int) string {
	var b []byte
	for n := idx + 1; n > 0; n = (n - 1) / 26 {
		b = append([]byte{byte('A' + (n-1)%26)}, b...)
	}
	return string(b)
}

var rangeRowPattern = regexp.MustCompile(`![A-Z]+(\d+)`)

// rowFromRange extracts the first row number of an A1 range such as
// "Sellers!A10:M10".
func rowFromRange(rng string) int {
	m := rangeRowPattern.FindStringSubmatch(rng)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
