package google

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"realtysync/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func setupMockServer(ctx context.Context, t *testing.T) (*http.ServeMux, *SheetClient) {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	srv, err := sheets.NewService(ctx, option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	return mux, NewSheetClient(srv, "sid", "Sellers", nil, nil)
}

func serveValues(values [][]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sheets.ValueRange{Values: values})
	}
}

func headerRow() [][]interface{} {
	return [][]interface{}{{"Seller Number", "Name", "Status"}}
}

func TestSheetClient_Authenticate(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", serveValues(headerRow()))

	require.NoError(t, c.Authenticate(ctx))
	headers, err := c.Headers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Seller Number", "Name", "Status"}, headers)
}

func TestSheetClient_AuthenticateForbidden(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The caller does not have permission"}}`))
	})

	err := c.Authenticate(ctx)
	require.Error(t, err)
	assert.True(t, IsForbidden(err))
}

func TestSheetClient_ReadAll(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", serveValues(headerRow()))
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers", serveValues([][]interface{}{
		{"Seller Number", "Name", "Status"},
		{"AA00001", "Tanaka", "new"},
		{"AA00002", "Suzuki"},
	}))

	rows, err := c.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].Number)
	assert.Equal(t, "Tanaka", rows[0].Values["Name"])
	assert.Equal(t, 3, rows[1].Number)
	assert.Equal(t, "", rows[1].Values["Status"])
}

func TestSheetClient_FindRow(t *testing.T) {
	ctx := context.Background()
	g, c := setupGrid(ctx, t, sellerGrid()...)

	row, err := c.FindRow(ctx, "Seller Number", "AA00002")
	require.NoError(t, err)
	assert.Equal(t, 3, row.Number)
	assert.Equal(t, "visited", row.Values["Status"])

	// Second lookup is served from the cached index after re-reading the row.
	row, err = c.FindRow(ctx, "Seller Number", "AA00002")
	require.NoError(t, err)
	assert.Equal(t, 3, row.Number)
	assert.Equal(t, 1, g.readCount("Sellers!A:A"))

	_, err = c.FindRow(ctx, "Seller Number", "AA09999")
	assert.True(t, errors.Is(err, domain.ErrRowNotFound))

	_, err = c.FindRow(ctx, "Nope", "x")
	assert.Error(t, err)
}

func TestSheetClient_FindRowStaleCache(t *testing.T) {
	ctx := context.Background()
	// Rows were re-sorted; row 2 now holds another seller.
	_, c := setupGrid(ctx, t,
		[]string{"Seller Number", "Name", "Status"},
		[]string{"AA00005", "Ito", ""},
		[]string{"AA00001", "Tanaka", "new"},
	)
	c.setCachedRow("Seller Number", "AA00001", 2)

	row, err := c.FindRow(ctx, "Seller Number", "AA00001")
	require.NoError(t, err)
	assert.Equal(t, 3, row.Number)
	assert.Equal(t, "Tanaka", row.Values["Name"])

	n, ok := c.getCachedRow("Seller Number", "AA00001")
	assert.True(t, ok)
	assert.Equal(t, 3, n)
}

func TestSheetClient_AppendRow(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", serveValues(headerRow()))

	var got sheets.ValueRange
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!A:A:append", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RAW", r.URL.Query().Get("valueInputOption"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.AppendValuesResponse{
			Updates: &sheets.UpdateValuesResponse{UpdatedRange: "Sellers!A10:C10"},
		})
	})

	err := c.AppendRow(ctx, map[string]string{"Seller Number": "AA00010", "Name": "Kato"})
	require.NoError(t, err)
	require.Len(t, got.Values, 1)
	assert.Equal(t, []interface{}{"AA00010", "Kato", ""}, got.Values[0])

	n, ok := c.getCachedRow("Seller Number", "AA00010")
	assert.True(t, ok)
	assert.Equal(t, 10, n)

	assert.Error(t, c.AppendRow(ctx, map[string]string{"Unknown": "x"}))
}

func TestSheetClient_UpdateCells(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", serveValues(headerRow()))

	var got sheets.BatchUpdateValuesRequest
	mux.HandleFunc("/v4/spreadsheets/sid/values:batchUpdate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.BatchUpdateValuesResponse{})
	})

	err := c.UpdateCells(ctx, 4, map[string]string{"Status": "contracted"})
	require.NoError(t, err)
	require.Len(t, got.Data, 1)
	assert.Equal(t, "Sellers!C4", got.Data[0].Range)
	assert.Equal(t, [][]interface{}{{"contracted"}}, got.Data[0].Values)

	assert.Error(t, c.UpdateCells(ctx, 1, map[string]string{"Status": "x"}), "header row is never written")
}

func TestSheetClient_UpdateRow(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", serveValues(headerRow()))

	var got sheets.ValueRange
	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!A5:C5", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(sheets.UpdateValuesResponse{})
	})

	err := c.UpdateRow(ctx, 5, map[string]string{"Seller Number": "AA00003", "Status": "lost"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"AA00003", "", "lost"}, got.Values[0])
}

func TestSheetClient_RateLimitedResponseSetsBackoff(t *testing.T) {
	ctx := context.Background()
	mux, c := setupMockServer(ctx, t)
	c.limiter = NewRateLimiter(100, 10)

	mux.HandleFunc("/v4/spreadsheets/sid/values/Sellers!1:1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"Quota exceeded"}}`))
	})

	_, err := c.Headers(ctx)
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.True(t, IsTransient(err))
	assert.False(t, c.limiter.Allow())
}
