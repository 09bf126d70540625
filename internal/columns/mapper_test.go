package columns

import (
	"testing"

	"realtysync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapperRoundTrip(t *testing.T) {
	m := BuyerMapper()

	sheet := m.ToSheet(map[string]string{"budget": "3000", "status": "active", "unknown": "x"})
	assert.Equal(t, map[string]string{"Budget": "3000", "Status": "active"}, sheet)

	back := m.FromSheet(map[string]string{"Budget": " 3000 ", "Status": "active", BuyerKeyHeader: "17", EditorHeader: "TK", "Extra": "y"})
	assert.Equal(t, map[string]string{"budget": "3000", "status": "active"}, back)
}

func TestMappersCoverEntityFields(t *testing.T) {
	for _, entity := range []models.EntityType{models.EntitySeller, models.EntityBuyer} {
		m := ForEntity(entity)
		require.NotNil(t, m)
		for _, field := range entity.FieldNames() {
			_, ok := m.Header(field)
			assert.Truef(t, ok, "%s field %s has no header", entity, field)
		}
	}
	assert.Nil(t, ForEntity("tenant"))
}

func TestRowForFillsAllColumns(t *testing.T) {
	m := SellerMapper()
	row := m.RowFor("AA00012", map[string]string{"name": "Sato"})

	assert.Equal(t, "AA00012", row[SellerKeyHeader])
	assert.Equal(t, "Sato", row["Name"])
	assert.Contains(t, row, "Notes")
	assert.Len(t, row, len(models.SellerFields)+1)
}

func TestHeaderLookups(t *testing.T) {
	m := SellerMapper()
	h, ok := m.Header("asking_price")
	require.True(t, ok)
	assert.Equal(t, "Asking Price", h)

	f, ok := m.Field(" Asking Price ")
	require.True(t, ok)
	assert.Equal(t, "asking_price", f)

	_, ok = m.Header("nope")
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{nil, ""},
		{"  a ", "a"},
		{float64(150), "150"},
		{1.5, "1.5"},
		{int64(7), "7"},
		{true, "TRUE"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
	assert.True(t, Equal("100", " 100"))
	assert.False(t, Equal("100", "150"))
}
