package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"realtysync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staffSheet struct {
	rows  []models.SheetRow
	err   error
	reads int
}

func (s *staffSheet) ReadAll(ctx context.Context) ([]models.SheetRow, error) {
	s.reads++
	return s.rows, s.err
}

func staffRows() []models.SheetRow {
	return []models.SheetRow{
		{Number: 2, Values: map[string]string{StaffEmailHeader: "kenji@example.com", StaffInitialsHeader: "KT"}},
		{Number: 3, Values: map[string]string{StaffEmailHeader: "mei@example.com", StaffInitialsHeader: " MS "}},
		{Number: 4, Values: map[string]string{StaffEmailHeader: "", StaffInitialsHeader: "XX"}},
	}
}

func TestInitialsCache_LoadsOnMissAndCaches(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	source := &staffSheet{rows: staffRows()}
	cache := NewInitialsCache(NewRedisInitialsStore(client), source, time.Hour, nil)
	ctx := context.Background()

	got, err := cache.Initials(ctx, "Kenji@example.com")
	require.NoError(t, err)
	assert.Equal(t, "KT", got)

	got, err = cache.Initials(ctx, "mei@example.com")
	require.NoError(t, err)
	assert.Equal(t, "MS", got)
	assert.Equal(t, 1, source.reads)

	assert.Equal(t, time.Hour, mr.TTL("realtysync:initials:kenji@example.com"))
}

func TestInitialsCache_UnknownEmailThrottlesReloads(t *testing.T) {
	source := &staffSheet{rows: staffRows()}
	cache := NewInitialsCache(NewMemoryInitialsStore(), source, time.Hour, nil)
	ctx := context.Background()

	_, err := cache.Initials(ctx, "ghost@example.com")
	assert.ErrorIs(t, err, ErrUnknownStaff)
	_, err = cache.Initials(ctx, "ghost2@example.com")
	assert.ErrorIs(t, err, ErrUnknownStaff)
	assert.Equal(t, 1, source.reads)

	_, err = cache.Initials(ctx, " ")
	assert.ErrorIs(t, err, ErrUnknownStaff)
}

func TestInitialsCache_Refresh(t *testing.T) {
	source := &staffSheet{rows: staffRows()}
	cache := NewInitialsCache(NewMemoryInitialsStore(), source, 0, nil)

	n, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, models.DefaultInitialsTTL*time.Second, cache.ttl)

	source.err = errors.New("403 forbidden")
	_, err = cache.Refresh(context.Background())
	assert.Error(t, err)

	_, err = NewInitialsCache(NewMemoryInitialsStore(), nil, time.Hour, nil).Refresh(context.Background())
	assert.Error(t, err)
}
