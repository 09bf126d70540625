// Package repository holds the staff initials cache and its Redis and
// in-memory backends.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"realtysync/internal/domain"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
)

// Staff sheet headers.
const (
	StaffEmailHeader    = "Email"
	StaffInitialsHeader = "Initials"
)

// ErrUnknownStaff is returned for an email missing from the staff sheet.
var ErrUnknownStaff = errors.New("unknown staff email")

// StaffSource lists the staff sheet rows.
type StaffSource interface {
	ReadAll(ctx context.Context) ([]models.SheetRow, error)
}

// InitialsCache resolves staff emails to initials. Entries live for ttl; a
// miss triggers at most one staff sheet reload per minRefresh.
type InitialsCache struct {
	store      domain.InitialsStore
	source     StaffSource
	ttl        time.Duration
	minRefresh time.Duration
	logger     *zerolog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
}

var _ domain.InitialsResolver = (*InitialsCache)(nil)

func NewInitialsCache(store domain.InitialsStore, source StaffSource, ttl time.Duration, logger *zerolog.Logger) *InitialsCache {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if ttl <= 0 {
		ttl = models.DefaultInitialsTTL * time.Second
	}
	return &InitialsCache{
		store:      store,
		source:     source,
		ttl:        ttl,
		minRefresh: time.Minute,
		logger:     logger,
	}
}

func (c *InitialsCache) Initials(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", ErrUnknownStaff
	}

	initials, err := c.store.GetInitials(ctx, email)
	if err != nil {
		return "", err
	}
	if initials != "" {
		return initials, nil
	}

	if !c.dueForRefresh() {
		return "", ErrUnknownStaff
	}
	if _, err := c.Refresh(ctx); err != nil {
		return "", err
	}

	initials, err = c.store.GetInitials(ctx, email)
	if err != nil {
		return "", err
	}
	if initials == "" {
		return "", ErrUnknownStaff
	}
	return initials, nil
}

func (c *InitialsCache) dueForRefresh() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastRefresh) >= c.minRefresh
}

// Refresh reloads the staff sheet into the store and returns how many
// entries were loaded. Rows without an email or initials are skipped.
func (c *InitialsCache) Refresh(ctx context.Context) (int, error) {
	if c.source == nil {
		return 0, fmt.Errorf("no staff source configured")
	}

	c.mu.Lock()
	c.lastRefresh = time.Now()
	c.mu.Unlock()

	rows, err := c.source.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read staff sheet: %w", err)
	}

	staff := make([]models.StaffMember, 0, len(rows))
	for _, row := range rows {
		email := strings.TrimSpace(row.Values[StaffEmailHeader])
		initials := strings.TrimSpace(row.Values[StaffInitialsHeader])
		if email == "" || initials == "" {
			continue
		}
		staff = append(staff, models.StaffMember{Email: email, Initials: initials})
	}

	if err := c.store.SetInitials(ctx, staff, c.ttl); err != nil {
		return 0, err
	}
	c.logger.Info().Int("staff", len(staff)).Dur("ttl", c.ttl).Msg("staff initials refreshed")
	return len(staff), nil
}
