package repository

import (
	"context"
	"sync"
	"time"

	"realtysync/internal/models"
)

type initialsEntry struct {
	initials  string
	expiresAt time.Time
}

type MemoryInitialsStore struct {
	entries sync.Map
	now     func() time.Time
}

func NewMemoryInitialsStore() *MemoryInitialsStore {
	return &MemoryInitialsStore{now: time.Now}
}

func (r *MemoryInitialsStore) GetInitials(ctx context.Context, email string) (string, error) {
	key := normalizeEmail(email)
	val, ok := r.entries.Load(key)
	if !ok {
		return "", nil
	}
	entry := val.(initialsEntry)
	if !entry.expiresAt.IsZero() && r.now().After(entry.expiresAt) {
		r.entries.Delete(key)
		return "", nil
	}
	return entry.initials, nil
}

func (r *MemoryInitialsStore) SetInitials(ctx context.Context, staff []models.StaffMember, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = r.now().Add(ttl)
	}
	for _, m := range staff {
		r.entries.Store(normalizeEmail(m.Email), initialsEntry{initials: m.Initials, expiresAt: expiresAt})
	}
	return nil
}
