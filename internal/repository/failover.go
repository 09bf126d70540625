package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"realtysync/internal/domain"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverInitialsStore reads and writes the primary store and falls back to
// the secondary while the primary is failing. Writes always reach the
// fallback too so it is warm when the primary goes away.
type FailoverInitialsStore struct {
	primary  domain.InitialsStore
	fallback domain.InitialsStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

var _ domain.InitialsStore = (*FailoverInitialsStore)(nil)

func NewFailoverInitialsStore(primary, fallback domain.InitialsStore, logger *zerolog.Logger) *FailoverInitialsStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverInitialsStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverInitialsStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("primary initials store failed, falling back to memory")
	}
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

func (r *FailoverInitialsStore) shouldProbe() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastCheck) > recoveryInterval
}

func (r *FailoverInitialsStore) GetInitials(ctx context.Context, email string) (string, error) {
	if !r.isDown.Load() || r.shouldProbe() {
		initials, err := r.primary.GetInitials(ctx, email)
		if err == nil {
			if r.isDown.Swap(false) {
				r.logger.Info().Msg("primary initials store recovered")
			}
			return initials, nil
		}
		r.markDown(err)
	}
	return r.fallback.GetInitials(ctx, email)
}

func (r *FailoverInitialsStore) SetInitials(ctx context.Context, staff []models.StaffMember, ttl time.Duration) error {
	if err := r.fallback.SetInitials(ctx, staff, ttl); err != nil {
		return err
	}
	if r.isDown.Load() && !r.shouldProbe() {
		return nil
	}
	if err := r.primary.SetInitials(ctx, staff, ttl); err != nil {
		r.markDown(err)
		return nil
	}
	r.isDown.Store(false)
	return nil
}
