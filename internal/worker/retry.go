package worker

import (
	"context"
	"errors"
	"math"
	"time"

	"realtysync/internal/domain"
	"realtysync/internal/metrics"
	"realtysync/internal/models"

	"github.com/rs/zerolog"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns the pause after a failed attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (r RetryPolicy) attempts() int {
	if r.MaxRetries < 1 {
		return 1
	}
	return r.MaxRetries
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryResult reports how an operation ended. Err is the last error seen.
type RetryResult struct {
	Success  bool
	Attempts int
	Err      error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryHandler runs spreadsheet writes with bounded retries and records
// writes that never went through.
type RetryHandler struct {
	policy RetryPolicy
	store  domain.FailedChangeStore
	sleep  SleepFunc
	logger *zerolog.Logger
}

func NewRetryHandler(policy RetryPolicy, store domain.FailedChangeStore, logger *zerolog.Logger) *RetryHandler {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RetryHandler{
		policy: policy,
		store:  store,
		sleep:  sleepContext,
		logger: logger,
	}
}

// WithSleep swaps the backoff sleeper, mainly for tests.
func (h *RetryHandler) WithSleep(fn SleepFunc) *RetryHandler {
	h.sleep = fn
	return h
}

func (h *RetryHandler) Policy() RetryPolicy { return h.policy }

// ExecuteWithRetry calls op until it succeeds, returns a Permanent error,
// the context ends or the attempt budget is spent. There is no pause before
// the first attempt.
func (h *RetryHandler) ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error) RetryResult {
	maxAttempts := h.policy.attempts()
	var res RetryResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err := op(ctx)
		if err == nil {
			res.Success = true
			res.Err = nil
			return res
		}
		res.Err = err

		if IsPermanent(err) {
			h.logger.Debug().Err(err).Int("attempt", attempt).Msg("permanent error, not retrying")
			return res
		}
		if attempt == maxAttempts {
			break
		}

		delay := h.policy.NextDelay(attempt)
		metrics.IncRetry()
		h.logger.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Msg("spreadsheet write failed, retrying")

		if err := h.sleep(ctx, delay); err != nil {
			res.Err = err
			return res
		}
	}

	h.logger.Error().Err(res.Err).Int("attempts", res.Attempts).Msg("retries exhausted")
	return res
}

// QueueFailedChange persists a field write for later manual replay. Storage
// errors are logged and swallowed so the caller's outcome stands.
func (h *RetryHandler) QueueFailedChange(ctx context.Context, rec *models.FailedChangeRecord) {
	ev := h.logger.Warn().
		Str("entity_type", string(rec.EntityType)).
		Str("entity_key", rec.EntityKey).
		Str("field", rec.FieldName).
		Int("retry_count", rec.RetryCount)
	if rec.LastError != nil {
		ev = ev.Str("last_error", *rec.LastError)
	}
	ev.Msg("queueing failed change for manual replay")

	if h.store == nil {
		return
	}
	if err := h.store.InsertFailedChange(ctx, rec); err != nil {
		h.logger.Error().Err(err).
			Str("entity_key", rec.EntityKey).
			Str("field", rec.FieldName).
			Msg("failed to persist failed change")
		return
	}
	metrics.IncFailedChange(string(rec.EntityType))
}
