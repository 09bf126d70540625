package google

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"
)

var (
	ErrUnauthorized = errors.New("google: unauthorised (invalid credentials)")
	ErrForbidden    = errors.New("google: forbidden (sheet not shared with the service account)")
	ErrNotFound     = errors.New("google: spreadsheet or range not found")
	ErrRateLimited  = errors.New("google: rate limit exceeded")
	ErrUnavailable  = errors.New("google: service unavailable")
)

func apiCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized) || apiCode(err) == http.StatusUnauthorized
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden) || apiCode(err) == http.StatusForbidden
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || apiCode(err) == http.StatusNotFound
}

func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited) || apiCode(err) == http.StatusTooManyRequests
}

// IsTransient reports errors that usually clear up on their own: quota hits
// and server-side failures.
func IsTransient(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) {
		return true
	}
	code := apiCode(err)
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

// retryAfter extracts the Retry-After hint of a 429 response.
func retryAfter(err error) time.Duration {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) || gerr.Header == nil {
		return 0
	}
	secs, convErr := strconv.Atoi(gerr.Header.Get("Retry-After"))
	if convErr != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// WrapError tags a Google API error with one of the sentinel errors above
// while keeping the original message.
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	var sentinel error
	switch code := apiCode(err); {
	case code == http.StatusUnauthorized:
		sentinel = ErrUnauthorized
	case code == http.StatusForbidden:
		sentinel = ErrForbidden
	case code == http.StatusNotFound:
		sentinel = ErrNotFound
	case code == http.StatusTooManyRequests:
		sentinel = ErrRateLimited
	case code >= http.StatusInternalServerError:
		sentinel = ErrUnavailable
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
