package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"realtysync/internal/config"
)

const (
	apiKeyHeaderDefault = "x-api-key"
	permReadSync        = "read:sync"
	permWriteEntities   = "write:entities"
	permWriteSync       = "write:sync"
	clientKeyUnknown    = "unknown"
)

var (
	errMissingAPIKey    = errors.New("missing api key header")
	errInvalidAPIKey    = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errRateLimited      = errors.New("rate limit exceeded")
)

// HTTPAuth provides API-key auth and per-key rate limiting for HTTP endpoints.
type HTTPAuth struct {
	cfg     *config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg *config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(cfg)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || !a.cfg.HTTP.Enabled || isHealthCheck(r) {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if wait, err := a.checkRateLimit(r); err != nil {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isHealthCheck(r *http.Request) bool {
	return r.URL.Path == "/healthz" || r.URL.Path == "/readyz"
}

func (a *HTTPAuth) apiKeyHeader() string {
	h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		return apiKeyHeaderDefault
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader()))
	if apiKey == "" {
		return errMissingAPIKey
	}

	var (
		client config.APIClientKey
		found  bool
	)
	for key, c := range a.clients {
		if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1 {
			client, found = c, true
		}
	}
	if !found {
		return errInvalidAPIKey
	}

	return checkPermissions(client, r)
}

func checkPermissions(client config.APIClientKey, r *http.Request) error {
	required := requiredPermissionHTTP(r)
	if required == "" {
		return nil
	}
	// An empty permission list allows everything.
	if len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

func requiredPermissionHTTP(r *http.Request) string {
	path := r.URL.Path
	if !strings.HasPrefix(path, "/api/v1/") {
		return ""
	}
	if r.Method == http.MethodGet {
		return permReadSync
	}
	if strings.HasPrefix(path, "/api/v1/sync/") {
		return permWriteSync
	}
	return permWriteEntities
}

func (a *HTTPAuth) checkRateLimit(r *http.Request) (time.Duration, error) {
	if a.cfg.RateLimit.RPS <= 0 {
		return 0, nil
	}
	perm := requiredPermissionHTTP(r)
	write := perm != "" && perm != permReadSync
	if ok, wait := a.limiter.allow(a.clientKey(r), write); !ok {
		return wait, errRateLimited
	}
	return 0, nil
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.apiKeyHeader())); apiKey != "" {
		return apiKey
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}
