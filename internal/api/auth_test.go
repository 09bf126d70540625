package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"realtysync/internal/config"
	"realtysync/internal/models"
	"realtysync/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func authConfig() *config.APIConfig {
	cfg := testAPIConfig()
	cfg.Auth = config.APIAuthConfig{
		Enabled:      true,
		HeaderAPIKey: "X-API-Key",
		APIKeys: []config.APIClientKey{
			{Key: "reader", Name: "dashboard", Permissions: []string{permReadSync}},
			{Key: "admin", Name: "ops"},
		},
	}
	return cfg
}

func TestAuth(t *testing.T) {
	svc := &mockSyncAPI{}
	svc.On("Stats", mock.Anything).Return(service.SyncStats{}, nil)
	svc.On("ReplayFailedChange", mock.Anything, int64(1), "", "").Return(models.SyncResult{Success: true, SyncStatus: models.SyncStatusSynced}, nil)
	srv := NewHTTPServer(authConfig(), svc, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		want   int
	}{
		{"missing key", http.MethodGet, "/api/v1/sync/stats", "", http.StatusUnauthorized},
		{"invalid key", http.MethodGet, "/api/v1/sync/stats", "nope", http.StatusUnauthorized},
		{"reader can read", http.MethodGet, "/api/v1/sync/stats", "reader", http.StatusOK},
		{"reader cannot replay", http.MethodPost, "/api/v1/sync/failed/1/replay", "reader", http.StatusForbidden},
		{"empty permissions allow all", http.MethodPost, "/api/v1/sync/failed/1/replay", "admin", http.StatusOK},
		{"health checks skip auth", http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{}
			if tt.key != "" {
				headers["X-API-Key"] = tt.key
			}
			rec := do(t, srv.Handler(), tt.method, tt.path, "", headers)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}

	svc := &mockSyncAPI{}
	svc.On("Stats", mock.Anything).Return(service.SyncStats{}, nil)
	srv := NewHTTPServer(cfg, svc, nil, nil)

	headers := map[string]string{"X-API-Key": "reader"}
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/api/v1/sync/stats", "", headers).Code)
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/api/v1/sync/stats", "", headers).Code)
	limited := do(t, srv.Handler(), http.MethodGet, "/api/v1/sync/stats", "", headers)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	// Buckets are per key.
	other := map[string]string{"X-API-Key": "admin"}
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), http.MethodGet, "/api/v1/sync/stats", "", other).Code)
}

func TestRateLimiter_WritesDrawFromOwnBucket(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 3, WriteRPS: 0.001, WriteBurst: 1}
	l := newRateLimiter(cfg)

	ok, _ := l.allow("admin", true)
	assert.True(t, ok)

	ok, wait := l.allow("admin", true)
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// The refused write did not cost a general token: two reads remain.
	ok, _ = l.allow("admin", false)
	assert.True(t, ok)
	ok, _ = l.allow("admin", false)
	assert.True(t, ok)
	ok, _ = l.allow("admin", false)
	assert.False(t, ok)
}

func TestRateLimiter_SweepDropsIdleClients(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 1, Burst: 1}
	l := newRateLimiter(cfg)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.allow("10.0.0.1", false)
	now = now.Add(limiterIdleAfter / 2)
	l.allow("10.0.0.2", false)

	now = now.Add(limiterIdleAfter/2 + time.Second)
	l.sweep()

	_, idle := l.limiters.Load("10.0.0.1")
	_, active := l.limiters.Load("10.0.0.2")
	assert.False(t, idle)
	assert.True(t, active)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(300*time.Millisecond))
	assert.Equal(t, 3, retryAfterSeconds(2100*time.Millisecond))
}

func TestRequiredPermissionHTTP(t *testing.T) {
	tests := []struct {
		method string
		path   string
		want   string
	}{
		{http.MethodGet, "/api/v1/sellers", permReadSync},
		{http.MethodGet, "/api/v1/sync/conflicts", permReadSync},
		{http.MethodPatch, "/api/v1/buyers/3", permWriteEntities},
		{http.MethodPost, "/api/v1/sellers", permWriteEntities},
		{http.MethodPost, "/api/v1/sync/conflicts/1/resolve", permWriteSync},
		{http.MethodGet, "/metrics", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		assert.Equal(t, tt.want, requiredPermissionHTTP(req), tt.method+" "+tt.path)
	}
}

func TestClientKeyFallsBackToRemoteHost(t *testing.T) {
	a := NewHTTPAuth(testAPIConfig())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sellers", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", a.clientKey(req))

	req.RemoteAddr = "garbage"
	assert.Equal(t, clientKeyUnknown, a.clientKey(req))
}
