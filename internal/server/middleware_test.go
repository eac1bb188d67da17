package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansa/internal/auth"
	"github.com/ashita-ai/kansa/internal/clock"
	"github.com/ashita-ai/kansa/internal/ctxutil"
	"github.com/ashita-ai/kansa/internal/model"
	"github.com/ashita-ai/kansa/internal/ratelimit"
)

func withClaims(r *http.Request, id string, role model.Role) *http.Request {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: id},
		Role:             role,
	}
	return r.WithContext(ctxutil.WithClaims(r.Context(), claims))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestNetworkContext(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		trustProxy bool
		want       string
	}{
		{"ipv4", "10.1.2.77:5555", "", false, "10.1.2.0/24"},
		{"ipv6", "[2001:db8:aa:bb::17]:443", "", false, "2001:db8:aa:bb::/64"},
		{"mapped ipv4", "[::ffff:192.0.2.9]:80", "", false, "192.0.2.0/24"},
		{"forwarded ignored without trust", "10.1.2.77:5555", "203.0.113.5", false, "10.1.2.0/24"},
		{"forwarded honoured behind proxy", "10.1.2.77:5555", "203.0.113.5, 10.0.0.1", true, "203.0.113.0/24"},
		{"garbage forwarded falls back", "10.1.2.77:5555", "not-an-ip", true, "10.1.2.0/24"},
		{"unparseable remote", "pipe", "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			assert.Equal(t, tt.want, networkContext(r, tt.trustProxy))
		})
	}
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	h := requestIDMiddleware(securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(RequestIDFromContext(r.Context())))
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	id := rec.Header().Get("X-Request-ID")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.Body.String())

	// A caller-supplied id is echoed; an oversized one is replaced.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-me", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.NotContains(t, apiErr.Error.Message, "boom")
}

func TestAuthMiddleware(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := jwtMgr.IssueToken(model.Principal{ID: "op-ana", Role: model.RoleOperator})
	require.NoError(t, err)

	var seen *auth.Claims
	h := authMiddleware(jwtMgr, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/windows/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "op-ana", seen.Subject)
	assert.Equal(t, model.RoleOperator, seen.Role)

	for name, header := range map[string]string{
		"missing": "",
		"scheme":  "Basic " + token,
		"garbage": "Bearer not.a.token",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/windows/x", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "public paths skip auth")
}

func TestRequireRole(t *testing.T) {
	h := requireRole(model.RoleOperator)(okHandler())

	tests := []struct {
		role model.Role
		want int
	}{
		{model.RoleOperator, http.StatusOK},
		{model.RoleAdmin, http.StatusOK},
		{model.RoleAgent, http.StatusForbidden},
		{model.RoleReader, http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/", nil), "p", tt.role))
		assert.Equal(t, tt.want, rec.Code, string(tt.role))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDecodeJSON(t *testing.T) {
	decode := func(body string, limit int64) (model.HumanActionRequest, *httptest.ResponseRecorder, error) {
		var out model.HumanActionRequest
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := decodeJSON(rec, req, &out, limit)
		return out, rec, err
	}

	out, _, err := decode(`{"action":"veto","rationale":"no"}`, 1024)
	require.NoError(t, err)
	assert.Equal(t, model.ActionVeto, out.Action)

	_, _, err = decode(``, 1024)
	assert.ErrorIs(t, err, errEmptyBody)

	_, _, err = decode(`{"action":"veto","extra":1}`, 1024)
	assert.Error(t, err)

	_, _, err = decode(`{"action":"veto"}{"action":"confirm"}`, 1024)
	assert.Error(t, err)

	_, _, err = decode(`{"action":"veto","rationale":"`+strings.Repeat("a", 100)+`"}`, 32)
	require.Error(t, err)
	rec := httptest.NewRecorder()
	handleDecodeError(rec, httptest.NewRequest(http.MethodPost, "/", nil), err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRateLimitByPrincipal(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	limiter := ratelimit.NewMemoryLimiter(1, 2, clk)
	t.Cleanup(func() { _ = limiter.Close() })

	h := ratelimit.Middleware(limiter, "api", principalKeyFunc, func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}, testLogger())(okHandler())

	send := func(id string, role model.Role) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, withClaims(httptest.NewRequest(http.MethodPost, "/", nil), id, role))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("agent-7", model.RoleAgent))
	assert.Equal(t, http.StatusOK, send("agent-7", model.RoleAgent))
	assert.Equal(t, http.StatusTooManyRequests, send("agent-7", model.RoleAgent))

	// Buckets are per principal, and admins are never limited.
	assert.Equal(t, http.StatusOK, send("agent-9", model.RoleAgent))
	for range 5 {
		assert.Equal(t, http.StatusOK, send("admin", model.RoleAdmin))
	}

	clk.Advance(time.Second)
	assert.Equal(t, http.StatusOK, send("agent-7", model.RoleAgent))
}

func TestIPKeyFunc(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	r.RemoteAddr = "192.0.2.10:4444"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")

	assert.Equal(t, "ip:192.0.2.10", ipKeyFunc(false)(r))
	assert.Equal(t, "ip:198.51.100.1", ipKeyFunc(true)(r))
}

func TestClaimsRoundTripThroughContext(t *testing.T) {
	ctx := ctxutil.WithClaims(context.Background(), &auth.Claims{Role: model.RoleReader})
	require.NotNil(t, ClaimsFromContext(ctx))
	assert.Nil(t, ClaimsFromContext(context.Background()))
}
