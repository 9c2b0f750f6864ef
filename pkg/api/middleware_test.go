package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingHandler() (http.Handler, *int) {
	hits := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}), &hits
}

func TestRateLimiter_BlocksOverBurst(t *testing.T) {
	next, hits := countingHandler()
	h := NewRateLimiter(1, 2).Middleware(next)

	get := func(addr string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		req.RemoteAddr = addr
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1:5555").Code)
	assert.Equal(t, http.StatusOK, get("10.0.0.1:5555").Code)

	rec := get("10.0.0.1:5555")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, 2, *hits)

	// A different address keeps its own budget.
	assert.Equal(t, http.StatusOK, get("10.0.0.2:5555").Code)
}

func TestRateLimiter_SurvivesUnsplittableRemoteAddr(t *testing.T) {
	next, _ := countingHandler()
	h := NewRateLimiter(10, 10).Middleware(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.RemoteAddr = "[::1]"
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func mintToken(t *testing.T, secret string, claims TokenClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims(subject string) TokenClaims {
	return TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestAuthMiddleware_AcceptsValidToken(t *testing.T) {
	const secret = "test-signing-secret"

	var gotSubject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := AuthMiddleware(secret)(next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/claims/x", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, secret, validClaims("adjuster-7")))
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "adjuster-7", gotSubject)
}

func TestAuthMiddleware_Rejections(t *testing.T) {
	const secret = "test-signing-secret"

	expired := validClaims("adjuster-7")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims("adjuster-7")).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc123"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + mintToken(t, "other-secret", validClaims("adjuster-7"))},
		{"expired", "Bearer " + mintToken(t, secret, expired)},
		{"alg none", "Bearer " + noneToken},
		{"no subject", "Bearer " + mintToken(t, secret, validClaims(""))},
	}

	next, hits := countingHandler()
	h := AuthMiddleware(secret)(next)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/claims/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		})
	}
	assert.Equal(t, 0, *hits)
}

func TestAuthMiddleware_EmptySecretDisablesAuth(t *testing.T) {
	next, hits := countingHandler()
	h := AuthMiddleware("")(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/claims/x", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *hits)
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	next, hits := countingHandler()
	h := AuthMiddleware("test-signing-secret")(next)

	for _, path := range []string{"/api/health", "/api/claims/clm-1/progress/ws"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Equal(t, 2, *hits)
}
