package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zrchat/zrchat-client/pkg/logger"
)

const secret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, method jwt.SigningMethod, key any, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func sessionClaims(sub string, exp time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(exp),
			Audience:  jwt.ClaimStrings{"authenticated"},
		},
		Email: "ana@example.com",
		Role:  "authenticated",
	}
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(GetUserID(r.Context()) + "|" + GetEmail(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	future := time.Now().Add(time.Hour)
	h := Auth(secret, "u1")(echoUser())

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
		body   string
	}{
		{"valid header", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), sessionClaims("u1", future)))
		}, http.StatusOK, "u1|ana@example.com"},
		{"query token", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("access_token", sign(t, jwt.SigningMethodHS256, []byte(secret), sessionClaims("u1", future)))
			r.URL.RawQuery = q.Encode()
		}, http.StatusOK, "u1|ana@example.com"},
		{"missing", func(r *http.Request) {}, http.StatusUnauthorized, ""},
		{"malformed header", func(r *http.Request) { r.Header.Set("Authorization", "Token abc") }, http.StatusUnauthorized, ""},
		{"expired", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), sessionClaims("u1", time.Now().Add(-time.Minute))))
		}, http.StatusUnauthorized, ""},
		{"wrong secret", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte("other-secret"), sessionClaims("u1", future)))
		}, http.StatusUnauthorized, ""},
		{"other algorithm", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS512, []byte(secret), sessionClaims("u1", future)))
		}, http.StatusUnauthorized, ""},
		{"another user", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), sessionClaims("u2", future)))
		}, http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/conversations", nil)
			tt.setup(r)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tt.status, w.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestLogging_CorrelationID(t *testing.T) {
	var seen string
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("X-Correlation-ID", "abc-123")
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "abc-123", w.Header().Get("X-Correlation-ID"))
	assert.Equal(t, "abc-123", seen)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, w.Header().Get("X-Correlation-ID"), 36)
	assert.Equal(t, seen, w.Header().Get("X-Correlation-ID"))
}

func TestLogging_KeepsFlusher(t *testing.T) {
	h := Logging(logger.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		_, _ = w.Write([]byte("data: x\n\n"))
		require.NoError(t, http.NewResponseController(w).Flush())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/stream", nil))
	assert.True(t, w.Flushed)
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	codes := make([]int, 3)
	for i := range codes {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
		r.RemoteAddr = "10.0.0.7:5555"
		h.ServeHTTP(w, r)
		codes[i] = w.Code
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/users", nil)
	r.RemoteAddr = "10.0.0.8:5555"
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/conversations", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodOptions, "/api/v1/conversations", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}
