package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-with-enough-entropy"

func testConfig() Config {
	return Config{Secret: testSecret, Issuer: "taskqueue"}
}

func mustIssue(t *testing.T, cfg Config, scopes []string, ttl time.Duration, now time.Time) string {
	t.Helper()
	tok, err := Issue(cfg, "producer-1", scopes, ttl, now)
	require.NoError(t, err)
	return tok
}

func TestNewValidatorRequiresSecret(t *testing.T) {
	_, err := NewValidator(Config{}, nil)
	assert.ErrorIs(t, err, ErrNoSecretConfigured)
}

func TestValidate(t *testing.T) {
	v, err := NewValidator(testConfig(), nil)
	require.NoError(t, err)
	now := time.Now()

	t.Run("valid token", func(t *testing.T) {
		tok := mustIssue(t, testConfig(), []string{ScopeEnqueue, ScopeRead}, time.Hour, now)
		p, err := v.Validate(tok)
		require.NoError(t, err)
		assert.Equal(t, "producer-1", p.Subject)
		assert.Equal(t, []string{ScopeEnqueue, ScopeRead}, p.Scopes)
		assert.WithinDuration(t, now.Add(time.Hour), p.ExpiresAt, time.Second)
	})

	tests := []struct {
		name  string
		token func() string
		want  error
	}{
		{"empty", func() string { return "" }, ErrMissingToken},
		{"garbage", func() string { return "not.a.jwt" }, ErrInvalidToken},
		{"expired", func() string {
			return mustIssue(t, testConfig(), nil, time.Minute, now.Add(-time.Hour))
		}, ErrExpiredToken},
		{"wrong issuer", func() string {
			return mustIssue(t, Config{Secret: testSecret, Issuer: "other"}, nil, time.Hour, now)
		}, ErrInvalidIssuer},
		{"wrong secret", func() string {
			return mustIssue(t, Config{Secret: "another-secret", Issuer: "taskqueue"}, nil, time.Hour, now)
		}, ErrInvalidToken},
		{"no expiry", func() string {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
				"sub": "x", "iss": "taskqueue",
			}).SignedString([]byte(testSecret))
			require.NoError(t, err)
			return tok
		}, ErrInvalidToken},
		{"none algorithm", func() string {
			tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
				"sub": "x", "iss": "taskqueue", "exp": now.Add(time.Hour).Unix(),
			}).SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return tok
		}, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.token())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestIssueRejectsBadInput(t *testing.T) {
	_, err := Issue(Config{}, "s", nil, time.Hour, time.Now())
	assert.ErrorIs(t, err, ErrNoSecretConfigured)

	_, err = Issue(testConfig(), "s", nil, 0, time.Now())
	assert.Error(t, err)
}

func TestPrincipalHasScope(t *testing.T) {
	p := &Principal{Scopes: []string{ScopeRead}}
	assert.True(t, p.HasScope(ScopeRead))
	assert.False(t, p.HasScope(ScopeEnqueue))

	admin := &Principal{Scopes: []string{ScopeAdmin}}
	assert.True(t, admin.HasScope(ScopeEnqueue))
}

func TestExtractToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, ExtractToken(req))

	req.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", ExtractToken(req))

	req.Header.Set("Authorization", "bearer  xyz ")
	assert.Equal(t, "xyz", ExtractToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, ExtractToken(req))
}

func TestMiddleware(t *testing.T) {
	v, err := NewValidator(testConfig(), nil)
	require.NoError(t, err)
	mw := NewMiddleware(v)

	var seen *Principal
	handler := mw.RequireAuth(RequireScope(ScopeEnqueue)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})))

	do := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	errorBody := func(rec *httptest.ResponseRecorder) string {
		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body.Error
	}

	t.Run("missing token", func(t *testing.T) {
		rec := do("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		assert.Equal(t, "authentication required", errorBody(rec))
	})

	t.Run("expired token", func(t *testing.T) {
		rec := do(mustIssue(t, testConfig(), []string{ScopeEnqueue}, time.Minute, time.Now().Add(-time.Hour)))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, ErrExpiredToken.Error(), errorBody(rec))
	})

	t.Run("missing scope", func(t *testing.T) {
		rec := do(mustIssue(t, testConfig(), []string{ScopeRead}, time.Hour, time.Now()))
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Contains(t, errorBody(rec), ScopeEnqueue)
	})

	t.Run("authorized", func(t *testing.T) {
		rec := do(mustIssue(t, testConfig(), []string{ScopeEnqueue}, time.Hour, time.Now()))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "producer-1", seen.Subject)
	})
}

func TestRequireScopeWithoutPrincipal(t *testing.T) {
	h := RequireScope(ScopeAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
