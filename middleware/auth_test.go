package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := services.NewJWTVerifier("test-secret")
	token, err := verifier.Issue("user-1", services.RoleOrganizer, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/private", AuthMiddleware(verifier, zerolog.Nop()), func(c *gin.Context) {
		c.String(http.StatusOK, CurrentIdentity(c).UserID)
	})
	r.GET("/optional", OptionalAuth(verifier, zerolog.Nop()), func(c *gin.Context) {
		c.String(http.StatusOK, "anon:"+CurrentIdentity(c).UserID)
	})

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantBody   string
	}{
		{"bearer header", "/private", "Bearer " + token, http.StatusOK, "user-1"},
		{"query token", "/private?token=" + token, "", http.StatusOK, "user-1"},
		{"missing token", "/private", "", http.StatusUnauthorized, ""},
		{"bad scheme", "/private", "Basic abc", http.StatusUnauthorized, ""},
		{"bad token", "/private", "Bearer nope", http.StatusUnauthorized, ""},
		{"optional anonymous", "/optional", "", http.StatusOK, "anon:"},
		{"optional with token", "/optional?token=" + token, "", http.StatusOK, "anon:user-1"},
		{"optional bad token", "/optional?token=nope", "", http.StatusUnauthorized, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.wantStatus, w.Code)
			if tc.wantBody != "" {
				assert.Equal(t, tc.wantBody, w.Body.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"http://localhost:3000"}))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
