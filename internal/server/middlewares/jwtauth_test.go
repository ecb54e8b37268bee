package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/server/auth"
)

func newTestRouter(svc *auth.Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(JWTAuth(svc))
	r.GET("/whoami", func(ctx *gin.Context) {
		ctx.String(http.StatusOK, ctx.GetString(UserContextKey))
	})
	return r
}

func TestJWTAuthValidToken(t *testing.T) {
	svc := auth.NewService(&auth.Config{
		Enabled:            true,
		TokenIssuer:        "test",
		AccessTokenSecret:  "s1",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenSecret: "s2",
	})
	access, _, err := svc.IssueTokens("alice@example.com")
	require.NoError(t, err)

	r := newTestRouter(svc)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice@example.com", w.Body.String())
}

func TestJWTAuthRejectsBadRequests(t *testing.T) {
	svc := auth.NewService(&auth.Config{
		Enabled:            true,
		TokenIssuer:        "test",
		AccessTokenSecret:  "s1",
		RefreshTokenSecret: "s2",
	})
	r := newTestRouter(svc)

	cases := map[string]string{
		"missing header": "",
		"not bearer":     "Basic abc",
		"empty token":    "Bearer ",
		"garbage token":  "Bearer not.a.jwt",
	}
	for name, header := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, name)
	}
}

func TestJWTAuthDisabledTrustsHeader(t *testing.T) {
	svc := auth.NewService(&auth.Config{Enabled: false})
	r := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Drift-User", "bob@example.com")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob@example.com", w.Body.String())
}
