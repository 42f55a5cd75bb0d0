package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/victornm/examcert/internal/auth"
	"github.com/victornm/examcert/internal/domain"
	"github.com/victornm/examcert/internal/errors"
)

func TestAuthenticator_Parse(t *testing.T) {
	a := auth.New("secret")
	user := domain.Caller{UserID: 7, Username: "alice", FullName: "Alice Nguyen", Staff: true}

	tests := map[string]struct {
		arrange func(t *testing.T) string
		assert  func(t *testing.T, c domain.Caller, err error)
	}{
		"should return the caller of a valid token": {
			arrange: func(t *testing.T) string {
				tok, err := a.Issue(user, time.Hour, time.Now())
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, c domain.Caller, err error) {
				require.NoError(t, err)
				require.Equal(t, user, c)
			},
		},

		"should reject an expired token": {
			arrange: func(t *testing.T) string {
				tok, err := a.Issue(user, time.Minute, time.Now().Add(-time.Hour))
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, c domain.Caller, err error) {
				require.Equal(t, errors.CodeUnauthenticated, errors.CodeOf(err))
			},
		},

		"should reject a token signed with another secret": {
			arrange: func(t *testing.T) string {
				tok, err := auth.New("other").Issue(user, time.Hour, time.Now())
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, c domain.Caller, err error) {
				require.Equal(t, errors.CodeUnauthenticated, errors.CodeOf(err))
			},
		},

		"should reject a token without a numeric subject": {
			arrange: func(t *testing.T) string {
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
					Subject:   "alice",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				}).SignedString([]byte("secret"))
				require.NoError(t, err)
				return tok
			},
			assert: func(t *testing.T, c domain.Caller, err error) {
				require.Equal(t, errors.CodeUnauthenticated, errors.CodeOf(err))
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			c, err := a.Parse(tt.arrange(t))
			tt.assert(t, c, err)
		})
	}
}

func TestAuthenticator_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a := auth.New("secret")

	e := gin.New()
	e.Use(a.Middleware(func(c *gin.Context, err error) {
		c.AbortWithStatus(errors.Convert(err).HTTPStatusCode())
	}))
	e.GET("/me", func(c *gin.Context) {
		caller, ok := auth.CallerFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, "%d %s", caller.UserID, caller.UserAgent)
	})

	t.Run("should reject a request without a token", func(t *testing.T) {
		w := httptest.NewRecorder()
		e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should store the caller for a valid token", func(t *testing.T) {
		tok, err := a.Issue(domain.Caller{UserID: 7}, time.Hour, time.Now())
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("User-Agent", "test-agent")

		w := httptest.NewRecorder()
		e.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "7 test-agent", w.Body.String())
	})
}
