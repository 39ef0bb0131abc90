package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func TestIssueAndParse(t *testing.T) {
	tok, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(secret, tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice", claims.Subject)

	_, err = ParseToken("wrong", tok)
	assert.Error(t, err)
}

func TestParseRejectsExpiredAndForeignAlgorithms(t *testing.T) {
	expired, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(secret, none)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, ok := BearerToken("Bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", tok)

	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer a b", "Bearer "} {
		_, ok := BearerToken(h)
		assert.False(t, ok, h)
	}
}

func TestJWTAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("user_id"))
	})

	tok, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	do := func(auth, userID string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		router.ServeHTTP(w, req)
		return w
	}

	w := do("Bearer "+tok, "alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	assert.Equal(t, http.StatusOK, do("Bearer "+tok, "").Code)
	assert.Equal(t, http.StatusForbidden, do("Bearer "+tok, "bob").Code)
	assert.Equal(t, http.StatusUnauthorized, do("", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Token "+tok, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer garbage", "").Code)
}
