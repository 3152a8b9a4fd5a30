package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/schrodylab/schrody/internal/auth"
	"github.com/schrodylab/schrody/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired validates the bearer JWT and stores its subject in the
// request context.
func AuthRequired(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			common.Fail(c, http.StatusUnauthorized, 40101, "missing bearer token")
			c.Abort()
			return
		}
		sub, err := auth.ParseJWT(strings.TrimPrefix(header, "Bearer "), jwtSecret)
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
			c.Abort()
			return
		}
		c.Set(UserIDKey, sub)
		c.Next()
	}
}

// RelayAuth guards the endpoints the platform relay posts to with a static
// shared token.
func RelayAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Relay-Token") != token {
			common.Fail(c, http.StatusUnauthorized, 40103, "invalid relay token")
			c.Abort()
			return
		}
		c.Next()
	}
}
