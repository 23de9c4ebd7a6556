package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nodeimage/internal/security"
)

const adminClaimsKey = "admin_claims"

// AdminAuth requires a valid admin bearer token.
func AdminAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		claims, err := security.ParseAdminToken(strings.TrimPrefix(authHeader, "Bearer "), secret)
		if err != nil {
			Log(c).Debug().Err(err).Msg("admin token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		c.Set(adminClaimsKey, *claims)
		c.Next()
	}
}

// AdminClaims returns the claims stored by AdminAuth.
func AdminClaims(c *gin.Context) (security.AdminClaims, bool) {
	v, ok := c.Get(adminClaimsKey)
	if !ok {
		return security.AdminClaims{}, false
	}
	claims, ok := v.(security.AdminClaims)
	return claims, ok
}
