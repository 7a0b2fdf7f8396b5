package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminAuthMiddleware guards operator endpoints with an admin JWT
type AdminAuthMiddleware struct {
	secret string
	logger *logrus.Logger
}

func NewAdminAuthMiddleware(secret string, logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		secret: secret,
		logger: logger,
	}
}

// RequireAdminAuth rejects requests without a valid Bearer token carrying the admin role
func (m *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		fields := logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}

		if m.secret == "" {
			m.logger.WithFields(fields).Warn("Admin API called but no JWT secret is configured")
			abort(c, http.StatusServiceUnavailable, "Admin API disabled", "ADMIN_DISABLED")
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			m.logger.WithFields(fields).Warn("Admin auth failed - missing Authorization header")
			abort(c, http.StatusUnauthorized, "Authentication required", "MISSING_AUTH_HEADER")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			m.logger.WithFields(fields).Warn("Admin auth failed - invalid Authorization format")
			abort(c, http.StatusUnauthorized, "Authorization header must be in format: Bearer <token>", "INVALID_AUTH_FORMAT")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "Empty token", "EMPTY_TOKEN")
			return
		}

		claims, err := ValidateAdminToken(m.secret, tokenString)
		if err != nil {
			fields["error"] = err.Error()
			m.logger.WithFields(fields).Warn("Admin auth failed - invalid token")
			abort(c, http.StatusUnauthorized, "Invalid or expired token", "INVALID_TOKEN")
			return
		}
		if claims.Role != AdminRole {
			fields["username"] = claims.Username
			fields["role"] = claims.Role
			m.logger.WithFields(fields).Warn("Admin auth failed - insufficient permissions")
			abort(c, http.StatusForbidden, "Admin role required", "INSUFFICIENT_PERMISSIONS")
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}

func abort(c *gin.Context, status int, message, code string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
