package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/botwall/botwall/core"
	"github.com/botwall/botwall/service"
)

const claimsContextKey = "credentialClaims"

// claimsFrom returns the access-token claims stored by BearerAuth.
func claimsFrom(c *gin.Context) (*core.Claims, bool) {
	value, exists := c.Get(claimsContextKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*core.Claims)
	return claims, ok
}

// BearerAuth creates middleware that validates access tokens and stores
// their claims in the request context.
func BearerAuth(tokens *service.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")

		if len(auth) < 8 || auth[:7] != "Bearer " {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header"})
			return
		}

		claims, err := tokens.Verify(c.Request.Context(), auth[7:], service.VerifyOptions{
			ClientIP: c.ClientIP(),
		})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "Invalid token",
				"reason": core.Reason(err),
			})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RateLimit creates middleware that gates requests on a fixed hourly
// window. Tenant scope takes priority over the client IP when present.
// A non-positive limit disables the gate.
func RateLimit(limiter *service.RateLimiter, limitPerHour int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limitPerHour <= 0 {
			c.Next()
			return
		}

		scopeKey := service.RateScopeKey(tenantFrom(c), c.ClientIP())
		result := limiter.Check(c.Request.Context(), scopeKey, limitPerHour)

		c.Header("X-RateLimit-Limit", strconv.Itoa(limitPerHour))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			c.Header("Retry-After", strconv.FormatInt(result.RetryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"reason":      core.Reason(core.ErrRateLimitExceeded),
				"retry_after": result.RetryAfter,
			})
			return
		}

		c.Next()
	}
}
