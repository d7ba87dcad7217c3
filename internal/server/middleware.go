package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/auth"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{
			Error: "Please sign in to continue.",
			Code:  string(apperr.KindUnauthenticated),
		})
		return
	}
	userID, err := h.profiles.Observe(c.Request.Context(), claims)
	if err != nil {
		h.writeError(c, "server.authorize", apperr.Persistence("server.authorize.profile_failed", err))
		return
	}
	c.Set(userIDContextKey, userID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	value, ok := c.Get(claimsContextKey)
	claims, _ := value.(auth.SessionClaims)
	if !ok || !claims.HasRole(auth.RoleAdmin) {
		h.logger.Warn("admin route denied",
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.String("path", c.FullPath()))
		h.writeError(c, "server.admin", apperr.New(apperr.KindForbidden, "server.admin.forbidden", "Administrator access required.", nil))
		return
	}
	c.Next()
}

// rateLimit admits requests per client address; callers without a resolvable
// address share one bucket.
func (h *httpHandler) rateLimit(limiter RequestLimiter, message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := strings.TrimSpace(c.ClientIP())
		if identity == "" {
			identity = ratelimit.FallbackIdentity
		}
		if limiter.Allow(identity) {
			c.Next()
			return
		}
		wait := limiter.RetryAfter(identity)
		seconds := int(math.Ceil(wait.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		h.logger.Info("request rate limited",
			zap.String("limiter", limiter.Name()),
			zap.String("identity", identity),
			zap.Int("retry_after_s", seconds))
		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{
			Error: message,
			Code:  string(apperr.KindRateLimited),
		})
	}
}
