package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientCredits:
		return http.StatusUnprocessableEntity
	case apperr.KindOutOfStock:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err onto its HTTP status. Server-side failures are logged
// here and reach the client only as the support message.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", operation),
			zap.String("kind", string(kind)),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponse{Error: apperr.MessageOf(err), Code: string(kind)})
}

func (h *httpHandler) badRequest(c *gin.Context, code, message string) {
	h.writeError(c, code, apperr.Validation(code, message))
}
