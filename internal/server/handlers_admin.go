package server

import (
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type adjustmentPayload struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

func (h *httpHandler) handleAdjustment(c *gin.Context) {
	var payload adjustmentPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.badRequest(c, "server.admin.adjust.invalid_body", "user_id, amount and reason are required")
		return
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		h.badRequest(c, "server.admin.adjust.missing_user_id", "user_id is required")
		return
	}
	known, err := h.profiles.Exists(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.admin.adjust", apperr.Persistence("server.admin.adjust.lookup_failed", err))
		return
	}
	if !known {
		h.writeError(c, "server.admin.adjust", apperr.NotFound("server.admin.adjust.unknown_user", "No resident with that id has signed in."))
		return
	}
	entry, err := h.ledger.Adjust(c.Request.Context(), userID, payload.Amount, payload.Reason)
	if err != nil {
		h.writeError(c, "server.admin.adjust", err)
		return
	}
	h.logger.Info("credit adjustment recorded",
		zap.String("admin_id", c.GetString(userIDContextKey)),
		zap.String("user_id", userID),
		zap.Int64("amount", entry.Amount))
	h.publishBalance(c.Request.Context(), userID, entry.Amount, entry.Reason)
	c.JSON(http.StatusCreated, entry)
}

type statusPayload struct {
	Status     string `json:"status"`
	AdminNotes string `json:"admin_notes"`
}

func (h *httpHandler) handleRedemptionStatus(c *gin.Context) {
	var payload statusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.badRequest(c, "server.admin.redemption.invalid_body", "status is required")
		return
	}
	status, ok := rewards.ParseRedemptionStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if !ok {
		h.badRequest(c, "server.admin.redemption.invalid_status", "Status must be fulfilled or rejected.")
		return
	}
	redemption, err := h.rewards.SetRedemptionStatus(c.Request.Context(), c.Param("id"), status)
	if err != nil {
		h.writeError(c, "server.admin.redemption", err)
		return
	}
	c.JSON(http.StatusOK, redemption)
}

func (h *httpHandler) handleReportStatus(c *gin.Context) {
	var payload statusPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.badRequest(c, "server.admin.report.invalid_body", "status is required")
		return
	}
	status, ok := reports.ParseStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if !ok {
		h.badRequest(c, "server.admin.report.invalid_status", "Unknown report status.")
		return
	}
	report, err := h.reports.UpdateStatus(c.Request.Context(), c.Param("id"), status, payload.AdminNotes)
	if err != nil {
		h.writeError(c, "server.admin.report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	result, err := h.votes.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, "server.admin.reconcile", err)
		return
	}
	c.JSON(http.StatusOK, result)
}
