package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/citypulse/internal/apperr"
	"github.com/MarcoPoloResearchLab/citypulse/internal/ledger"
	"github.com/MarcoPoloResearchLab/citypulse/internal/reports"
	"github.com/MarcoPoloResearchLab/citypulse/internal/rewards"
	"github.com/MarcoPoloResearchLab/citypulse/internal/votes"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit  = 50
	idempotencyKeyHeader = "Idempotency-Key"
)

type creditsResponsePayload struct {
	Balance    int64          `json:"balance"`
	RawBalance int64          `json:"raw_balance"`
	History    []ledger.Entry `json:"history"`
}

func (h *httpHandler) handleCredits(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.badRequest(c, "server.credits.invalid_limit", "limit must be a positive number")
			return
		}
		limit = parsed
	}
	balance, err := h.ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, "server.credits", err)
		return
	}
	history, err := h.ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, "server.credits", err)
		return
	}
	c.JSON(http.StatusOK, creditsResponsePayload{
		Balance:    balance.Display(),
		RawBalance: balance.Raw,
		History:    history,
	})
}

type submitReportPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Priority    string   `json:"priority"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	Address     string   `json:"address"`
	PhotoURLs   []string `json:"photo_urls"`
}

type submitReportResponse struct {
	Report        reports.Report `json:"report"`
	CreditsEarned int64          `json:"credits_earned"`
	Award         ledger.Entry   `json:"award"`
}

func (h *httpHandler) handleSubmitReport(c *gin.Context) {
	var payload submitReportPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.badRequest(c, "server.reports.invalid_body", "Report details could not be read.")
		return
	}
	userID := c.GetString(userIDContextKey)
	result, err := h.reports.Submit(c.Request.Context(), userID, reports.SubmitRequest{
		Title:       payload.Title,
		Description: payload.Description,
		Category:    payload.Category,
		Priority:    payload.Priority,
		Latitude:    payload.Latitude,
		Longitude:   payload.Longitude,
		Address:     payload.Address,
		PhotoURLs:   payload.PhotoURLs,
	})
	if err != nil {
		h.writeError(c, "server.reports.submit", err)
		return
	}
	h.publishBalance(c.Request.Context(), userID, result.Award.Amount, result.Award.Reason)
	c.JSON(http.StatusCreated, submitReportResponse{
		Report:        result.Report,
		CreditsEarned: result.Award.Amount,
		Award:         result.Award,
	})
}

type castVotePayload struct {
	VoteType string `json:"vote_type"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	var payload castVotePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		h.badRequest(c, "server.votes.invalid_body", "vote_type is required")
		return
	}
	voteType, err := votes.ParseVoteType(strings.ToLower(strings.TrimSpace(payload.VoteType)))
	if err != nil {
		h.badRequest(c, "server.votes.invalid_vote_type", "vote_type must be upvote or downvote")
		return
	}
	userID := c.GetString(userIDContextKey)
	outcome, err := h.votes.Cast(c.Request.Context(), userID, c.Param("id"), voteType)
	if err != nil {
		h.writeError(c, "server.votes.cast", err)
		return
	}
	if outcome.BonusAwarded {
		h.publishBalance(c.Request.Context(), userID, votes.FirstVoteBonus, votes.FirstVoteReason)
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleVoteState(c *gin.Context) {
	state, err := h.votes.State(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.writeError(c, "server.votes.state", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report_id": c.Param("id"), "state": state})
}

func (h *httpHandler) handleListRewards(c *gin.Context) {
	catalog, err := h.rewards.ListActive(c.Request.Context())
	if err != nil {
		h.writeError(c, "server.rewards.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": catalog})
}

type redeemResponsePayload struct {
	Redemption rewards.Redemption `json:"redemption"`
	Balance    int64              `json:"balance"`
	Replayed   bool               `json:"replayed"`
}

func (h *httpHandler) handleRedeem(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.rewards.Redeem(c.Request.Context(), rewards.RedeemRequest{
		UserID:         userID,
		RewardID:       c.Param("id"),
		IdempotencyKey: strings.TrimSpace(c.GetHeader(idempotencyKeyHeader)),
	})
	if err != nil {
		h.writeError(c, "server.rewards.redeem", err)
		return
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	} else {
		h.publish(userID, result.Balance, -result.Redemption.CreditsSpent, "Redeemed: "+result.Redemption.RewardTitle)
	}
	c.JSON(status, redeemResponsePayload{
		Redemption: result.Redemption,
		Balance:    result.Balance,
		Replayed:   result.Replayed,
	})
}

func (h *httpHandler) handleListRedemptions(c *gin.Context) {
	redemptions, err := h.rewards.ListRedemptions(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeError(c, "server.rewards.redemptions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemptions": redemptions})
}

// publishBalance looks up the new balance and notifies the user's streams.
// A failed lookup only skips the notification.
func (h *httpHandler) publishBalance(ctx context.Context, userID string, delta int64, reason string) {
	balance, err := h.ledger.Balance(ctx, userID)
	if err != nil {
		h.logger.Warn("balance lookup for realtime event failed",
			zap.String("user_id", userID),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return
	}
	h.publish(userID, balance.Display(), delta, reason)
}

func (h *httpHandler) publish(userID string, balance, delta int64, reason string) {
	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventCreditsChanged,
		Balance:   balance,
		Delta:     delta,
		Reason:    reason,
		Timestamp: h.clock().UTC(),
	})
}
