// Package screening drives the callee-side confirmation dialogue. The
// voice gateway posts events here as a leg progresses: pickup, gathered
// digits, and final call status. Responses are instruction documents
// that hold, prompt, bridge, or hang up the leg.
//
// The dialogue exists to tell a human apart from voicemail: voicemail
// answers but never presses the digit, so timeout-without-digit hangs up
// the leg and the caller only ever hears "ringing, then ended". The
// callee's greeting is never exposed.
package screening

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/calltoken"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/metrics"
	"github.com/mkarel/ringlock/internal/settlement"
	"github.com/mkarel/ringlock/internal/telephony"
	"github.com/mkarel/ringlock/internal/traces"
)

// Config carries the dialogue parameters.
type Config struct {
	// ConfirmDigit is the digit that accepts the call.
	ConfirmDigit string
	// GatherTimeoutSec bounds the wait for a digit press.
	GatherTimeoutSec int
	// PublicBaseURL is where the gateway posts gathered digits.
	PublicBaseURL string
}

// Handler serves the gateway callback endpoints.
type Handler struct {
	cfg    Config
	calls  *calls.Service
	tokens *calltoken.Service
	engine *settlement.Engine
}

// NewHandler creates a screening handler.
func NewHandler(cfg Config, callSvc *calls.Service, tokens *calltoken.Service, engine *settlement.Engine) *Handler {
	if cfg.ConfirmDigit == "" {
		cfg.ConfirmDigit = "1"
	}
	if cfg.GatherTimeoutSec <= 0 {
		cfg.GatherTimeoutSec = 10
	}
	return &Handler{cfg: cfg, calls: callSvc, tokens: tokens, engine: engine}
}

// RegisterRoutes mounts the callback endpoints. The caller wraps them in
// the gateway signature middleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/callbacks/screening/voice", h.HandleVoice)
	r.POST("/callbacks/screening/digit", h.HandleDigit)
	r.POST("/callbacks/status", h.HandleStatus)
}

type voiceEvent struct {
	LegID     string `json:"leg_id" binding:"required"`
	CallToken string `json:"call_token" binding:"required"`
}

// HandleVoice runs when the callee's leg answers. It checks the call
// token and prompts for the confirmation digit. An invalid token hangs
// the leg up with no further detail.
func (h *Handler) HandleVoice(c *gin.Context) {
	metrics.TelephonyCallbacksTotal.WithLabelValues("voice").Inc()

	var ev voiceEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		hangup(c, http.StatusBadRequest)
		return
	}

	claims, err := h.tokens.Verify(ev.CallToken)
	if err != nil {
		// Deny the leg; do not reveal why.
		logging.FromContext(c.Request.Context()).Warn("screening rejected invalid call token",
			slog.String("leg_id", ev.LegID))
		hangup(c, http.StatusOK)
		return
	}

	_, span := traces.StartSpan(c.Request.Context(), "screening.voice",
		traces.LegID(ev.LegID), traces.RoutingID(claims.RoutingID))
	defer span.End()

	prompt := fmt.Sprintf(
		"You have a paid call waiting. Press %s to accept, or hang up to decline.",
		h.cfg.ConfirmDigit)

	c.JSON(http.StatusOK, telephony.Response{Instructions: []telephony.Instruction{
		telephony.Gather(prompt, 1, h.cfg.GatherTimeoutSec,
			h.cfg.PublicBaseURL+"/callbacks/screening/digit"),
		// No digit within the timeout: voicemail or a decline.
		telephony.Hangup(),
	}})
}

type digitEvent struct {
	LegID  string `json:"leg_id" binding:"required"`
	Digits string `json:"digits"`
}

// HandleDigit runs when the gather completes. The confirmation digit
// marks the session verified and bridges the audio; anything else
// terminates the leg without bridging.
func (h *Handler) HandleDigit(c *gin.Context) {
	metrics.TelephonyCallbacksTotal.WithLabelValues("digit").Inc()

	var ev digitEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		hangup(c, http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()

	if ev.Digits != h.cfg.ConfirmDigit {
		result := "rejected"
		if ev.Digits == "" {
			result = "timeout"
		}
		metrics.ScreeningResultsTotal.WithLabelValues(result).Inc()
		hangup(c, http.StatusOK)
		return
	}

	if _, err := h.calls.MarkVerified(ctx, ev.LegID); err != nil {
		if errors.Is(err, calls.ErrSessionNotFound) {
			logging.FromContext(ctx).Warn("digit press for unknown leg",
				slog.String("leg_id", ev.LegID))
			hangup(c, http.StatusNotFound)
			return
		}
		hangup(c, http.StatusInternalServerError)
		return
	}

	metrics.ScreeningResultsTotal.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusOK, telephony.Response{Instructions: []telephony.Instruction{
		telephony.Bridge(),
	}})
}

type statusEvent struct {
	LegID       string `json:"leg_id" binding:"required"`
	Status      string `json:"status" binding:"required"`
	DurationSec int    `json:"duration_sec"`
}

// HandleStatus runs on the call-terminated event. It finalizes the
// session and, if this callback won the finalization race, triggers
// settlement. Duplicate callbacks are acknowledged without re-settling.
func (h *Handler) HandleStatus(c *gin.Context) {
	metrics.TelephonyCallbacksTotal.WithLabelValues("status").Inc()

	var ev statusEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_event"})
		return
	}

	ctx := c.Request.Context()

	outcome := calls.OutcomeFailed
	if ev.Status == "completed" {
		outcome = calls.OutcomeCompleted
	}

	session, didFinalize, err := h.calls.Finalize(ctx, ev.LegID, outcome, ev.DurationSec)
	if err != nil {
		if errors.Is(err, calls.ErrSessionNotFound) {
			logging.FromContext(ctx).Warn("status callback for unknown leg",
				slog.String("leg_id", ev.LegID))
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_leg"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if didFinalize {
		h.engine.SettleAsync(ctx, session)
	}

	c.JSON(http.StatusOK, gin.H{"status": string(session.Status)})
}

// hangup responds with a terminate instruction. Used for every deny
// path so an unconfirmed caller is never left connected.
func hangup(c *gin.Context, status int) {
	c.JSON(status, telephony.Response{Instructions: []telephony.Instruction{
		telephony.Hangup(),
	}})
}
