package intent

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mkarel/ringlock/internal/provider"
	"github.com/mkarel/ringlock/internal/verify"
)

// Handler serves the caller-facing intent endpoints.
type Handler struct {
	svc    *Service
	ledger *verify.Ledger
	// payTo is the platform wallet address on-chain payments go to.
	payTo string
	ttl   time.Duration
}

// NewHandler creates an intent handler.
func NewHandler(svc *Service, ledger *verify.Ledger, payTo string, ttl time.Duration) *Handler {
	return &Handler{svc: svc, ledger: ledger, payTo: payTo, ttl: ttl}
}

// RegisterRoutes mounts the caller-facing endpoints.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/v1/call-intents", h.CreateIntent)
	r.POST("/v1/call-intents/:id/confirm", h.ConfirmIntent)
}

// RegisterVerificationRoutes mounts the proof registration endpoint.
// The caller wraps it in provider authentication.
func (h *Handler) RegisterVerificationRoutes(r gin.IRoutes) {
	r.POST("/v1/verifications", h.RegisterProof)
}

type createIntentRequest struct {
	RoutingID     string `json:"routing_id" binding:"required"`
	CallerAddress string `json:"caller_address" binding:"required"`
	ProofID       string `json:"proof_id"`
}

type createIntentResponse struct {
	ReferenceID  string `json:"reference_id"`
	Amount       string `json:"amount"`
	PayTo        string `json:"pay_to"`
	ExpiresInSec int    `json:"expires_in_sec"`
}

// CreateIntent initiates a call intent and returns the escrow reference
// the caller pays against.
func (h *Handler) CreateIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ref, err := h.svc.Create(c.Request.Context(), CreateParams{
		RoutingID:     req.RoutingID,
		CallerAddress: req.CallerAddress,
		ProofID:       req.ProofID,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		case errors.Is(err, ErrInvalidRecipient):
			c.JSON(http.StatusNotFound, gin.H{"error": "invalid_recipient"})
		case errors.Is(err, ErrVerificationRequired):
			c.JSON(http.StatusForbidden, gin.H{"error": "verification_required"})
		case errors.Is(err, ErrVerificationExpired):
			c.JSON(http.StatusForbidden, gin.H{"error": "verification_expired"})
		case errors.Is(err, ErrVerificationInvalid):
			c.JSON(http.StatusForbidden, gin.H{"error": "verification_invalid"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusCreated, createIntentResponse{
		ReferenceID:  ref.ID,
		Amount:       ref.Amount,
		PayTo:        h.payTo,
		ExpiresInSec: int(h.ttl.Seconds()),
	})
}

// ConfirmIntent verifies the payment and starts the call.
func (h *Handler) ConfirmIntent(c *gin.Context) {
	var d provider.Descriptor
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.svc.Confirm(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		switch {
		case errors.Is(err, ErrReferenceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "reference_not_found"})
		case errors.Is(err, ErrPaymentNotConfirmed):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_not_confirmed"})
		case errors.Is(err, provider.ErrUnknownRail):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_rail"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": "call_setup_failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": result.Session})
}

type registerProofRequest struct {
	ProofID string `json:"proof_id" binding:"required"`
	Scope   string `json:"scope" binding:"required"`
	Level   string `json:"level"`
}

// RegisterProof records a verification proof from the anti-bot check
// provider.
func (h *Handler) RegisterProof(c *gin.Context) {
	var req registerProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	r := h.ledger.Register(c.Request.Context(), req.ProofID, req.Scope, req.Level)
	c.JSON(http.StatusCreated, r)
}
