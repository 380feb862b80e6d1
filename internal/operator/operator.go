// Package operator exposes the back-office surface: read access to all
// call sessions and payments, and the manual override that resolves
// stuck payments outside the automatic settlement path.
package operator

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mkarel/ringlock/internal/calls"
	"github.com/mkarel/ringlock/internal/directory"
	"github.com/mkarel/ringlock/internal/logging"
	"github.com/mkarel/ringlock/internal/payments"
	"github.com/mkarel/ringlock/internal/security"
)

// AuthMiddleware guards operator endpoints with a shared admin secret.
// Without a configured secret the surface is disabled.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return security.BearerAuth(secret)
}

// Handler serves the operator endpoints.
type Handler struct {
	calls     *calls.Service
	payments  *payments.Service
	directory *directory.Service
}

// NewHandler creates an operator handler.
func NewHandler(callSvc *calls.Service, paySvc *payments.Service, dirSvc *directory.Service) *Handler {
	return &Handler{calls: callSvc, payments: paySvc, directory: dirSvc}
}

// RegisterRoutes mounts the operator endpoints. The caller wraps them
// in AuthMiddleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/v1/operator/sessions", h.ListSessions)
	r.GET("/v1/operator/sessions/:id", h.GetSession)
	r.GET("/v1/operator/payments", h.ListPayments)
	r.GET("/v1/operator/payments/stuck", h.ListStuck)
	r.POST("/v1/operator/payments/:id/resolve", h.ResolvePayment)
	r.GET("/v1/operator/callees", h.ListCallees)
}

func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}

// ListSessions returns call sessions, newest first.
func (h *Handler) ListSessions(c *gin.Context) {
	limit, offset := pagination(c)
	sessions, err := h.calls.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session with its payment.
func (h *Handler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()

	session, err := h.calls.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, calls.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	payment, err := h.payments.Get(ctx, session.PaymentID)
	if err != nil && !errors.Is(err, payments.ErrPaymentNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": session, "payment": payment})
}

// ListPayments returns payments, newest first.
func (h *Handler) ListPayments(c *gin.Context) {
	limit, offset := pagination(c)
	list, err := h.payments.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}

// ListStuck returns payments awaiting manual resolution.
func (h *Handler) ListStuck(c *gin.Context) {
	limit, _ := pagination(c)
	list, err := h.payments.ListStuck(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list})
}

type resolveRequest struct {
	Status   string `json:"status" binding:"required"`
	TxRef    string `json:"tx_ref" binding:"required"`
	Operator string `json:"operator" binding:"required"`
}

// ResolvePayment sets a stuck payment to forwarded or refunded with an
// operator-supplied transaction reference.
func (h *Handler) ResolvePayment(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	status := payments.Status(req.Status)
	if !status.Settled() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status",
			"message": "status must be forwarded or refunded"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	logging.FromContext(ctx).Warn("operator resolving stuck payment",
		slog.String("payment_id", id),
		slog.String("status", req.Status),
		slog.String("operator", req.Operator))

	p, err := h.payments.Resolve(ctx, id, status, req.TxRef, req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrPaymentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "payment_not_found"})
		case errors.Is(err, payments.ErrNotStuck):
			c.JSON(http.StatusConflict, gin.H{"error": "payment_not_stuck"})
		case errors.Is(err, payments.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListCallees returns directory entries.
func (h *Handler) ListCallees(c *gin.Context) {
	limit, offset := pagination(c)
	list, err := h.directory.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"callees": list})
}
