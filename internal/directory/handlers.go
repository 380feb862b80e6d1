package directory

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the callee registry endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a directory handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts signup and lookup.
func (h *Handler) RegisterPublicRoutes(r gin.IRoutes) {
	r.POST("/v1/callees", h.Register)
	r.GET("/v1/callees/:id", h.Get)
}

// RegisterAdminRoutes mounts the mutation endpoint. The caller wraps it
// in operator authentication.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.PATCH("/v1/callees/:id", h.Update)
}

type registerRequest struct {
	DisplayName          string `json:"display_name"`
	PhoneNumber          string `json:"phone_number" binding:"required"`
	PayoutAddress        string `json:"payout_address" binding:"required"`
	PriceUSDC            string `json:"price_usdc" binding:"required"`
	RequiresVerification bool   `json:"requires_verification"`
}

// Register creates a callee entry and returns its routing id. The phone
// number is accepted here and never returned by any endpoint.
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, err := h.svc.Register(c.Request.Context(), RegisterParams{
		DisplayName:          req.DisplayName,
		PhoneNumber:          req.PhoneNumber,
		PayoutAddress:        req.PayoutAddress,
		PriceUSDC:            req.PriceUSDC,
		RequiresVerification: req.RequiresVerification,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidPhone):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone_number"})
		case errors.Is(err, ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payout_address"})
		case errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusCreated, entry)
}

// Get returns a callee's public profile.
func (h *Handler) Get(c *gin.Context) {
	entry, err := h.svc.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrEntryDeactivated):
			c.JSON(http.StatusGone, gin.H{"error": "callee_deactivated"})
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "callee_not_found"})
		}
		return
	}

	c.JSON(http.StatusOK, entry)
}

type updateRequest struct {
	DisplayName          *string `json:"display_name"`
	PayoutAddress        *string `json:"payout_address"`
	PriceUSDC            *string `json:"price_usdc"`
	RequiresVerification *bool   `json:"requires_verification"`
	Active               *bool   `json:"active"`
}

// Update applies partial changes to a callee entry.
func (h *Handler) Update(c *gin.Context) {
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, err := h.svc.Update(c.Request.Context(), c.Param("id"), UpdateParams{
		DisplayName:          req.DisplayName,
		PayoutAddress:        req.PayoutAddress,
		PriceUSDC:            req.PriceUSDC,
		RequiresVerification: req.RequiresVerification,
		Active:               req.Active,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "callee_not_found"})
		case errors.Is(err, ErrInvalidAddress), errors.Is(err, ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, entry)
}
