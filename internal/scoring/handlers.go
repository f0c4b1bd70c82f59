package scoring

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for credit scores.
type Handler struct {
	service *Service
}

// NewHandler creates a new scoring handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up credit score routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/credit-score", h.GetCreditScore)
}

// GetCreditScore handles GET /v1/wallets/:address/credit-score
func (h *Handler) GetCreditScore(c *gin.Context) {
	refresh := c.Query("refresh") == "true"

	cs, err := h.service.Get(c.Request.Context(), c.Param("address"), refresh)
	if err != nil {
		if errors.Is(err, ErrInvalidAddress) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "Address must be a 0x-prefixed 20-byte hex string",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"credit_score": cs})
}
