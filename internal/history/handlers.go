package history

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/defiagents/internal/chain"
)

// Handler provides HTTP endpoints for risk histories.
type Handler struct {
	synth *Synthesizer
}

// NewHandler creates a new history handler.
func NewHandler(synth *Synthesizer) *Handler {
	return &Handler{synth: synth}
}

// RegisterRoutes sets up risk history routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:address/risk-history", h.GetRiskHistory)
}

// GetRiskHistory handles GET /v1/wallets/:address/risk-history
func (h *Handler) GetRiskHistory(c *gin.Context) {
	address := c.Param("address")
	if _, err := chain.ParseAddress(address); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "Address must be a 0x-prefixed 20-byte hex string",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": h.synth.History(c.Request.Context(), address)})
}
