package agents

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for agents.
type Handler struct {
	service *Service
}

// NewHandler creates a new agents handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/types", h.ListTypes)

	g := r.Group("/wallets/:address/agents/:type")
	g.GET("/settings", h.GetSettings)
	g.PUT("/settings", h.UpdateSettings)
	g.GET("/state", h.GetState)
	g.POST("/toggle", h.Toggle)
	g.POST("/reconcile", h.Reconcile)
	g.GET("/actions", h.ListActions)
	g.POST("/actions", h.RunAction)
	g.GET("/analytics", h.GetAnalytics)
	g.GET("/transactions", h.ListTransactions)

	r.GET("/wallets/:address/positions", h.GetPositions)
}

// ListTypes handles GET /v1/agents/types
func (h *Handler) ListTypes(c *gin.Context) {
	types := Types()
	defaults := make(map[Type]Settings, len(types))
	for _, t := range types {
		defaults[t] = DefaultSettings(t)
	}
	c.JSON(http.StatusOK, gin.H{"types": types, "defaults": defaults})
}

// GetSettings handles GET /v1/wallets/:address/agents/:type/settings
func (h *Handler) GetSettings(c *gin.Context) {
	s, err := h.service.GetSettings(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// UpdateSettings handles PUT /v1/wallets/:address/agents/:type/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var patch SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	s, err := h.service.UpdateSettings(c.Request.Context(), c.Param("address"), c.Param("type"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// GetState handles GET /v1/wallets/:address/agents/:type/state
func (h *Handler) GetState(c *gin.Context) {
	st, err := h.service.State(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

// Toggle handles POST /v1/wallets/:address/agents/:type/toggle
func (h *Handler) Toggle(c *gin.Context) {
	s, err := h.service.ToggleActive(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"settings": s, "confirmed": false})
}

// Reconcile handles POST /v1/wallets/:address/agents/:type/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rolledBack, err := h.service.Reconcile(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := h.service.State(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_back": rolledBack, "state": st})
}

// ListActions handles GET /v1/wallets/:address/agents/:type/actions
func (h *Handler) ListActions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultActionLimit)))
	actions, err := h.service.ListActions(c.Request.Context(), c.Param("address"), c.Param("type"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

// RunAction handles POST /v1/wallets/:address/agents/:type/actions
func (h *Handler) RunAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	a, err := h.service.RunAction(c.Request.Context(), c.Param("address"), c.Param("type"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": a})
}

// GetAnalytics handles GET /v1/wallets/:address/agents/:type/analytics
func (h *Handler) GetAnalytics(c *gin.Context) {
	a, err := h.service.Analytics(c.Request.Context(), c.Param("address"), c.Param("type"), c.Query("refresh") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"analytics": a})
}

// ListTransactions handles GET /v1/wallets/:address/agents/:type/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.service.Transactions(c.Request.Context(), c.Param("address"), c.Param("type"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// GetPositions handles GET /v1/wallets/:address/positions
func (h *Handler) GetPositions(c *gin.Context) {
	ps, err := h.service.Positions(c.Request.Context(), c.Param("address"), c.Query("refresh") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": ps})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrInvalidAddress):
		status, code = http.StatusBadRequest, "invalid_address"
	case errors.Is(err, ErrUnknownAgentType):
		status, code = http.StatusNotFound, "unknown_agent_type"
	case errors.Is(err, ErrInvalidSettings), errors.Is(err, ErrInvalidAction):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrAgentInactive):
		status, code = http.StatusConflict, "agent_inactive"
	case errors.Is(err, ErrUnsupportedNetwork):
		status, code = http.StatusConflict, "unsupported_network"
	case errors.Is(err, ErrGasTooHigh):
		status, code = http.StatusConflict, "gas_too_high"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
