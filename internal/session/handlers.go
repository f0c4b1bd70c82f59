package session

import (
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/wallet"
)

// Handler provides HTTP endpoints for the wallet session.
type Handler struct {
	manager *Manager
	prompts *wallet.PromptQueue
}

// NewHandler creates a new session handler. prompts may be nil when the
// wallet approves prompts on its own.
func NewHandler(manager *Manager, prompts *wallet.PromptQueue) *Handler {
	return &Handler{manager: manager, prompts: prompts}
}

// RegisterRoutes sets up session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/session", h.GetSession)
	r.POST("/session/connect", h.Connect)
	r.POST("/session/disconnect", h.Disconnect)
	r.POST("/session/reconnect", h.Reconnect)
	r.POST("/session/transactions", h.SendTransaction)
	if h.prompts != nil {
		r.GET("/session/prompts", h.ListPrompts)
		r.POST("/session/prompts/:id", h.ResolvePrompt)
	}
}

func (h *Handler) sessionBody() gin.H {
	body := gin.H{"state": h.manager.State(), "session": nil}
	if s := h.manager.Current(); s != nil {
		body["session"] = s
		body["explorerUrl"] = s.ExplorerURL()
	}
	return body
}

// GetSession handles GET /v1/session
func (h *Handler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionBody())
}

type connectRequest struct {
	WalletType wallet.Kind `json:"walletType"`
}

// Connect handles POST /v1/session/connect
func (h *Handler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.WalletType == "" {
		req.WalletType = wallet.KindInjected
	}

	if _, err := h.manager.Connect(c.Request.Context(), req.WalletType); err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.sessionBody())
}

// Disconnect handles POST /v1/session/disconnect
func (h *Handler) Disconnect(c *gin.Context) {
	h.manager.Disconnect(c.Request.Context())
	c.JSON(http.StatusOK, h.sessionBody())
}

// Reconnect handles POST /v1/session/reconnect
func (h *Handler) Reconnect(c *gin.Context) {
	if _, err := h.manager.Reconnect(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "reconnect_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, h.sessionBody())
}

type sendRequest struct {
	To    string `json:"to" binding:"required"`
	Value string `json:"value"` // ETH
	Data  string `json:"data"`  // 0x-prefixed hex
}

// SendTransaction handles POST /v1/session/transactions
func (h *Handler) SendTransaction(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !common.IsHexAddress(req.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "to must be a hex address"})
		return
	}
	tx := wallet.TxRequest{To: common.HexToAddress(req.To)}
	if req.Value != "" {
		wei, err := chain.ParseEther(req.Value)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		tx.Value = wei
	}
	if req.Data != "" {
		data, err := hexutil.Decode(req.Data)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_data", "message": err.Error()})
			return
		}
		tx.Data = data
	}

	res, err := h.manager.SendTransaction(c.Request.Context(), tx)
	if err != nil {
		status, code := errorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	chainID := int64(0)
	if s := h.manager.Current(); s != nil {
		chainID = s.ChainID
	}
	c.JSON(http.StatusAccepted, gin.H{
		"txHash":      res.Hash.Hex(),
		"from":        res.From.Hex(),
		"to":          res.To.Hex(),
		"nonce":       res.Nonce,
		"explorerUrl": chain.ExplorerURL(chainID, chain.LinkTx, res.Hash.Hex()),
	})
}

// ListPrompts handles GET /v1/session/prompts
func (h *Handler) ListPrompts(c *gin.Context) {
	prompts := h.prompts.Pending()
	c.JSON(http.StatusOK, gin.H{"prompts": prompts, "count": len(prompts)})
}

type resolveRequest struct {
	Approved bool `json:"approved"`
}

// ResolvePrompt handles POST /v1/session/prompts/:id
func (h *Handler) ResolvePrompt(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !h.prompts.Resolve(c.Param("id"), req.Approved) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No pending prompt with this id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true, "approved": req.Approved})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrComingSoon):
		return http.StatusNotImplemented, "coming_soon"
	case errors.Is(err, ErrUnknownWallet):
		return http.StatusBadRequest, "unknown_wallet"
	case errors.Is(err, ErrNoProvider):
		return http.StatusPreconditionFailed, "wallet_not_installed"
	case errors.Is(err, ErrUserRejected):
		return http.StatusForbidden, "user_rejected"
	case errors.Is(err, ErrConnectInProgress):
		return http.StatusConflict, "connect_in_progress"
	case errors.Is(err, ErrNotConnected):
		return http.StatusConflict, "not_connected"
	case errors.Is(err, ErrUnsupportedNetwork):
		return http.StatusUnprocessableEntity, "unsupported_network"
	case errors.Is(err, ErrTransactionFailed):
		return http.StatusBadGateway, "transaction_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
