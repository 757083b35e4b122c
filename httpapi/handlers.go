// Package httpapi exposes the gateway's HTTP surface with gin: payout intake,
// transaction/balance/history reads, the realtime websocket endpoint, health
// probes, and redis-backed rate limiting.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
	"github.com/swiftpay/payout/ws"
)

// payoutRequest is the POST /api/payout body.
type payoutRequest struct {
	UserID      string          `json:"user_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Currency    payout.Currency `json:"currency"`
	Description string          `json:"description"`
}

// Server holds the gateway's HTTP handlers.
type Server struct {
	intake   *payout.IntakeService
	registry *ws.Registry
	health   *HealthChecker
	log      *zap.Logger
}

// NewServer creates the handler set.
func NewServer(intake *payout.IntakeService, registry *ws.Registry, health *HealthChecker, log *zap.Logger) *Server {
	return &Server{intake: intake, registry: registry, health: health, log: log.Named("http")}
}

// Router builds the gin engine with rate limiting applied to the payout API.
func (s *Server) Router(limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/health/detailed", s.handleHealthDetailed)
	r.GET("/api/health/ready", s.handleReady)
	r.GET("/api/health/live", s.handleLive)

	api := r.Group("/api/payout")
	if limiter != nil {
		api.Use(limiter.Middleware())
	}
	api.POST("", s.handleInitiate)
	api.GET("/:tx", s.handleGetTransaction)
	api.GET("/user/:uid/balance", s.handleGetBalance)
	api.GET("/user/:uid/history", s.handleHistory)

	r.GET("/ws/:uid", s.handleWebsocket)
	return r
}

func (s *Server) handleInitiate(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, payout.NewPayoutError(payout.ErrCodeValidation, err.Error(), nil))
		return
	}
	result, err := s.intake.InitiatePayout(c.Request.Context(), &payout.IntakeRequest{
		UserID:      req.UserID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		Metadata: payout.RequestMetadata{
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			Source:    "api",
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success":        true,
		"transaction_id": result.TransactionID,
		"status":         result.Status,
		"amount":         result.Amount,
		"currency":       result.Currency,
		"message":        "payout initiated",
	})
}

func (s *Server) handleGetTransaction(c *gin.Context) {
	tx, err := s.intake.GetTransaction(c.Request.Context(), c.Param("tx"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "transaction": tx})
}

func (s *Server) handleGetBalance(c *gin.Context) {
	uid := c.Param("uid")
	bal, currency, err := s.intake.GetBalance(c.Request.Context(), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"user_id":  uid,
		"balance":  bal,
		"currency": currency,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	var limit int64
	if v, ok := c.GetQuery("limit"); ok {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit = parsed
		}
	}
	txs, err := s.intake.History(c.Request.Context(), c.Param("uid"),
		payout.TransactionStatus(c.Query("status")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"count":        len(txs),
		"transactions": txs,
	})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	uid := c.Param("uid")
	if err := s.registry.HandleConnect(c.Writer, c.Request, uid); err != nil {
		s.log.Warn("websocket upgrade failed", zap.String("user_id", uid), zap.Error(err))
	}
}

// respondError maps the taxonomy onto the error envelope. Unclassified errors
// surface as INTERNAL_ERROR without leaking internals.
func respondError(c *gin.Context, err error) {
	pe := payout.AsPayoutError(err)
	body := gin.H{"success": false, "error": pe.Message, "code": pe.Code}
	if pe.Details != nil {
		body["details"] = pe.Details
	}
	if pe.Code == payout.ErrCodeInternal {
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(pe.HTTPStatus(), body)
}

// requestLogger logs one line per request, skipping health probes.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if isHealthPath(c.Request.URL.Path) {
			return
		}
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()))
	}
}
