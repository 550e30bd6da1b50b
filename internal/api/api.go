package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/mailmate/internal/assistant"
	"github.com/xaenox/mailmate/internal/optimizer"
	"github.com/xaenox/mailmate/internal/storage"
	"go.uber.org/zap"
)

// StatsProvider reports background job state for the health endpoint.
type StatsProvider interface {
	Stats() map[string]any
}

// Handler handles HTTP requests
type Handler struct {
	svc       *assistant.Service
	scheduler StatsProvider
	logger    *zap.Logger
}

func NewHandler(svc *assistant.Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// WithScheduler adds the scheduler's stats to the health response.
func (h *Handler) WithScheduler(s StatsProvider) *Handler {
	h.scheduler = s
	return h
}

// NewRouter builds the gin engine with logging, recovery and all routes.
func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.POST("/threads/process", h.ProcessThread)
		api.POST("/feedback", h.StoreFeedback)

		api.GET("/performance", h.CheckPerformance)
		api.POST("/optimize", h.OptimizePrompts)
		api.POST("/scheduled_check", h.ScheduledCheck)
		api.GET("/optimization/history", h.OptimizationHistory)
		api.GET("/users/:email/strategies", h.UserStrategies)
	}

	r.GET("/health", h.HealthCheck)
}

func (h *Handler) ProcessThread(c *gin.Context) {
	var req assistant.ThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.svc.ProcessThread(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, "process thread", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) StoreFeedback(c *gin.Context) {
	var req assistant.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.SubmitFeedback(c.Request.Context(), req); err != nil {
		h.writeError(c, "store feedback", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Feedback stored successfully"})
}

func (h *Handler) CheckPerformance(c *gin.Context) {
	report, err := h.svc.Performance(c.Request.Context(), c.Query("user_email"))
	if err != nil {
		h.writeError(c, "check performance", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type optimizeRequest struct {
	UserEmail string `json:"user_email"`
}

func (h *Handler) OptimizePrompts(c *gin.Context) {
	var req optimizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	h.optimize(c, req.UserEmail, optimizer.TriggerManual)
}

func (h *Handler) ScheduledCheck(c *gin.Context) {
	h.optimize(c, "", optimizer.TriggerScheduled)
}

func (h *Handler) optimize(c *gin.Context, userEmail string, trigger optimizer.Trigger) {
	report, err := h.svc.Optimize(c.Request.Context(), userEmail, trigger)
	if err != nil {
		h.writeError(c, "optimize", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) OptimizationHistory(c *gin.Context) {
	history, err := h.svc.History(c.Request.Context(), c.Query("user_email"))
	if err != nil {
		h.writeError(c, "optimization history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) UserStrategies(c *gin.Context) {
	email := c.Param("email")
	policy, err := h.svc.UserStrategies(c.Request.Context(), email)
	if err != nil {
		h.writeError(c, "user strategies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_email":   email,
		"strategies":   policy.Strategies,
		"last_updated": policy.LastUpdated,
	})
}

func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{"status": "healthy", "timestamp": time.Now().UTC()}
	if h.scheduler != nil {
		resp["scheduler"] = h.scheduler.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, op string, err error) {
	var ve *assistant.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
	default:
		h.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
