package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wa-autoreply/internal/cache"
	"wa-autoreply/internal/metrics"
	"wa-autoreply/internal/quota"
	"wa-autoreply/internal/repo"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds server settings.
type Config struct {
	Addr       string
	BasePath   string
	AdminToken string
}

// Routes is implemented by handlers that mount their own endpoints.
type Routes interface {
	Register(r gin.IRoutes)
}

// Handlers groups optional HTTP handlers to mount.
type Handlers struct {
	WhatsAppWebhook Routes
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Repository     repo.Repository
	Redis          *cache.Redis
	Quota          *quota.Tracker
	FreeDailyLimit int
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
	adminToken string
}

// New creates a new HTTP server with health, metrics, webhook and admin endpoints.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics, handlers Handlers) *Server {
	server := &Server{
		logger:     logger.With("component", "http"),
		metrics:    metricRegistry,
		basePath:   normaliseBasePath(cfg.BasePath),
		adminToken: strings.TrimSpace(cfg.AdminToken),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), server.requestLogger())

	root := engine.Group(server.basePath)
	root.GET("/healthz", healthHandler)
	root.GET("/readyz", server.handleReady)
	root.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if handlers.WhatsAppWebhook != nil {
		handlers.WhatsAppWebhook.Register(root)
	}

	if server.adminToken != "" {
		admin := root.Group("/admin", server.requireAdmin)
		admin.GET("/businesses/:id/usage", server.handleUsage)
		admin.GET("/businesses/:id/messages", server.handleMessages)
	} else {
		server.logger.Info("admin api disabled, ADMIN_API_TOKEN not set")
	}

	server.engine = engine
	server.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// SetDependencies makes dependencies accessible to handlers.
func (s *Server) SetDependencies(deps Dependencies) {
	s.deps = deps
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requireAdmin(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.adminToken)) != 1 {
		s.metrics.Error("http_admin_auth")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if s.deps.Repository == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "repository not configured"})
		return
	}
	if err := s.deps.Repository.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "dependency", "database", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
		return
	}
	if s.deps.Redis != nil {
		if err := s.deps.Redis.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "redis unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) lookupBusiness(c *gin.Context) (*repo.Business, bool) {
	if s.deps.Repository == nil || s.deps.Quota == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependencies unavailable"})
		return nil, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid business id"})
		return nil, false
	}
	business, err := s.deps.Repository.GetBusinessByID(c.Request.Context(), id)
	if err != nil {
		s.metrics.Error("http_admin")
		s.logger.Error("failed loading business", "business_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed loading business"})
		return nil, false
	}
	if business == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "business not found"})
		return nil, false
	}
	return business, true
}

type usageResponse struct {
	BusinessID     int64  `json:"business_id"`
	Plan           string `json:"plan"`
	UsageDate      string `json:"usage_date"`
	RepliesSent    int    `json:"replies_sent"`
	FreeDailyLimit int    `json:"free_daily_limit"`
	Limited        bool   `json:"limited"`
	InboundToday   int    `json:"inbound_today"`
	OutboundToday  int    `json:"outbound_today"`
}

func (s *Server) handleUsage(c *gin.Context) {
	business, ok := s.lookupBusiness(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	day := s.deps.Quota.Today()
	replies, err := s.deps.Quota.Get(ctx, business.ID, day)
	if err != nil {
		s.metrics.Error("http_admin")
		s.logger.Error("failed reading usage", "business_id", business.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed reading usage"})
		return
	}
	from, to, err := quota.DayBounds(day)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.deps.Repository.MessageStatsBetween(ctx, business.ID, from, to)
	if err != nil {
		s.metrics.Error("http_admin")
		s.logger.Error("failed reading message stats", "business_id", business.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed reading message stats"})
		return
	}

	c.JSON(http.StatusOK, usageResponse{
		BusinessID:     business.ID,
		Plan:           string(business.Plan),
		UsageDate:      day,
		RepliesSent:    replies,
		FreeDailyLimit: s.deps.FreeDailyLimit,
		Limited:        business.Plan != repo.PlanPaid && replies >= s.deps.FreeDailyLimit,
		InboundToday:   stats.Inbound,
		OutboundToday:  stats.Outbound,
	})
}

type messageResponse struct {
	ID            int64     `json:"id"`
	CustomerPhone string    `json:"customer_phone"`
	Direction     string    `json:"direction"`
	Text          string    `json:"message_text"`
	WAMessageID   *string   `json:"wa_message_id"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Server) handleMessages(c *gin.Context) {
	business, ok := s.lookupBusiness(c)
	if !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	records, err := s.deps.Repository.ListRecentMessages(c.Request.Context(), business.ID, limit)
	if err != nil {
		s.metrics.Error("http_admin")
		s.logger.Error("failed listing messages", "business_id", business.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed listing messages"})
		return
	}

	out := make([]messageResponse, 0, len(records))
	for _, msg := range records {
		out = append(out, messageResponse{
			ID:            msg.ID,
			CustomerPhone: msg.CustomerPhone,
			Direction:     string(msg.Direction),
			Text:          msg.Text,
			WAMessageID:   msg.WAMessageID,
			Source:        string(msg.Source),
			CreatedAt:     msg.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"business_id": business.ID, "messages": out})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
