package wa

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"wa-autoreply/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxWebhookBody = 1 << 20

// DeliveryProcessor handles the events of one authenticated delivery. It owns
// error handling; nothing it does changes the HTTP acknowledgment.
type DeliveryProcessor interface {
	ProcessDelivery(ctx context.Context, delivery Delivery)
}

// WebhookHandler serves the Cloud API webhook verification and notification
// endpoints.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	appSecret   string
	verifyToken string
	processor   DeliveryProcessor
	now         func() time.Time
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, appSecret, verifyToken string, processor DeliveryProcessor) *WebhookHandler {
	if appSecret == "" {
		logger.Warn("whatsapp app secret not configured, webhook signatures are not verified")
	}
	return &WebhookHandler{
		logger:      logger.With("component", "whatsapp_webhook"),
		metrics:     metricRegistry,
		appSecret:   appSecret,
		verifyToken: verifyToken,
		processor:   processor,
		now:         time.Now,
	}
}

// Verify answers the subscription handshake with the challenge.
func (h *WebhookHandler) Verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken && challenge != "" {
		h.logger.Info("webhook subscription verified")
		c.String(http.StatusOK, "%s", challenge)
		return
	}
	h.logger.Warn("webhook verification rejected", "mode", mode, "token_ok", token != "" && token == h.verifyToken)
	c.Status(http.StatusForbidden)
}

// Receive authenticates a notification and hands its events to the processor.
func (h *WebhookHandler) Receive(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	body, err := c.GetRawData()
	if err != nil {
		// An incomplete body cannot be authenticated.
		h.metrics.Delivery("rejected")
		h.metrics.Error("whatsapp_webhook")
		h.logger.Warn("failed to read webhook body", "error", err)
		c.Status(http.StatusForbidden)
		return
	}

	if !VerifySignature(h.appSecret, c.GetHeader(SignatureHeader), body) {
		h.metrics.Delivery("rejected")
		h.metrics.Error("whatsapp_webhook_auth")
		h.logger.Warn("webhook signature rejected", "remote_addr", c.ClientIP())
		c.Status(http.StatusForbidden)
		return
	}
	h.metrics.Delivery("accepted")

	delivery := Delivery{
		ID:         uuid.NewString(),
		ReceivedAt: h.now(),
	}
	payload, err := ParsePayload(body)
	if err != nil {
		h.metrics.Error("whatsapp_webhook_decode")
		h.logger.Warn("ignoring undecodable webhook payload", "delivery_id", delivery.ID, "error", err)
		c.Status(http.StatusOK)
		return
	}
	delivery.Events = ExtractEvents(payload)

	if h.processor != nil && len(delivery.Events) > 0 {
		h.processor.ProcessDelivery(c.Request.Context(), delivery)
	}
	c.Status(http.StatusOK)
}

// Register mounts the handler's routes on r.
func (h *WebhookHandler) Register(r gin.IRoutes) {
	r.GET("/webhook/whatsapp", h.Verify)
	r.POST("/webhook/whatsapp", h.Receive)
}
