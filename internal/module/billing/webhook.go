package billing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/quizmith/server/internal/shared/metrics"
)

// WebhookHandler receives gateway events. Payloads are treated as
// triggers only: each handled event re-fetches the subscription from
// the gateway and reconciles local state against that, so stale or
// out-of-order deliveries cannot corrupt the mirror.
type WebhookHandler struct {
	service *Service
	gateway SubscriptionGateway
	repo    Repository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewWebhookHandler creates the billing webhook handler.
func NewWebhookHandler(service *Service, gateway SubscriptionGateway, repo Repository, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: service,
		gateway: gateway,
		repo:    repo,
		metrics: m,
		logger:  logger,
	}
}

// RegisterRoutes registers the webhook routes.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing", h.HandleBillingWebhook)
}

// HandleBillingWebhook verifies, dedupes and processes a gateway event.
func (h *WebhookHandler) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		h.logger.Warn("invalid webhook signature", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	ctx := c.Request.Context()
	eventType := string(event.Type)

	exists, err := h.repo.WebhookEventExists(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to check webhook event", zap.Error(err))
		// Keep going; reprocessing is safe because handlers reconcile
		// against the authoritative state.
	}
	if exists {
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}

	if err := h.repo.RecordWebhookEvent(ctx, event.ID, eventType, string(payload)); err != nil {
		h.logger.Error("failed to record webhook event", zap.Error(err))
	}

	if err := h.process(ctx, &event); err != nil {
		h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		h.logger.Error("webhook processing failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", eventType),
			zap.Error(err))
		// 500 asks the gateway to redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	h.metrics.WebhookEventsTotal.WithLabelValues(eventType, "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

func (h *WebhookHandler) process(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed":
		return h.resyncSubscription(ctx, event)
	case "invoice.payment_failed", "invoice.paid":
		return h.resyncFromInvoice(ctx, event)
	case "subscription_schedule.canceled", "subscription_schedule.released":
		return h.resyncFromSchedule(ctx, event)
	default:
		h.logger.Debug("ignoring webhook event", zap.String("event_type", string(event.Type)))
		return nil
	}
}

// resyncSubscription uses the event only to learn which subscription
// moved, then fetches and reconciles. Deletion events cannot be
// re-fetched meaningfully, so their payload is mapped directly.
func (h *WebhookHandler) resyncSubscription(ctx context.Context, event *stripe.Event) error {
	var raw stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &raw); err != nil {
		return err
	}

	if event.Type == "customer.subscription.deleted" {
		sub, err := mapSubscription(&raw)
		if err != nil {
			return err
		}
		sub.Status = StatusCanceled
		return h.service.SyncSubscription(ctx, sub)
	}

	sub, err := h.gateway.FetchSubscription(ctx, raw.ID)
	if err != nil {
		return err
	}
	return h.service.SyncSubscription(ctx, sub)
}

func (h *WebhookHandler) resyncFromInvoice(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return err
	}
	if invoice.Subscription == nil || invoice.Subscription.ID == "" {
		return nil
	}
	sub, err := h.gateway.FetchSubscription(ctx, invoice.Subscription.ID)
	if err != nil {
		return err
	}
	return h.service.SyncSubscription(ctx, sub)
}

func (h *WebhookHandler) resyncFromSchedule(ctx context.Context, event *stripe.Event) error {
	var schedule stripe.SubscriptionSchedule
	if err := json.Unmarshal(event.Data.Raw, &schedule); err != nil {
		return err
	}
	if schedule.Subscription == nil || schedule.Subscription.ID == "" {
		return nil
	}
	sub, err := h.gateway.FetchSubscription(ctx, schedule.Subscription.ID)
	if err != nil {
		return err
	}
	return h.service.SyncSubscription(ctx, sub)
}
