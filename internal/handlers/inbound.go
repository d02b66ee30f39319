package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"wa-autoreply/internal/metrics"
	"wa-autoreply/internal/policy"
	"wa-autoreply/internal/repo"
	"wa-autoreply/internal/wa"
)

// Event outcomes reported in logs and metrics.
const (
	OutcomeReplied        = "replied"
	OutcomeLimited        = "limited"
	OutcomeDispatchFailed = "dispatch_failed"
	OutcomeUnknownTenant  = "unknown_tenant"
	OutcomeError          = "error"
	OutcomePanic          = "panic"
)

// TenantResolver finds the business owning a channel.
type TenantResolver interface {
	Resolve(ctx context.Context, phoneNumberID string) (*repo.Business, bool, error)
}

// MessageStore appends to the conversation log.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg repo.Message) (*repo.Message, error)
}

// QuotaTracker reads and increments daily reply counters.
type QuotaTracker interface {
	Today() string
	Get(ctx context.Context, businessID int64, day string) (int, error)
	Increment(ctx context.Context, businessID int64, day string) error
}

// ReplyPolicy picks the reply for a message.
type ReplyPolicy interface {
	Decide(ctx context.Context, business *repo.Business, usage int, customerText string) policy.Decision
}

// Dispatcher sends a reply to the customer.
type Dispatcher interface {
	SendText(ctx context.Context, req wa.SendTextRequest) (string, error)
}

// InboundProcessor runs every event of a delivery through tenant
// resolution, logging, the reply policy, dispatch and quota accounting.
type InboundProcessor struct {
	tenants    TenantResolver
	store      MessageStore
	quota      QuotaTracker
	policy     ReplyPolicy
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

var _ wa.DeliveryProcessor = (*InboundProcessor)(nil)

// NewInboundProcessor wires the processor.
func NewInboundProcessor(tenants TenantResolver, store MessageStore, quota QuotaTracker, replyPolicy ReplyPolicy, dispatcher Dispatcher, metricRegistry *metrics.Metrics, logger *slog.Logger) *InboundProcessor {
	return &InboundProcessor{
		tenants:    tenants,
		store:      store,
		quota:      quota,
		policy:     replyPolicy,
		dispatcher: dispatcher,
		metrics:    metricRegistry,
		logger:     logger.With("component", "inbound_processor"),
	}
}

// ProcessDelivery handles the events in order. A failing event is logged and
// never stops the ones after it. Work continues if the caller goes away so
// the conversation log stays complete.
func (p *InboundProcessor) ProcessDelivery(ctx context.Context, delivery wa.Delivery) {
	ctx = context.WithoutCancel(ctx)
	logger := p.logger.With("delivery_id", delivery.ID)

	for i, event := range delivery.Events {
		eventLogger := logger.With(
			"event_index", i,
			"phone_number_id", event.PhoneNumberID,
			"wa_message_id", event.WAMessageID,
		)
		outcome, err := p.safeHandle(ctx, event)
		p.metrics.InboundEvent(outcome)
		switch {
		case err != nil:
			p.metrics.Error("inbound_processor")
			eventLogger.Error("failed processing inbound event", "outcome", outcome, "error", err)
		case outcome == OutcomeDispatchFailed:
			eventLogger.Warn("inbound event processed without delivering reply", "outcome", outcome)
		default:
			eventLogger.Info("inbound event processed", "outcome", outcome)
		}
	}
}

func (p *InboundProcessor) safeHandle(ctx context.Context, event wa.InboundEvent) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomePanic
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.HandleEvent(ctx, event)
}

// HandleEvent processes one event and returns its outcome. A dispatch failure
// is an outcome, not an error: the reply is still logged with source system.
func (p *InboundProcessor) HandleEvent(ctx context.Context, event wa.InboundEvent) (string, error) {
	business, found, err := p.tenants.Resolve(ctx, event.PhoneNumberID)
	if err != nil {
		return OutcomeError, err
	}
	if !found {
		return OutcomeUnknownTenant, nil
	}
	businessID := business.ID

	if _, err := p.store.InsertMessage(ctx, repo.Message{
		BusinessID:    &businessID,
		CustomerPhone: event.From,
		Direction:     repo.DirectionInbound,
		Text:          event.Text,
		WAMessageID:   optionalString(event.WAMessageID),
		Source:        repo.SourceCustomer,
	}); err != nil {
		return OutcomeError, fmt.Errorf("persist inbound message: %w", err)
	}

	day := p.quota.Today()
	usage, err := p.quota.Get(ctx, businessID, day)
	if err != nil {
		return OutcomeError, err
	}

	decision := p.policy.Decide(ctx, business, usage, event.Text)
	p.metrics.ReplyDecision(string(decision.Source))

	source := decision.Source
	outcome := OutcomeReplied
	if source == repo.SourceSystemLimit {
		outcome = OutcomeLimited
	}

	outboundID, sendErr := p.dispatcher.SendText(ctx, wa.SendTextRequest{
		AccessToken:   business.WhatsAppAccessToken,
		PhoneNumberID: event.PhoneNumberID,
		To:            event.From,
		Text:          decision.Text,
	})
	if sendErr != nil {
		p.metrics.Error("whatsapp_send")
		p.logger.Warn("failed to send reply", "business_id", businessID, "error", sendErr)
		source = repo.SourceSystem
		outcome = OutcomeDispatchFailed
		outboundID = ""
	}

	var errs []error
	if _, err := p.store.InsertMessage(ctx, repo.Message{
		BusinessID:    &businessID,
		CustomerPhone: event.From,
		Direction:     repo.DirectionOutbound,
		Text:          decision.Text,
		WAMessageID:   optionalString(outboundID),
		Source:        source,
	}); err != nil {
		errs = append(errs, fmt.Errorf("persist outbound message: %w", err))
	}

	// The reply reached the customer, so it counts even if logging it failed.
	if sendErr == nil && decision.QuotaEligible() {
		if err := p.quota.Increment(ctx, businessID, day); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return OutcomeError, errors.Join(errs...)
	}
	return outcome, nil
}

func optionalString(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}
