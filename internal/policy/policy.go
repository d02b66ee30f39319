// Package policy decides what the service replies to a customer message.
package policy

import (
	"context"
	"strings"

	"wa-autoreply/internal/nlu"
	"wa-autoreply/internal/repo"
)

const (
	// DefaultFreeDailyLimit is the number of automated replies a free business
	// receives per day.
	DefaultFreeDailyLimit = 30
	// DefaultLimitMessage is sent instead of a generated reply once the free
	// limit is reached.
	DefaultLimitMessage = "Please contact the business owner for more information."
)

// Generator produces reply text. Implementations never fail.
type Generator interface {
	GenerateReply(ctx context.Context, profile nlu.BusinessProfile, customerText string) string
}

// Decision is the reply text and the origin recorded with it.
type Decision struct {
	Text   string
	Source repo.Source
}

// QuotaEligible reports whether a successful dispatch of this decision counts
// against the daily quota.
func (d Decision) QuotaEligible() bool {
	return d.Source == repo.SourceAI
}

// Config tunes the policy.
type Config struct {
	FreeDailyLimit int
	LimitMessage   string
}

// Policy applies the plan limits and delegates to the generator.
type Policy struct {
	generator    Generator
	limit        int
	limitMessage string
}

// New creates a policy. Zero config values fall back to the defaults.
func New(generator Generator, cfg Config) *Policy {
	p := &Policy{
		generator:    generator,
		limit:        cfg.FreeDailyLimit,
		limitMessage: strings.TrimSpace(cfg.LimitMessage),
	}
	if p.limit <= 0 {
		p.limit = DefaultFreeDailyLimit
	}
	if p.limitMessage == "" {
		p.limitMessage = DefaultLimitMessage
	}
	return p
}

// Limit returns the free daily limit in effect.
func (p *Policy) Limit() int {
	return p.limit
}

// Decide picks the reply for customerText given today's usage. A free
// business at or above the limit gets the fixed limit text and the generator
// is not consulted. Paid businesses are never limited.
func (p *Policy) Decide(ctx context.Context, business *repo.Business, usage int, customerText string) Decision {
	if business.Plan != repo.PlanPaid && usage >= p.limit {
		return Decision{Text: p.limitMessage, Source: repo.SourceSystemLimit}
	}
	return Decision{
		Text:   p.generator.GenerateReply(ctx, ProfileFromBusiness(business), customerText),
		Source: repo.SourceAI,
	}
}

// ProfileFromBusiness copies the reply-relevant fields of a business.
func ProfileFromBusiness(b *repo.Business) nlu.BusinessProfile {
	return nlu.BusinessProfile{
		Name:         b.Name,
		Description:  b.Description,
		Services:     b.Services,
		WorkingHours: b.WorkingHours,
		Location:     b.Location,
		ContactPhone: b.ContactPhone,
	}
}
