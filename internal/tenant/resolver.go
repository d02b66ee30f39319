package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wa-autoreply/internal/repo"
)

// Lookup finds a business by its WhatsApp phone number ID, returning nil, nil
// when none is bound to it.
type Lookup interface {
	GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*repo.Business, error)
}

// Resolver maps provider channel identifiers to the owning business.
type Resolver struct {
	lookup Lookup
	logger *slog.Logger
}

// NewResolver creates a resolver on top of lookup.
func NewResolver(lookup Lookup, logger *slog.Logger) *Resolver {
	return &Resolver{
		lookup: lookup,
		logger: logger.With("component", "tenant"),
	}
}

// Resolve performs a single lookup. A channel bound to no business reports
// found=false without an error.
func (r *Resolver) Resolve(ctx context.Context, phoneNumberID string) (*repo.Business, bool, error) {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return nil, false, nil
	}
	business, err := r.lookup.GetBusinessByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve tenant %s: %w", phoneNumberID, err)
	}
	if business == nil {
		r.logger.Debug("no business bound to phone number id", "phone_number_id", phoneNumberID)
		return nil, false, nil
	}
	return business, true, nil
}
