package repo

import "time"

// Plan is the billing plan of a business.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPaid Plan = "paid"
)

// Direction tells whether a message came from the customer or was sent to them.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Source tags the origin of a logged message.
type Source string

const (
	// SourceCustomer marks messages written by the customer.
	SourceCustomer Source = "customer"
	// SourceAI marks generated replies that were delivered.
	SourceAI Source = "ai"
	// SourceSystemLimit marks the fixed reply sent once the free quota is used up.
	SourceSystemLimit Source = "system_limit"
	// SourceSystem marks replies whose delivery failed.
	SourceSystem Source = "system"
)

// Business represents the businesses table row. Each business is a tenant
// owning one WhatsApp channel.
type Business struct {
	ID                    int64
	UserID                int64
	Name                  string
	Description           string
	Services              string
	WorkingHours          string
	Location              string
	ContactPhone          string
	WhatsAppPhoneNumberID *string
	WhatsAppAccessToken   string
	Plan                  Plan
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// PhoneNumberID returns the configured channel identifier or an empty string.
func (b *Business) PhoneNumberID() string {
	if b == nil || b.WhatsAppPhoneNumberID == nil {
		return ""
	}
	return *b.WhatsAppPhoneNumberID
}

// Message is a single row of the append-only conversation log.
type Message struct {
	ID            int64
	BusinessID    *int64
	CustomerPhone string
	Direction     Direction
	Text          string
	WAMessageID   *string
	Source        Source
	CreatedAt     time.Time
}

// MessageStats aggregates message counts for a business over a time range.
type MessageStats struct {
	Inbound  int
	Outbound int
}
