package repo

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

// ErrPhoneNumberIDTaken is returned when a WhatsApp phone number ID is already
// bound to another business.
var ErrPhoneNumberIDTaken = errors.New("whatsapp phone number id already in use")

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Businesses
	CreateBusiness(ctx context.Context, b Business) (*Business, error)
	// GetBusinessByID returns nil, nil when no business matches.
	GetBusinessByID(ctx context.Context, id int64) (*Business, error)
	// GetBusinessByPhoneNumberID returns nil, nil when no business matches.
	GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Business, error)

	// Messages
	InsertMessage(ctx context.Context, msg Message) (*Message, error)
	ListRecentMessages(ctx context.Context, businessID int64, limit int) ([]Message, error)
	MessageStatsBetween(ctx context.Context, businessID int64, from, to time.Time) (MessageStats, error)

	// Daily usage
	GetDailyReplies(ctx context.Context, businessID int64, usageDate string) (int, error)
	IncrementDailyReplies(ctx context.Context, businessID int64, usageDate string) error
}

const (
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultMessageLimit
	}
	if limit > maxMessageLimit {
		return maxMessageLimit
	}
	return limit
}
