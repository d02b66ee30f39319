package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// -- Businesses --

func (r *SQLiteRepository) CreateBusiness(ctx context.Context, b Business) (*Business, error) {
	if b.Plan == "" {
		b.Plan = PlanFree
	}
	const q = `
INSERT INTO businesses (user_id, name, description, services, working_hours, location, contact_phone,
                        whatsapp_phone_number_id, whatsapp_access_token, plan)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	var id int64
	err := r.db.QueryRowContext(ctx, q,
		b.UserID,
		b.Name,
		b.Description,
		b.Services,
		b.WorkingHours,
		b.Location,
		b.ContactPhone,
		b.WhatsAppPhoneNumberID,
		b.WhatsAppAccessToken,
		string(b.Plan),
	).Scan(&id)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: businesses.whatsapp_phone_number_id") {
			return nil, ErrPhoneNumberIDTaken
		}
		return nil, fmt.Errorf("insert business: %w", err)
	}
	// RETURNING drops column declared types, so timestamps are read back through a SELECT.
	return r.GetBusinessByID(ctx, id)
}

func (r *SQLiteRepository) GetBusinessByID(ctx context.Context, id int64) (*Business, error) {
	q := `SELECT ` + businessColumns + ` FROM businesses WHERE id = ? LIMIT 1;`
	b, err := scanSQLiteBusiness(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get business by id: %w", err)
	}
	return b, nil
}

func (r *SQLiteRepository) GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Business, error) {
	q := `SELECT ` + businessColumns + ` FROM businesses WHERE whatsapp_phone_number_id = ? LIMIT 1;`
	b, err := scanSQLiteBusiness(r.db.QueryRowContext(ctx, q, phoneNumberID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get business by phone number id: %w", err)
	}
	return b, nil
}

// -- Messages --

func (r *SQLiteRepository) InsertMessage(ctx context.Context, msg Message) (*Message, error) {
	// created_at is written from Go so range queries compare values of one format.
	msg.CreatedAt = time.Now().UTC()
	const q = `
INSERT INTO messages (business_id, customer_phone, direction, message_text, wa_message_id, source, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`
	err := r.db.QueryRowContext(ctx, q,
		msg.BusinessID,
		msg.CustomerPhone,
		string(msg.Direction),
		msg.Text,
		msg.WAMessageID,
		string(msg.Source),
		msg.CreatedAt,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

func (r *SQLiteRepository) ListRecentMessages(ctx context.Context, businessID int64, limit int) ([]Message, error) {
	const q = `
SELECT id, business_id, customer_phone, direction, message_text, wa_message_id, source, created_at
FROM messages
WHERE business_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?;
`
	rows, err := r.db.QueryContext(ctx, q, businessID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	records := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var direction, source string
		if err := rows.Scan(&msg.ID, &msg.BusinessID, &msg.CustomerPhone, &direction, &msg.Text, &msg.WAMessageID, &source, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		msg.Direction = Direction(direction)
		msg.Source = Source(source)
		records = append(records, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent messages: %w", err)
	}
	return records, nil
}

func (r *SQLiteRepository) MessageStatsBetween(ctx context.Context, businessID int64, from, to time.Time) (MessageStats, error) {
	const q = `
SELECT
    COALESCE(SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END), 0)
FROM messages
WHERE business_id = ? AND created_at >= ? AND created_at < ?;
`
	var stats MessageStats
	if err := r.db.QueryRowContext(ctx, q, businessID, from.UTC(), to.UTC()).Scan(&stats.Inbound, &stats.Outbound); err != nil {
		return MessageStats{}, fmt.Errorf("message stats: %w", err)
	}
	return stats, nil
}

// -- Daily usage --

func (r *SQLiteRepository) GetDailyReplies(ctx context.Context, businessID int64, usageDate string) (int, error) {
	const q = `SELECT replies_sent FROM daily_usage WHERE business_id = ? AND usage_date = ?;`
	var count int
	if err := r.db.QueryRowContext(ctx, q, businessID, usageDate).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get daily replies: %w", err)
	}
	return count, nil
}

func (r *SQLiteRepository) IncrementDailyReplies(ctx context.Context, businessID int64, usageDate string) error {
	const q = `
INSERT INTO daily_usage (business_id, usage_date, replies_sent)
VALUES (?, ?, 1)
ON CONFLICT (business_id, usage_date) DO UPDATE SET
    replies_sent = replies_sent + 1,
    updated_at = CURRENT_TIMESTAMP;
`
	if _, err := r.db.ExecContext(ctx, q, businessID, usageDate); err != nil {
		return fmt.Errorf("increment daily replies: %w", err)
	}
	return nil
}

func scanSQLiteBusiness(row *sql.Row) (*Business, error) {
	var b Business
	var plan string
	if err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.Name,
		&b.Description,
		&b.Services,
		&b.WorkingHours,
		&b.Location,
		&b.ContactPhone,
		&b.WhatsAppPhoneNumberID,
		&b.WhatsAppAccessToken,
		&plan,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Plan = Plan(plan)
	return &b, nil
}
