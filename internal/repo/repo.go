package repo

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

// PostgresRepository provides typed access to Postgres resources.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	schema string
}

var _ Repository = (*PostgresRepository)(nil)

// New opens a new connection pool to the database with the desired search_path.
func New(ctx context.Context, databaseURL, schema string, logger *slog.Logger) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if schema != "" {
		cfg.ConnConfig.RuntimeParams["search_path"] = schema
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 20 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "repo"),
		schema: schema,
	}

	if err := r.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return r, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Ping ensures the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations applies schema migrations on the connected database.
func (r *PostgresRepository) RunMigrations(ctx context.Context, filesystem fs.FS) error {
	return ApplyMigrations(ctx, r.pool, filesystem)
}

const businessColumns = `id, user_id, name, description, services, working_hours, location, contact_phone,
       whatsapp_phone_number_id, whatsapp_access_token, plan, created_at, updated_at`

// CreateBusiness inserts a business row. A phone number ID already claimed by
// another business yields ErrPhoneNumberIDTaken.
func (r *PostgresRepository) CreateBusiness(ctx context.Context, b Business) (*Business, error) {
	if b.Plan == "" {
		b.Plan = PlanFree
	}
	const q = `
INSERT INTO businesses (user_id, name, description, services, working_hours, location, contact_phone,
                        whatsapp_phone_number_id, whatsapp_access_token, plan)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + businessColumns + `;
`
	row := r.pool.QueryRow(ctx, q,
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
	)
	created, err := scanBusiness(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "businesses_whatsapp_phone_number_id_key" {
			return nil, ErrPhoneNumberIDTaken
		}
		return nil, fmt.Errorf("insert business: %w", err)
	}
	return created, nil
}

// GetBusinessByID returns the business with the given identifier.
func (r *PostgresRepository) GetBusinessByID(ctx context.Context, id int64) (*Business, error) {
	q := `SELECT ` + businessColumns + ` FROM businesses WHERE id = $1 LIMIT 1;`
	b, err := scanBusiness(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get business by id: %w", err)
	}
	return b, nil
}

// GetBusinessByPhoneNumberID looks up the business bound to a WhatsApp channel.
func (r *PostgresRepository) GetBusinessByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Business, error) {
	q := `SELECT ` + businessColumns + ` FROM businesses WHERE whatsapp_phone_number_id = $1 LIMIT 1;`
	b, err := scanBusiness(r.pool.QueryRow(ctx, q, phoneNumberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get business by phone number id: %w", err)
	}
	return b, nil
}

// InsertMessage appends a message to the conversation log.
func (r *PostgresRepository) InsertMessage(ctx context.Context, msg Message) (*Message, error) {
	const q = `
INSERT INTO messages (business_id, customer_phone, direction, message_text, wa_message_id, source)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at;
`
	err := r.pool.QueryRow(ctx, q,
		msg.BusinessID,
		msg.CustomerPhone,
		string(msg.Direction),
		msg.Text,
		msg.WAMessageID,
		string(msg.Source),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &msg, nil
}

// ListRecentMessages returns the latest messages of a business, newest first.
func (r *PostgresRepository) ListRecentMessages(ctx context.Context, businessID int64, limit int) ([]Message, error) {
	const q = `
SELECT id, business_id, customer_phone, direction, message_text, wa_message_id, source, created_at
FROM messages
WHERE business_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, q, businessID, clampLimit(limit))
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

// MessageStatsBetween counts inbound and outbound messages created in [from, to).
func (r *PostgresRepository) MessageStatsBetween(ctx context.Context, businessID int64, from, to time.Time) (MessageStats, error) {
	const q = `
SELECT
    COALESCE(SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END), 0),
    COALESCE(SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END), 0)
FROM messages
WHERE business_id = $1 AND created_at >= $2 AND created_at < $3;
`
	var stats MessageStats
	if err := r.pool.QueryRow(ctx, q, businessID, from, to).Scan(&stats.Inbound, &stats.Outbound); err != nil {
		return MessageStats{}, fmt.Errorf("message stats: %w", err)
	}
	return stats, nil
}

// GetDailyReplies returns the replies counted for a business on a date, 0 when absent.
func (r *PostgresRepository) GetDailyReplies(ctx context.Context, businessID int64, usageDate string) (int, error) {
	const q = `SELECT replies_sent FROM daily_usage WHERE business_id = $1 AND usage_date = $2::date;`
	var count int
	err := r.pool.QueryRow(ctx, q, businessID, usageDate).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get daily replies: %w", err)
	}
	return count, nil
}

// IncrementDailyReplies adds one reply to the counter in a single upsert.
func (r *PostgresRepository) IncrementDailyReplies(ctx context.Context, businessID int64, usageDate string) error {
	const q = `
INSERT INTO daily_usage (business_id, usage_date, replies_sent)
VALUES ($1, $2::date, 1)
ON CONFLICT (business_id, usage_date) DO UPDATE SET
    replies_sent = daily_usage.replies_sent + 1,
    updated_at = NOW();
`
	if _, err := r.pool.Exec(ctx, q, businessID, usageDate); err != nil {
		return fmt.Errorf("increment daily replies: %w", err)
	}
	return nil
}

func scanBusiness(row pgx.Row) (*Business, error) {
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
