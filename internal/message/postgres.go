package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/wayfare/internal/tracing"
)

const messageColumns = `id, sender_id, receiver_id, content, created_at, is_read`

// PostgresRepository implements Repository on the messages table.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// Insert stores the message unread.
func (r *PostgresRepository) Insert(ctx context.Context, msg *Message) (err error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.IsRead = false

	ctx, end := tracing.StartDBSpan(ctx, "messages", tracing.DBOperationInsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO messages (id, sender_id, receiver_id, content, created_at, is_read)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`
	if _, err = r.db.ExecContext(ctx, query, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt); err != nil {
		r.logger.Error("failed to insert message",
			slog.String("error", err.Error()),
			slog.String("sender_id", msg.SenderID))
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// Get returns one message.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// Conversation returns the latest limit messages of the pair, oldest first.
func (r *PostgresRepository) Conversation(ctx context.Context, a, b string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = DefaultConversationLimit
	}
	query := `
		SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + `
			FROM messages
			WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC
	`
	return r.query(ctx, query, a, b, limit)
}

// ListUnread returns unread messages addressed to receiver, newest first.
func (r *PostgresRepository) ListUnread(ctx context.Context, receiver string) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE receiver_id = $1 AND NOT is_read
		ORDER BY created_at DESC, id ASC
	`
	return r.query(ctx, query, receiver)
}

// MarkRead sets is_read.
func (r *PostgresRepository) MarkRead(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	result, err := r.db.ExecContext(ctx, `UPDATE messages SET is_read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...any) (_ []*Message, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "messages", tracing.DBOperationQuery)
	defer func() { end(err) }()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	result := make([]*Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.CreatedAt, &msg.IsRead); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}
