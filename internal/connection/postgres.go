package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/wayfare/internal/tracing"
)

// pqUniqueViolation is the Postgres error code for unique constraint violations.
const pqUniqueViolation = "23505"

const requestColumns = `id, sender_id, receiver_id, status, reason, created_at, updated_at`

// PostgresRepository implements Repository on the connection_requests table.
// Create serializes per unordered pair with a transaction-scoped advisory
// lock; the partial unique index on live pairs backs it up.
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

// pairKey is the same for (a, b) and (b, a).
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findBetween(ctx context.Context, q queryer, a, b string) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM connection_requests
		WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at DESC, id ASC
	`
	return queryRequests(ctx, q, query, a, b)
}

// Create inserts a pending request after checking the pair under lock.
func (r *PostgresRepository) Create(ctx context.Context, req *Request, policy CreatePolicy) (err error) {
	ctx, end := tracing.StartDBSpan(ctx, "connection_requests", tracing.DBOperationInsert)
	defer func() { end(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey(req.SenderID, req.ReceiverID)); err != nil {
		return fmt.Errorf("failed to lock pair: %w", err)
	}

	existing, err := findBetween(ctx, tx, req.SenderID, req.ReceiverID)
	if err != nil {
		return err
	}
	if err = checkExisting(existing, policy); err != nil {
		return err
	}

	req.ID = uuid.New().String()
	req.Status = StatusPending
	query := `
		INSERT INTO connection_requests (id, sender_id, receiver_id, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()), COALESCE($6, NOW()))
		RETURNING created_at, updated_at
	`
	var createdAt sql.NullTime
	if !req.CreatedAt.IsZero() {
		createdAt = sql.NullTime{Time: req.CreatedAt, Valid: true}
	}
	err = tx.QueryRowContext(ctx, query,
		req.ID, req.SenderID, req.ReceiverID, req.Status, req.Reason, createdAt,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrRequestAlreadySent
		}
		r.logger.Error("failed to insert connection request",
			slog.String("error", err.Error()),
			slog.String("sender_id", req.SenderID),
			slog.String("receiver_id", req.ReceiverID))
		return fmt.Errorf("failed to insert connection request: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit connection request: %w", err)
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return nil
}

// Resolve is a compare-and-set from pending. When nothing matches the
// current row is loaded to report why.
func (r *PostgresRepository) Resolve(ctx context.Context, id, actingUser string, status Status) (_ *Request, err error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	ctx, end := tracing.StartDBSpan(ctx, "connection_requests", tracing.DBOperationUpdate)
	defer func() { end(err) }()

	query := `
		UPDATE connection_requests
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND receiver_id = $2 AND status = 'pending'
		RETURNING ` + requestColumns
	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id, actingUser, status))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve connection request: %w", err)
	}

	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkRespond(current, actingUser); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyResolved
}

// Get returns one request.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Request, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `SELECT ` + requestColumns + ` FROM connection_requests WHERE id = $1`
	req, err := scanRequest(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection request: %w", err)
	}
	return req, nil
}

// FindBetween returns the pair's requests, newest first.
func (r *PostgresRepository) FindBetween(ctx context.Context, a, b string) ([]*Request, error) {
	return findBetween(ctx, r.db, a, b)
}

// ListIncomingPending returns pending requests addressed to user.
func (r *PostgresRepository) ListIncomingPending(ctx context.Context, user string) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM connection_requests
		WHERE receiver_id = $1 AND status = 'pending'
		ORDER BY created_at DESC, id ASC
	`
	return queryRequests(ctx, r.db, query, user)
}

// ListSent returns requests sent by user.
func (r *PostgresRepository) ListSent(ctx context.Context, user string) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM connection_requests
		WHERE sender_id = $1
		ORDER BY created_at DESC, id ASC
	`
	return queryRequests(ctx, r.db, query, user)
}

// ListForUser returns every request involving user.
func (r *PostgresRepository) ListForUser(ctx context.Context, user string) ([]*Request, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM connection_requests
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY created_at DESC, id ASC
	`
	return queryRequests(ctx, r.db, query, user)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	if err := row.Scan(
		&req.ID,
		&req.SenderID,
		&req.ReceiverID,
		&req.Status,
		&req.Reason,
		&req.CreatedAt,
		&req.UpdatedAt,
	); err != nil {
		return nil, err
	}
	req.CreatedAt = req.CreatedAt.UTC()
	req.UpdatedAt = req.UpdatedAt.UTC()
	return &req, nil
}

func queryRequests(ctx context.Context, q queryer, query string, args ...any) ([]*Request, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query connection requests: %w", err)
	}
	defer rows.Close()

	result := make([]*Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connection requests: %w", err)
	}
	return result, nil
}
