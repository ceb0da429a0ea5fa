package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/wayfare/internal/tracing"
)

// PostgresRepository implements Repository on the presence table.
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

// Upsert relies on the conditional DO UPDATE so out-of-order writes for the
// same user resolve to the later timestamp inside the database.
func (r *PostgresRepository) Upsert(ctx context.Context, record *Record) (err error) {
	recordCopy := *record
	if err := recordCopy.Normalize(); err != nil {
		return err
	}
	ctx, end := tracing.StartDBSpan(ctx, "presence", tracing.DBOperationUpsert)
	defer func() { end(err) }()

	query := `
		INSERT INTO presence (user_id, latitude, longitude, last_updated, name, destination, geohash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			last_updated = EXCLUDED.last_updated,
			name = EXCLUDED.name,
			destination = EXCLUDED.destination,
			geohash = EXCLUDED.geohash
		WHERE presence.last_updated <= EXCLUDED.last_updated
	`
	_, err = r.db.ExecContext(ctx, query,
		recordCopy.UserID,
		recordCopy.Latitude,
		recordCopy.Longitude,
		recordCopy.LastUpdated,
		recordCopy.DisplayName,
		recordCopy.Destination,
		recordCopy.Geohash,
	)
	if err != nil {
		r.logger.Error("failed to upsert presence",
			slog.String("error", err.Error()),
			slog.String("user_id", recordCopy.UserID))
		return fmt.Errorf("failed to upsert presence: %w", err)
	}
	return nil
}

// Get returns the stored record for a user.
func (r *PostgresRepository) Get(ctx context.Context, userID string) (*Record, error) {
	query := `
		SELECT user_id, latitude, longitude, last_updated, name, destination, geohash
		FROM presence WHERE user_id = $1
	`
	record, err := scanRecord(r.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	return record, nil
}

// ListFresh returns records updated at or after since, newest first.
func (r *PostgresRepository) ListFresh(ctx context.Context, since time.Time, excludeUserID string) (_ []*Record, err error) {
	ctx, end := tracing.StartDBSpan(ctx, "presence", tracing.DBOperationQuery)
	defer func() { end(err) }()

	query := `
		SELECT user_id, latitude, longitude, last_updated, name, destination, geohash
		FROM presence
		WHERE last_updated >= $1 AND user_id <> $2
		ORDER BY last_updated DESC, user_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, since.UTC(), excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan presence: %w", err)
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate presence: %w", err)
	}
	return result, nil
}

// DisplayNames resolves names for the given users in one query.
func (r *PostgresRepository) DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return names, nil
	}

	rows, err := r.db.QueryContext(ctx, `SELECT user_id, name FROM presence WHERE user_id = ANY($1)`, pq.Array(userIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve display names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan display name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var geohash sql.NullString
	if err := row.Scan(
		&record.UserID,
		&record.Latitude,
		&record.Longitude,
		&record.LastUpdated,
		&record.DisplayName,
		&record.Destination,
		&geohash,
	); err != nil {
		return nil, err
	}
	record.Geohash = geohash.String
	record.LastUpdated = record.LastUpdated.UTC()
	return &record, nil
}
