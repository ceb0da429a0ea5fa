package trip

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// PostgresRepository implements Repository on the trips table.
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

// Create inserts one trip row.
func (r *PostgresRepository) Create(ctx context.Context, trip *Trip) error {
	if err := prepare(trip); err != nil {
		return err
	}

	query := `
		INSERT INTO trips (id, user_id, from_location, to_location, distance_km, duration_minutes, archive_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		trip.ID,
		trip.UserID,
		trip.FromLocation,
		trip.ToLocation,
		trip.DistanceKm,
		trip.DurationMinutes,
		trip.ArchiveKey,
		trip.CreatedAt,
	)
	if err != nil {
		r.logger.Error("failed to insert trip",
			slog.String("error", err.Error()),
			slog.String("user_id", trip.UserID))
		return fmt.Errorf("failed to insert trip: %w", err)
	}
	return nil
}

// ListByUser returns the user's trips, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*Trip, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, user_id, from_location, to_location, distance_km, duration_minutes, COALESCE(archive_key, ''), created_at
		FROM trips
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list trips: %w", err)
	}
	defer rows.Close()

	result := make([]*Trip, 0)
	for rows.Next() {
		var t Trip
		if err := rows.Scan(&t.ID, &t.UserID, &t.FromLocation, &t.ToLocation,
			&t.DistanceKm, &t.DurationMinutes, &t.ArchiveKey, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trip: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		result = append(result, &t)
	}
	return result, rows.Err()
}
