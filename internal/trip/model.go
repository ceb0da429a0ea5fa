// Package trip records completed tracking sessions. Trips are append-only.
package trip

import (
	"errors"
	"time"
)

// DefaultListLimit caps trip history queries when no limit is given.
const DefaultListLimit = 50

// Trip errors.
var (
	ErrMissingUserID = errors.New("trip requires a user id")
)

// Trip is the summary of one tracking session.
type Trip struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	FromLocation    string    `json:"from_location"`
	ToLocation      string    `json:"to_location"`
	DistanceKm      float64   `json:"distance_km"`
	DurationMinutes float64   `json:"duration_minutes"`
	CreatedAt       time.Time `json:"created_at"`
	ArchiveKey      string    `json:"archive_key,omitempty"`
}
