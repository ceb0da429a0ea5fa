// Package presence stores each traveler's most recently broadcast location.
// There is at most one record per user; staleness is computed by readers,
// records are never deleted.
package presence

import (
	"errors"
	"strings"
	"time"

	"github.com/onnwee/wayfare/internal/geo"
)

// DefaultDestination is the destination label used when the traveler has not set one.
const DefaultDestination = "Roaming"

// AnonymousName is the display name used when no profile name or e-mail is known.
const AnonymousName = "Anonymous"

// Presence errors.
var (
	ErrNotFound      = errors.New("presence record not found")
	ErrMissingUserID = errors.New("presence record requires a user id")
	ErrInvalidPoint  = errors.New("presence coordinates out of range")
)

// Record is one user's latest known location.
type Record struct {
	UserID      string    `json:"user_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	LastUpdated time.Time `json:"last_updated"`
	DisplayName string    `json:"name"`
	Destination string    `json:"destination"`
	Geohash     string    `json:"geohash,omitempty"`
}

// Point returns the record's coordinates.
func (r *Record) Point() geo.Point {
	return geo.Point{Lat: r.Latitude, Lng: r.Longitude}
}

// Normalize validates the record and fills derived fields before it is written.
func (r *Record) Normalize() error {
	if r.UserID == "" {
		return ErrMissingUserID
	}
	if !r.Point().Valid() {
		return ErrInvalidPoint
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = time.Now()
	}
	r.LastUpdated = r.LastUpdated.UTC()
	if strings.TrimSpace(r.DisplayName) == "" {
		r.DisplayName = AnonymousName
	}
	if strings.TrimSpace(r.Destination) == "" {
		r.Destination = DefaultDestination
	}
	r.Geohash = geo.Encode(r.Latitude, r.Longitude, geo.StoragePrecision)
	return nil
}

// HasDestination reports whether the traveler picked a destination other than roaming.
func (r *Record) HasDestination() bool {
	return r.Destination != "" && r.Destination != DefaultDestination
}

// DisplayNameFor picks the name shown to peers: the profile name, else the
// local part of the e-mail address, else AnonymousName.
func DisplayNameFor(fullName, email string) string {
	if name := strings.TrimSpace(fullName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(email), "@"); ok && local != "" {
		return local
	}
	return AnonymousName
}
