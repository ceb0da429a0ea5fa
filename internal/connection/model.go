// Package connection implements the consent handshake between two travelers:
// a request starts pending and is resolved exactly once by its receiver.
package connection

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	// StatusNone is reported by StatusBetween when the pair has no request.
	StatusNone Status = "none"
)

// Reason is why the sender wants to connect.
type Reason string

const (
	ReasonSameDestination Reason = "same_destination"
	ReasonSoloTraveler    Reason = "solo_traveler"
	ReasonNightSafety     Reason = "night_safety"
	ReasonWomenSafety     Reason = "women_safety"
	ReasonGeneral         Reason = "general"
)

var reasonLabels = map[Reason]string{
	ReasonSameDestination: "Same Destination",
	ReasonSoloTraveler:    "Solo Traveler",
	ReasonNightSafety:     "Night Safety",
	ReasonWomenSafety:     "Women Safety",
	ReasonGeneral:         "General Connection",
}

// ParseReason normalizes free text to a known reason; anything else is ReasonGeneral.
func ParseReason(s string) Reason {
	r := Reason(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := reasonLabels[r]; ok {
		return r
	}
	return ReasonGeneral
}

// Label returns the human-readable reason.
func (r Reason) Label() string {
	if label, ok := reasonLabels[r]; ok {
		return label
	}
	return reasonLabels[ReasonGeneral]
}

// Connection errors.
var (
	ErrNotFound           = errors.New("connection request not found")
	ErrMissingUser        = errors.New("sender and receiver are required")
	ErrSelfRequest        = errors.New("cannot send a connection request to yourself")
	ErrAlreadyConnected   = errors.New("already connected")
	ErrRequestAlreadySent = errors.New("connection request already sent")
	ErrPreviouslyRejected = errors.New("connection request was previously rejected")
	ErrInvalidDecision    = errors.New("decision must be accepted or rejected")
	ErrUnauthorized       = errors.New("only the receiver can respond to a request")
	ErrAlreadyResolved    = errors.New("connection request already resolved")
)

// Request is a directed connection request between two users.
type Request struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Status     Status    `json:"status"`
	Reason     Reason    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Counterpart returns the other party of the request as seen by userID.
func (r *Request) Counterpart(userID string) string {
	if r.SenderID == userID {
		return r.ReceiverID
	}
	return r.SenderID
}

// CreatePolicy controls what earlier requests block a new one.
type CreatePolicy struct {
	// AllowRerequestAfterReject lets a new request follow a rejected one.
	AllowRerequestAfterReject bool
}

// DefaultCreatePolicy allows re-requesting after a rejection.
func DefaultCreatePolicy() CreatePolicy {
	return CreatePolicy{AllowRerequestAfterReject: true}
}

// ParseDecision accepts "accept"/"accepted" and "reject"/"rejected".
func ParseDecision(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept", "accepted":
		return StatusAccepted, nil
	case "reject", "rejected":
		return StatusRejected, nil
	default:
		return "", ErrInvalidDecision
	}
}

// checkExisting applies the duplicate rules to the pair's prior requests.
func checkExisting(existing []*Request, policy CreatePolicy) error {
	effective := Effective(existing)
	if effective == nil {
		return nil
	}
	switch effective.Status {
	case StatusAccepted:
		return ErrAlreadyConnected
	case StatusPending:
		return ErrRequestAlreadySent
	case StatusRejected:
		if !policy.AllowRerequestAfterReject {
			return ErrPreviouslyRejected
		}
	}
	return nil
}

// checkRespond reports why actingUser may not resolve req, or nil.
func checkRespond(req *Request, actingUser string) error {
	if req.ReceiverID != actingUser {
		return ErrUnauthorized
	}
	if req.Status != StatusPending {
		return ErrAlreadyResolved
	}
	return nil
}

// Effective picks the request that decides a pair's status: an accepted
// one, else a pending one, else the most recent rejection.
func Effective(requests []*Request) *Request {
	var pending, rejected *Request
	for _, r := range requests {
		switch r.Status {
		case StatusAccepted:
			return r
		case StatusPending:
			if pending == nil {
				pending = r
			}
		case StatusRejected:
			if rejected == nil || r.CreatedAt.After(rejected.CreatedAt) {
				rejected = r
			}
		}
	}
	if pending != nil {
		return pending
	}
	return rejected
}

// ByCounterpart groups a user's requests by the other party and reduces
// each group to its effective request.
func ByCounterpart(userID string, requests []*Request) map[string]*Request {
	grouped := make(map[string][]*Request)
	for _, r := range requests {
		other := r.Counterpart(userID)
		grouped[other] = append(grouped[other], r)
	}
	result := make(map[string]*Request, len(grouped))
	for other, reqs := range grouped {
		result[other] = Effective(reqs)
	}
	return result
}

func sortNewestFirst(requests []*Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.After(requests[j].CreatedAt)
		}
		return requests[i].ID < requests[j].ID
	})
}
