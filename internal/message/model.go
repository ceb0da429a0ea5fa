// Package message stores direct messages between connected travelers.
package message

import (
	"errors"
	"time"
)

// Message errors.
var (
	ErrNotFound     = errors.New("message not found")
	ErrMissingUser  = errors.New("sender and receiver are required")
	ErrSelfMessage  = errors.New("cannot message yourself")
	ErrNotConnected = errors.New("messages require an accepted connection")
	ErrUnauthorized = errors.New("only the receiver can mark a message read")
)

// Message is one chat message.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	IsRead     bool      `json:"is_read"`
}
