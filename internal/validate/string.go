// Package validate checks and normalizes user-supplied text before it is
// stored or shown to other travelers.
package validate

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// String validation errors
var (
	ErrStringTooShort    = errors.New("string is too short")
	ErrStringTooLong     = errors.New("string is too long")
	ErrInvalidCharacters = errors.New("string contains invalid characters")
	ErrEmpty             = errors.New("string is empty")
)

// Length limits in characters.
const (
	MaxMessageLength     = 2000
	MaxDisplayNameLength = 80
	MaxDestinationLength = 120
)

// StringConstraints defines validation constraints for a string.
type StringConstraints struct {
	MinLength  int  // Minimum length (0 = no minimum)
	MaxLength  int  // Maximum length (0 = no maximum)
	AllowEmpty bool // Whether empty strings are allowed
	TrimSpace  bool // Whether to trim whitespace before validation
	// SingleLine rejects control characters, including newlines.
	SingleLine bool
}

// String validates a string against the given constraints.
// Returns the validated (and optionally trimmed) string and an error if validation fails.
func String(s string, constraints StringConstraints) (string, error) {
	if constraints.TrimSpace {
		s = strings.TrimSpace(s)
	}

	if s == "" {
		if !constraints.AllowEmpty {
			return "", ErrEmpty
		}
		return s, nil
	}

	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidCharacters)
	}

	// Character count, not bytes
	length := utf8.RuneCountInString(s)
	if constraints.MinLength > 0 && length < constraints.MinLength {
		return "", fmt.Errorf("%w: got %d chars, need at least %d", ErrStringTooShort, length, constraints.MinLength)
	}
	if constraints.MaxLength > 0 && length > constraints.MaxLength {
		return "", fmt.Errorf("%w: got %d chars, maximum is %d", ErrStringTooLong, length, constraints.MaxLength)
	}

	if constraints.SingleLine && strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters are not allowed", ErrInvalidCharacters)
	}

	return s, nil
}

// SanitizeHTML escapes HTML special characters.
func SanitizeHTML(s string) string {
	return html.EscapeString(s)
}

// SanitizeString performs both validation and HTML sanitization.
func SanitizeString(s string, constraints StringConstraints) (string, error) {
	validated, err := String(s, constraints)
	if err != nil {
		return "", err
	}
	return SanitizeHTML(validated), nil
}

// MessageContent validates a chat message: required, trimmed, at most
// MaxMessageLength characters. Newlines are kept.
func MessageContent(content string) (string, error) {
	return String(content, StringConstraints{
		MinLength: 1,
		MaxLength: MaxMessageLength,
		TrimSpace: true,
	})
}

// DisplayName validates the name shown to peers. Empty is allowed so the
// caller can fall back to a default.
func DisplayName(name string) (string, error) {
	return SanitizeString(name, StringConstraints{
		MaxLength:  MaxDisplayNameLength,
		AllowEmpty: true,
		TrimSpace:  true,
		SingleLine: true,
	})
}

// Destination validates a destination label. Empty is allowed.
func Destination(destination string) (string, error) {
	return SanitizeString(destination, StringConstraints{
		MaxLength:  MaxDestinationLength,
		AllowEmpty: true,
		TrimSpace:  true,
		SingleLine: true,
	})
}
