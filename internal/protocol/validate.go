package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

// ErrUnknownType is returned for an unrecognised or server-only type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ValidationError reports a missing or invalid field on an inbound event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: name, Reason: "is required"}
	}
	return nil
}

// ValidateMessage checks that a chat message meets content requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return &ValidationError{Field: "message", Reason: "is required"}
	}
	if len(text) > MaxMessageBytes {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d byte limit", MaxMessageBytes)}
	}
	if !utf8.ValidString(text) {
		return &ValidationError{Field: "message", Reason: "contains invalid UTF-8"}
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d character limit", MaxTextChars)}
	}
	return nil
}
