package chat

import (
	"errors"

	"github.com/pprasoon1/safe-chat/internal/moderation"
	"github.com/pprasoon1/safe-chat/internal/protocol"
)

// ErrorCode maps an event handling error to the code and message of the
// error frame sent back to the client.
func ErrorCode(err error) (code, message string) {
	var (
		ve *protocol.ValidationError
		ce *moderation.ClassifierError
		pe *moderation.PersistenceError
	)

	switch {
	case errors.Is(err, ErrNoSession):
		return protocol.CodeNotConnected, "no active session"
	case errors.As(err, &ve):
		return protocol.CodeValidationError, ve.Field + " " + ve.Reason
	case errors.As(err, &ce):
		return protocol.CodeClassifierUnavailable, "message could not be moderated, please retry"
	case errors.As(err, &pe):
		return protocol.CodePersistenceFailed, "message could not be saved"
	default:
		return protocol.CodeInternalError, "internal error"
	}
}
