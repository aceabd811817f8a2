package app

import (
	"errors"

	"github.com/YahyaQandel/planning-poker/services/rooms/internal/protocol"
)

var (
	// ErrNotFound means a room, participant or story does not exist or
	// belongs to another room.
	ErrNotFound = errors.New("not found")
	// ErrInvalidValue means a value was rejected before any write.
	ErrInvalidValue = errors.New("invalid value")
	// ErrArchiveDisabled is returned by archive operations when no object store is configured.
	ErrArchiveDisabled = errors.New("archive not configured")
)

// ErrorEvent maps an action failure to the private error sent to its originator.
// Persistence and other unexpected failures are reported without detail.
func ErrorEvent(err error) protocol.Error {
	switch {
	case errors.Is(err, ErrNotFound):
		return protocol.Error{Code: protocol.CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidValue):
		return protocol.Error{Code: protocol.CodeInvalidValue, Message: err.Error()}
	case errors.Is(err, protocol.ErrMalformedMessage):
		return protocol.Error{Code: protocol.CodeMalformedMessage, Message: err.Error()}
	default:
		return protocol.Error{Code: protocol.CodeInternal, Message: "action failed"}
	}
}
