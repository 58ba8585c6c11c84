package supportchat

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the chat layer.
var (
	ErrNotConnected       = errors.New("realtime transport not connected")
	ErrNoCredentials      = errors.New("no credentials available")
	ErrStaffOnly          = errors.New("operation requires a staff session")
	ErrStoreClosed        = errors.New("conversation store closed")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum size")
	ErrAttachmentType     = errors.New("attachment type not allowed")
	ErrUnsupportedScope   = errors.New("operation not supported for this scope")
)

// ValidationError is returned before any network call when input is rejected.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
