package session

import "errors"

// Error texts below are returned to api consumers unchanged.
var (
	ErrSessionIDRequired = errors.New("sessionId is required")
	ErrInvalidSessionID  = errors.New("sessionId may only contain letters, digits, '.', '_' and '-'")
	ErrSessionNotFound   = errors.New("Session not found")
	ErrNotConnected      = errors.New("Session not connected")
	ErrStartInProgress   = errors.New("Session is already starting...")
	ErrStartTimeout      = errors.New("Timeout waiting for QR. Session loading in background.")
	ErrInvalidReceiver   = errors.New("invalid receiver")
	ErrInvalidMedia      = errors.New("invalid media payload")
)
