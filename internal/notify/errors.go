package notify

import "errors"

var (
	// ErrInvalidPreferences is returned by SavePreferences for malformed input.
	ErrInvalidPreferences = errors.New("invalid preferences")

	// ErrInvalidToken is returned when registering an empty token or user.
	ErrInvalidToken = errors.New("invalid device token")

	// ErrTransition is returned when a status change breaks the delivery state machine.
	ErrTransition = errors.New("invalid status transition")
)
