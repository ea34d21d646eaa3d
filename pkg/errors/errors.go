package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrEmptyKey     = errors.New("empty key")
	ErrInvalidData  = errors.New("invalid data type")
	ErrEntityExists = errors.New("entity already exists")

	// ErrConnectionClosed is returned when the peer closes the stream mid-frame.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrProtocol covers malformed control codes, bad lengths and bad handshakes.
	ErrProtocol = errors.New("protocol error")
	// ErrTrainerFailure is returned when the local trainer could not produce an update.
	ErrTrainerFailure = errors.New("trainer failure")
	// ErrCoordinatorTimeout is returned when sessions outlive the shutdown deadline.
	ErrCoordinatorTimeout = errors.New("coordinator timed out waiting for sessions")
)
