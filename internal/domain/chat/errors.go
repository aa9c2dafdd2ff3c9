package chat

import "errors"

var (
	// ErrThreadNotFound is returned when no thread matches the id.
	ErrThreadNotFound = errors.New("chat thread not found")

	// ErrMessageNotFound is returned when no message matches the id
	// within the thread.
	ErrMessageNotFound = errors.New("message not found")

	// ErrThreadExists is returned by the repository when a thread for
	// the (doctor, patient) pair already exists. The service resolves
	// it by returning the existing thread.
	ErrThreadExists = errors.New("chat thread already exists")

	// ErrAccessDenied is returned when the caller is not a participant
	// of the thread.
	ErrAccessDenied = errors.New("access denied")
)
