package simplestream

import (
	"errors"
	"fmt"
)

// Error types
var (
	// ErrNoSessionsAvailable indicates the session pool has no registered sessions
	ErrNoSessionsAvailable = errors.New("no sessions available")

	// ErrSessionNotFound indicates a session id is not registered in the pool
	ErrSessionNotFound = errors.New("session not found")

	// ErrObjectNotFound indicates a message or object could not be resolved in the remote store
	ErrObjectNotFound = errors.New("object not found")

	// ErrNoMedia indicates a message carries no streamable media
	ErrNoMedia = errors.New("message has no media")

	// ErrChannelNotAllowed indicates an upload came from a channel that is not on the allow-list
	ErrChannelNotAllowed = errors.New("channel not allowed")

	// ErrLinkNotFound indicates a link record does not exist
	ErrLinkNotFound = errors.New("link not found")

	// ErrThumbnailNotFound indicates no thumbnail record exists for a content key
	ErrThumbnailNotFound = errors.New("thumbnail record not found")

	// ErrShortenerNotSet indicates the shortener configuration is absent
	ErrShortenerNotSet = errors.New("shortener not configured")

	// ErrRangeNotSatisfiable indicates the requested range starts beyond the object
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrFileReferenceExpired indicates the file reference token went stale and the parent message must be re-fetched
	ErrFileReferenceExpired = errors.New("file reference expired")

	// ErrWrongEndpoint indicates a fetch was issued against a session bound to another endpoint
	ErrWrongEndpoint = errors.New("object lives on another endpoint")

	// ErrUnauthorized indicates a session has not been authorized for its endpoint
	ErrUnauthorized = errors.New("session not authorized")
)

// DecodeError represents a malformed object reference
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode object reference: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode object reference: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MigrationError represents a failed authorization exchange between a session's
// home endpoint and the endpoint hosting an object
type MigrationError struct {
	SessionID  int
	EndpointID int
	Op         string
	Err        error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed for session %d to endpoint %d: %v", e.Op, e.SessionID, e.EndpointID, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err should be surfaced to HTTP callers as not found.
func IsNotFound(err error) bool {
	var decodeErr *DecodeError
	var migrationErr *MigrationError
	return errors.Is(err, ErrObjectNotFound) ||
		errors.Is(err, ErrNoMedia) ||
		errors.Is(err, ErrLinkNotFound) ||
		errors.Is(err, ErrThumbnailNotFound) ||
		errors.As(err, &decodeErr) ||
		errors.As(err, &migrationErr)
}
