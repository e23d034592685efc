package search

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an index does not exist.
	ErrNotFound = errors.New("index not found")

	// ErrIndexExists is returned when creating an index that already exists.
	ErrIndexExists = errors.New("index already exists")

	// ErrBackendUnavailable is returned when the search backend is down.
	ErrBackendUnavailable = errors.New("search backend unavailable")

	// ErrIndexingFailed is returned when a bulk request fails as a whole.
	ErrIndexingFailed = errors.New("failed to index documents")

	// ErrInvalidDocument is returned for documents the backend cannot accept.
	ErrInvalidDocument = errors.New("invalid document")
)

// Error represents a search backend error.
type Error struct {
	Op    string // Operation that failed (e.g., "IndexDocuments", "PromoteIndex")
	Index string // Index involved, if any
	Err   error  // Underlying error
	Msg   string // Additional context
}

func (e *Error) Error() string {
	prefix := e.Op
	if e.Index != "" {
		prefix = fmt.Sprintf("%s %s", e.Op, e.Index)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
