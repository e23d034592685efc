package search

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name: "error with message",
			err: &Error{
				Op:  "IndexDocuments",
				Err: ErrIndexingFailed,
				Msg: "payload too large",
			},
			expected: "IndexDocuments: payload too large: failed to index documents",
		},
		{
			name: "error without message",
			err: &Error{
				Op:  "CreateIndex",
				Err: ErrBackendUnavailable,
			},
			expected: "CreateIndex: search backend unavailable",
		},
		{
			name: "error with index",
			err: &Error{
				Op:    "DeleteIndex",
				Index: "table_search_index",
				Err:   ErrNotFound,
			},
			expected: "DeleteIndex table_search_index: index not found",
		},
		{
			name: "error with index and message",
			err: &Error{
				Op:    "PromoteIndex",
				Index: "user_search_index",
				Err:   errors.New("connection timeout"),
				Msg:   "failed to move index",
			},
			expected: "PromoteIndex user_search_index: failed to move index: connection timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			if got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "wrapped ErrNotFound matches",
			err:    &Error{Op: "DeleteIndex", Err: ErrNotFound},
			target: ErrNotFound,
			want:   true,
		},
		{
			name:   "wrapped ErrIndexExists matches",
			err:    &Error{Op: "CreateIndex", Err: ErrIndexExists},
			target: ErrIndexExists,
			want:   true,
		},
		{
			name:   "doubly wrapped ErrIndexingFailed matches",
			err:    fmt.Errorf("bulk write: %w", &Error{Op: "IndexDocuments", Err: ErrIndexingFailed}),
			target: ErrIndexingFailed,
			want:   true,
		},
		{
			name:   "different sentinel does not match",
			err:    &Error{Op: "IndexDocuments", Err: ErrIndexingFailed},
			target: ErrNotFound,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_AsUsage(t *testing.T) {
	wrappedErr := fmt.Errorf("promotion failed: %w", &Error{
		Op:    "PromoteIndex",
		Index: "table_search_index",
		Err:   ErrBackendUnavailable,
	})

	var searchErr *Error
	if !errors.As(wrappedErr, &searchErr) {
		t.Fatal("errors.As failed to match *Error type")
	}
	if searchErr.Index != "table_search_index" {
		t.Errorf("errors.As returned wrong error: got Index=%q, want %q", searchErr.Index, "table_search_index")
	}
}

func TestProviderType_Constants(t *testing.T) {
	tests := []struct {
		provider ProviderType
		expected string
	}{
		{ProviderTypeBleve, "bleve"},
		{ProviderTypeAlgolia, "algolia"},
	}

	for _, tt := range tests {
		if string(tt.provider) != tt.expected {
			t.Errorf("ProviderType = %q, want %q", tt.provider, tt.expected)
		}
	}
}
