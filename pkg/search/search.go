// Package search defines the write-side contract the reindexer needs from a
// search engine, and the document shape sent to it.
package search

import "context"

// ProviderType identifies a search backend implementation.
type ProviderType string

const (
	ProviderTypeBleve   ProviderType = "bleve"
	ProviderTypeAlgolia ProviderType = "algolia"
)

// Document is one record as sent to the search engine.
type Document struct {
	ID         string
	EntityType string
	Fields     map[string]interface{}

	// Vector is the document embedding, when the embedding stage ran.
	Vector []float32
}

// ItemError describes one document the backend refused.
type ItemError struct {
	ID     string
	Reason string
}

// BulkResult is the outcome of one bulk request.
type BulkResult struct {
	Succeeded int
	Failed    []ItemError
}

// Backend is a search engine the reindexer writes to. Index names are
// physical names; canonical names may be aliases after a promotion.
type Backend interface {
	// Name returns the backend name.
	Name() string

	CreateIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)

	// ListIndices returns the names of the indices starting with prefix,
	// sorted.
	ListIndices(ctx context.Context, prefix string) ([]string, error)

	// IndexDocuments writes docs into index. A nil error with a non-empty
	// BulkResult.Failed means the request went through but some documents
	// were rejected.
	IndexDocuments(ctx context.Context, index string, docs []Document) (*BulkResult, error)

	// PromoteIndex makes staged serve reads under canonical and removes the
	// index canonical previously pointed at.
	PromoteIndex(ctx context.Context, staged, canonical string) error

	Close() error
}
