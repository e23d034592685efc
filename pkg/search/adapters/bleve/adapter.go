package bleve

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"

	"github.com/hashicorp-forge/reindexer/pkg/search"
)

const (
	indexSuffix = ".bleve"
	aliasFile   = "aliases.json"
)

// Adapter implements search.Backend for Bleve (embedded full-text search).
// Canonical index names become bleve index aliases once a staged index is
// promoted.
type Adapter struct {
	mu      sync.RWMutex
	indices map[string]bleve.Index
	aliases map[string]bleve.IndexAlias
	targets map[string]string // canonical name -> physical index

	basePath string
	fs       afero.Fs
	logger   hclog.Logger
}

var _ search.Backend = (*Adapter)(nil)

// Config contains Bleve configuration.
type Config struct {
	// IndexPath is the directory holding the indices. Empty keeps every
	// index in memory.
	IndexPath string

	// Fs is used for directory management; defaults to the OS filesystem.
	Fs     afero.Fs
	Logger hclog.Logger
}

// NewAdapter creates a new Bleve search adapter and reopens any indices and
// aliases found under IndexPath.
func NewAdapter(cfg *Config) (*Adapter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	a := &Adapter{
		indices:  make(map[string]bleve.Index),
		aliases:  make(map[string]bleve.IndexAlias),
		targets:  make(map[string]string),
		basePath: cfg.IndexPath,
		fs:       cfg.Fs,
		logger:   cfg.Logger.Named("bleve"),
	}
	if a.basePath == "" {
		return a, nil
	}

	if err := a.fs.MkdirAll(a.basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	if err := a.openExisting(); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open existing indices: %w", err)
	}
	return a, nil
}

func (a *Adapter) openExisting() error {
	entries, err := afero.ReadDir(a.fs, a.basePath)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), indexSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), indexSuffix)
		idx, err := bleve.Open(a.indexPath(name))
		if err != nil {
			return fmt.Errorf("failed to open index %s: %w", name, err)
		}
		a.indices[name] = idx
	}

	data, err := afero.ReadFile(a.fs, filepath.Join(a.basePath, aliasFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read aliases: %w", err)
	}
	var targets map[string]string
	if err := json.Unmarshal(data, &targets); err != nil {
		return fmt.Errorf("failed to decode aliases: %w", err)
	}
	for canonical, physical := range targets {
		idx, ok := a.indices[physical]
		if !ok {
			a.logger.Warn("alias points at a missing index", "alias", canonical, "index", physical)
			continue
		}
		a.aliases[canonical] = bleve.NewIndexAlias(idx)
		a.targets[canonical] = physical
	}
	return nil
}

func (a *Adapter) indexPath(name string) string {
	return filepath.Join(a.basePath, name+indexSuffix)
}

// createDocumentMapping creates the index mapping shared by every entity
// type. Unknown fields are indexed dynamically.
func createDocumentMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = "en"

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping := bleve.NewDocumentMapping()

	docMapping.AddFieldMappingsAt("name", textFieldMapping)
	docMapping.AddFieldMappingsAt("displayName", textFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)

	docMapping.AddFieldMappingsAt("entityType", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("fullyQualifiedName", keywordFieldMapping)

	docMapping.AddFieldMappingsAt("timestamp", dateFieldMapping)

	// Embeddings are stored with the document but not indexed.
	docMapping.AddSubDocumentMapping("embedding", bleve.NewDocumentDisabledMapping())

	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

// Name returns the provider name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeBleve)
}

// CreateIndex creates a physical index.
func (a *Adapter) CreateIndex(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.indices[name]; ok {
		return &search.Error{Op: "CreateIndex", Index: name, Err: search.ErrIndexExists}
	}
	if _, ok := a.aliases[name]; ok {
		return &search.Error{Op: "CreateIndex", Index: name, Err: search.ErrIndexExists, Msg: "name is an alias"}
	}

	var (
		idx bleve.Index
		err error
	)
	if a.basePath == "" {
		idx, err = bleve.NewMemOnly(createDocumentMapping())
	} else {
		idx, err = bleve.New(a.indexPath(name), createDocumentMapping())
	}
	if err != nil {
		return &search.Error{Op: "CreateIndex", Index: name, Err: err}
	}
	a.indices[name] = idx
	a.logger.Debug("created index", "index", name)
	return nil
}

// DeleteIndex deletes a physical index, or an alias together with the index
// behind it.
func (a *Adapter) DeleteIndex(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if physical, ok := a.targets[name]; ok {
		delete(a.aliases, name)
		delete(a.targets, name)
		if err := a.saveAliasesLocked(); err != nil {
			return &search.Error{Op: "DeleteIndex", Index: name, Err: err}
		}
		name = physical
	}
	return a.deleteLocked(name)
}

func (a *Adapter) deleteLocked(name string) error {
	idx, ok := a.indices[name]
	if !ok {
		return &search.Error{Op: "DeleteIndex", Index: name, Err: search.ErrNotFound}
	}
	delete(a.indices, name)

	for canonical, target := range a.targets {
		if target != name {
			continue
		}
		if alias, ok := a.aliases[canonical]; ok {
			alias.Remove(idx)
		}
		delete(a.aliases, canonical)
		delete(a.targets, canonical)
		if err := a.saveAliasesLocked(); err != nil {
			a.logger.Warn("failed to persist aliases", "error", err)
		}
	}

	if err := idx.Close(); err != nil {
		a.logger.Warn("failed to close index", "index", name, "error", err)
	}
	if a.basePath != "" {
		if err := a.fs.RemoveAll(a.indexPath(name)); err != nil {
			return &search.Error{Op: "DeleteIndex", Index: name, Err: err, Msg: "failed to remove index files"}
		}
	}
	a.logger.Debug("deleted index", "index", name)
	return nil
}

// IndexExists reports whether name is a physical index or an alias.
func (a *Adapter) IndexExists(ctx context.Context, name string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, physical := a.indices[name]
	_, alias := a.aliases[name]
	return physical || alias, nil
}

// ListIndices lists physical indices whose names start with prefix.
func (a *Adapter) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.indices))
	for name := range a.indices {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// IndexDocuments writes docs in one bleve batch. Documents without an id are
// reported as item failures.
func (a *Adapter) IndexDocuments(ctx context.Context, index string, docs []search.Document) (*search.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &search.Error{Op: "IndexDocuments", Index: index, Err: err}
	}

	a.mu.RLock()
	idx, ok := a.resolveLocked(index)
	a.mu.RUnlock()
	if !ok {
		return nil, &search.Error{Op: "IndexDocuments", Index: index, Err: search.ErrNotFound}
	}

	result := &search.BulkResult{}
	batch := idx.NewBatch()
	for _, doc := range docs {
		if doc.ID == "" {
			result.Failed = append(result.Failed, search.ItemError{Reason: "document has no id"})
			continue
		}
		if err := batch.Index(doc.ID, toBleveDocument(doc)); err != nil {
			result.Failed = append(result.Failed, search.ItemError{ID: doc.ID, Reason: err.Error()})
			continue
		}
		result.Succeeded++
	}
	if batch.Size() == 0 {
		return result, nil
	}
	if err := idx.Batch(batch); err != nil {
		return nil, &search.Error{Op: "IndexDocuments", Index: index, Err: search.ErrIndexingFailed, Msg: err.Error()}
	}
	return result, nil
}

func (a *Adapter) resolveLocked(name string) (bleve.Index, bool) {
	if idx, ok := a.indices[name]; ok {
		return idx, true
	}
	if physical, ok := a.targets[name]; ok {
		idx, ok := a.indices[physical]
		return idx, ok
	}
	return nil, false
}

func toBleveDocument(doc search.Document) map[string]interface{} {
	out := make(map[string]interface{}, len(doc.Fields)+2)
	for k, v := range doc.Fields {
		out[k] = v
	}
	out["entityType"] = doc.EntityType
	if len(doc.Vector) > 0 {
		out["embedding"] = doc.Vector
	}
	return out
}

// PromoteIndex points the canonical alias at staged. A physical index that
// still holds the canonical name, and the index the alias pointed at before,
// are deleted.
func (a *Adapter) PromoteIndex(ctx context.Context, staged, canonical string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stagedIdx, ok := a.indices[staged]
	if !ok {
		return &search.Error{Op: "PromoteIndex", Index: staged, Err: search.ErrNotFound}
	}

	if _, ok := a.indices[canonical]; ok {
		if err := a.deleteLocked(canonical); err != nil {
			return &search.Error{Op: "PromoteIndex", Index: canonical, Err: err, Msg: "failed to replace physical index"}
		}
	}

	previous := a.targets[canonical]
	alias, ok := a.aliases[canonical]
	if !ok {
		alias = bleve.NewIndexAlias()
		a.aliases[canonical] = alias
	}
	var out []bleve.Index
	if prevIdx, ok := a.indices[previous]; ok && previous != staged {
		out = append(out, prevIdx)
	}
	alias.Swap([]bleve.Index{stagedIdx}, out)
	a.targets[canonical] = staged

	if err := a.saveAliasesLocked(); err != nil {
		return &search.Error{Op: "PromoteIndex", Index: canonical, Err: err, Msg: "failed to persist alias"}
	}

	if previous != "" && previous != staged {
		if err := a.deleteLocked(previous); err != nil {
			a.logger.Warn("failed to delete previous index generation", "index", previous, "error", err)
		}
	}
	a.logger.Info("promoted index", "alias", canonical, "index", staged, "previous", previous)
	return nil
}

func (a *Adapter) saveAliasesLocked() error {
	if a.basePath == "" {
		return nil
	}
	data, err := json.Marshal(a.targets)
	if err != nil {
		return err
	}
	return afero.WriteFile(a.fs, filepath.Join(a.basePath, aliasFile), data, 0o644)
}

// DocCount returns the number of documents behind an index or alias.
func (a *Adapter) DocCount(ctx context.Context, name string) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if alias, ok := a.aliases[name]; ok {
		return alias.DocCount()
	}
	idx, ok := a.indices[name]
	if !ok {
		return 0, &search.Error{Op: "DocCount", Index: name, Err: search.ErrNotFound}
	}
	return idx.DocCount()
}

// Target returns the physical index an alias points at.
func (a *Adapter) Target(canonical string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.targets[canonical]
	return t, ok
}

// Close closes all indexes.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []string
	for name, idx := range a.indices {
		if err := idx.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	a.indices = make(map[string]bleve.Index)
	a.aliases = make(map[string]bleve.IndexAlias)

	if len(errs) > 0 {
		return fmt.Errorf("failed to close indexes: %s", strings.Join(errs, "; "))
	}
	return nil
}
