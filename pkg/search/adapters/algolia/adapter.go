// Package algolia implements search.Backend on top of Algolia.
package algolia

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/algolia/algoliasearch-client-go/v3/algolia/opt"
	algoliasearch "github.com/algolia/algoliasearch-client-go/v3/algolia/search"
	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp-forge/reindexer/pkg/search"
)

// Config contains Algolia-specific configuration.
type Config struct {
	AppID       string
	WriteAPIKey string

	// SearchableAttributes are applied to every index the adapter creates.
	SearchableAttributes []string

	// WaitForTasks makes every write block until Algolia has applied it.
	WaitForTasks bool

	Logger hclog.Logger
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("algolia config is nil")
	}
	if c.AppID == "" || c.WriteAPIKey == "" {
		return fmt.Errorf("algolia app ID and write API key credentials required")
	}
	return nil
}

// api is the part of the Algolia client the adapter uses.
type api interface {
	setSettings(index string, attrs []string, wait bool) error
	saveObjects(index string, objects []map[string]interface{}, wait bool) error
	deleteIndex(index string, wait bool) error
	exists(index string) (bool, error)
	listIndices() ([]string, error)
	moveIndex(src, dst string, wait bool) error
}

// Adapter is a search.Backend backed by Algolia.
type Adapter struct {
	client api
	cfg    Config
	logger hclog.Logger
}

// NewAdapter creates a new Algolia adapter.
func NewAdapter(cfg *Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newAdapter(cfg, &clientAPI{client: algoliasearch.NewClient(cfg.AppID, cfg.WriteAPIKey)}), nil
}

func newAdapter(cfg *Config, client api) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := *cfg
	if len(c.SearchableAttributes) == 0 {
		c.SearchableAttributes = []string{"name", "displayName", "description", "fullyQualifiedName"}
	}
	return &Adapter{
		client: client,
		cfg:    c,
		logger: logger.Named("algolia"),
	}
}

// Name returns the backend name.
func (a *Adapter) Name() string {
	return string(search.ProviderTypeAlgolia)
}

// CreateIndex creates an index by applying settings to it.
func (a *Adapter) CreateIndex(ctx context.Context, name string) error {
	exists, err := a.client.exists(name)
	if err != nil {
		return &search.Error{Op: "CreateIndex", Index: name, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if exists {
		return &search.Error{Op: "CreateIndex", Index: name, Err: search.ErrIndexExists}
	}
	if err := a.client.setSettings(name, a.cfg.SearchableAttributes, a.cfg.WaitForTasks); err != nil {
		return &search.Error{Op: "CreateIndex", Index: name, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	a.logger.Debug("created index", "index", name)
	return nil
}

// DeleteIndex deletes an index.
func (a *Adapter) DeleteIndex(ctx context.Context, name string) error {
	exists, err := a.client.exists(name)
	if err != nil {
		return &search.Error{Op: "DeleteIndex", Index: name, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if !exists {
		return &search.Error{Op: "DeleteIndex", Index: name, Err: search.ErrNotFound}
	}
	if err := a.client.deleteIndex(name, a.cfg.WaitForTasks); err != nil {
		return &search.Error{Op: "DeleteIndex", Index: name, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	a.logger.Debug("deleted index", "index", name)
	return nil
}

// IndexExists reports whether an index exists.
func (a *Adapter) IndexExists(ctx context.Context, name string) (bool, error) {
	exists, err := a.client.exists(name)
	if err != nil {
		return false, &search.Error{Op: "IndexExists", Index: name, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	return exists, nil
}

// ListIndices returns the sorted names of indices starting with prefix.
func (a *Adapter) ListIndices(ctx context.Context, prefix string) ([]string, error) {
	all, err := a.client.listIndices()
	if err != nil {
		return nil, &search.Error{Op: "ListIndices", Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// IndexDocuments saves docs as Algolia objects keyed by document ID.
// Algolia accepts or rejects a batch as a whole, so a failed request fails
// every document in it.
func (a *Adapter) IndexDocuments(ctx context.Context, index string, docs []search.Document) (*search.BulkResult, error) {
	res := &search.BulkResult{}
	objects := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		if doc.ID == "" {
			res.Failed = append(res.Failed, search.ItemError{Reason: "document has no ID"})
			continue
		}
		objects = append(objects, toObject(doc))
	}
	if len(objects) == 0 {
		return res, nil
	}

	if err := a.client.saveObjects(index, objects, a.cfg.WaitForTasks); err != nil {
		return nil, &search.Error{Op: "IndexDocuments", Index: index, Err: search.ErrIndexingFailed, Msg: err.Error()}
	}
	res.Succeeded = len(objects)
	return res, nil
}

func toObject(doc search.Document) map[string]interface{} {
	obj := make(map[string]interface{}, len(doc.Fields)+3)
	for k, v := range doc.Fields {
		obj[k] = v
	}
	obj["objectID"] = doc.ID
	obj["entityType"] = doc.EntityType
	if len(doc.Vector) > 0 {
		obj["embedding"] = doc.Vector
	}
	return obj
}

// PromoteIndex moves staged over canonical. Algolia replaces the destination
// atomically and removes the source.
func (a *Adapter) PromoteIndex(ctx context.Context, staged, canonical string) error {
	exists, err := a.client.exists(staged)
	if err != nil {
		return &search.Error{Op: "PromoteIndex", Index: staged, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	if !exists {
		return &search.Error{Op: "PromoteIndex", Index: staged, Err: search.ErrNotFound}
	}
	if err := a.client.moveIndex(staged, canonical, a.cfg.WaitForTasks); err != nil {
		return &search.Error{Op: "PromoteIndex", Index: staged, Err: search.ErrBackendUnavailable, Msg: err.Error()}
	}
	a.logger.Info("promoted index", "staged", staged, "canonical", canonical)
	return nil
}

// Close is a no-op; the Algolia client holds no resources.
func (a *Adapter) Close() error {
	return nil
}

type clientAPI struct {
	client *algoliasearch.Client
}

func (c *clientAPI) setSettings(index string, attrs []string, block bool) error {
	res, err := c.client.InitIndex(index).SetSettings(algoliasearch.Settings{
		SearchableAttributes: opt.SearchableAttributes(attrs...),
	})
	if err != nil || !block {
		return err
	}
	return res.Wait()
}

func (c *clientAPI) saveObjects(index string, objects []map[string]interface{}, block bool) error {
	res, err := c.client.InitIndex(index).SaveObjects(objects)
	if err != nil || !block {
		return err
	}
	return res.Wait()
}

func (c *clientAPI) deleteIndex(index string, block bool) error {
	res, err := c.client.InitIndex(index).Delete()
	if err != nil || !block {
		return err
	}
	return res.Wait()
}

func (c *clientAPI) exists(index string) (bool, error) {
	return c.client.InitIndex(index).Exists()
}

func (c *clientAPI) listIndices() ([]string, error) {
	res, err := c.client.ListIndices()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(res.Items))
	for _, item := range res.Items {
		names = append(names, item.Name)
	}
	return names, nil
}

func (c *clientAPI) moveIndex(src, dst string, block bool) error {
	res, err := c.client.MoveIndex(src, dst)
	if err != nil || !block {
		return err
	}
	return res.Wait()
}

var _ search.Backend = (*Adapter)(nil)
