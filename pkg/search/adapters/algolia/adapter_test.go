package algolia

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp-forge/reindexer/pkg/search"
)

type fakeAPI struct {
	mu      sync.Mutex
	indices map[string][]map[string]interface{}
	failAll error
}

func newFakeAPI(names ...string) *fakeAPI {
	f := &fakeAPI{indices: map[string][]map[string]interface{}{}}
	for _, n := range names {
		f.indices[n] = nil
	}
	return f
}

func (f *fakeAPI) setSettings(index string, attrs []string, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.indices[index] = nil
	return nil
}

func (f *fakeAPI) saveObjects(index string, objects []map[string]interface{}, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	f.indices[index] = append(f.indices[index], objects...)
	return nil
}

func (f *fakeAPI) deleteIndex(index string, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.indices, index)
	return nil
}

func (f *fakeAPI) exists(index string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return false, f.failAll
	}
	_, ok := f.indices[index]
	return ok, nil
}

func (f *fakeAPI) listIndices() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.indices))
	for n := range f.indices {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeAPI) moveIndex(src, dst string, wait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indices[dst] = f.indices[src]
	delete(f.indices, src)
	return nil
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "complete valid config",
			config: &Config{AppID: "APPID123", WriteAPIKey: "write-key-123"},
		},
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name:    "missing app ID",
			config:  &Config{WriteAPIKey: "write-key"},
			wantErr: true,
		},
		{
			name:    "missing write key",
			config:  &Config{AppID: "APPID"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdapter(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAdapter() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && tt.config != nil && !strings.Contains(err.Error(), "credentials required") {
				t.Errorf("error %q should mention missing credentials", err)
			}
		})
	}
}

func TestAdapter_Name(t *testing.T) {
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, newFakeAPI())
	if got := adapter.Name(); got != "algolia" {
		t.Errorf("Name() = %v, want algolia", got)
	}
}

func TestAdapter_DefaultSearchableAttributes(t *testing.T) {
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, newFakeAPI())
	if len(adapter.cfg.SearchableAttributes) == 0 {
		t.Error("expected default searchable attributes")
	}
}

func TestIndexDocuments(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI("table_search_index")
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, api)

	docs := []search.Document{
		{ID: "t1", EntityType: "table", Fields: map[string]interface{}{"name": "orders"}, Vector: []float32{0.5}},
		{ID: "", EntityType: "table"},
	}
	res, err := adapter.IndexDocuments(ctx, "table_search_index", docs)
	if err != nil {
		t.Fatalf("IndexDocuments() error = %v", err)
	}
	if res.Succeeded != 1 || len(res.Failed) != 1 {
		t.Errorf("IndexDocuments() = %+v, want 1 succeeded and 1 failed", res)
	}

	saved := api.indices["table_search_index"]
	if len(saved) != 1 {
		t.Fatalf("saved %d objects, want 1", len(saved))
	}
	if saved[0]["objectID"] != "t1" || saved[0]["name"] != "orders" {
		t.Errorf("unexpected object %v", saved[0])
	}
	if !reflect.DeepEqual(saved[0]["embedding"], []float32{0.5}) {
		t.Errorf("embedding = %v", saved[0]["embedding"])
	}
}

func TestIndexDocuments_RequestFailure(t *testing.T) {
	api := newFakeAPI("table_search_index")
	api.failAll = errors.New("429 too many requests")
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, api)

	_, err := adapter.IndexDocuments(context.Background(), "table_search_index", []search.Document{{ID: "t1"}})
	if !errors.Is(err, search.ErrIndexingFailed) {
		t.Errorf("IndexDocuments() error = %v, want ErrIndexingFailed", err)
	}
}

func TestIndexLifecycle(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI("user_search_index", "other_index")
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, api)

	if err := adapter.CreateIndex(ctx, "user_search_index"); !errors.Is(err, search.ErrIndexExists) {
		t.Errorf("CreateIndex() on existing index error = %v", err)
	}
	if err := adapter.CreateIndex(ctx, "user_search_index_rebuild_7"); err != nil {
		t.Fatalf("CreateIndex() error = %v", err)
	}

	names, err := adapter.ListIndices(ctx, "user_search_index")
	if err != nil {
		t.Fatalf("ListIndices() error = %v", err)
	}
	want := []string{"user_search_index", "user_search_index_rebuild_7"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("ListIndices() = %v, want %v", names, want)
	}

	if err := adapter.PromoteIndex(ctx, "user_search_index_rebuild_7", "user_search_index"); err != nil {
		t.Fatalf("PromoteIndex() error = %v", err)
	}
	if exists, _ := adapter.IndexExists(ctx, "user_search_index_rebuild_7"); exists {
		t.Error("staged index should be gone after promotion")
	}
	if err := adapter.PromoteIndex(ctx, "missing", "user_search_index"); !errors.Is(err, search.ErrNotFound) {
		t.Errorf("PromoteIndex() on missing index error = %v", err)
	}

	if err := adapter.DeleteIndex(ctx, "other_index"); err != nil {
		t.Fatalf("DeleteIndex() error = %v", err)
	}
	if err := adapter.DeleteIndex(ctx, "other_index"); !errors.Is(err, search.ErrNotFound) {
		t.Errorf("DeleteIndex() twice error = %v", err)
	}
}

func TestErrorWrapping(t *testing.T) {
	api := newFakeAPI()
	api.failAll = errors.New("connection refused")
	adapter := newAdapter(&Config{AppID: "a", WriteAPIKey: "k"}, api)

	_, err := adapter.IndexExists(context.Background(), "x")
	var searchErr *search.Error
	if !errors.As(err, &searchErr) {
		t.Fatalf("expected *search.Error, got %T", err)
	}
	if searchErr.Op != "IndexExists" {
		t.Errorf("Op = %v, want IndexExists", searchErr.Op)
	}
	if !errors.Is(err, search.ErrBackendUnavailable) {
		t.Errorf("error should wrap ErrBackendUnavailable")
	}
}
