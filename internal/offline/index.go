package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const listingSchemaURL = "https://relaycache.local/schemas/collection-listing.json"

const listingSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {"type": "string"}
}`

// Indexer decides whether a URL is a member of a collection.
type Indexer interface {
	CollectionOf(rawURL string) (collectionURL, memberKey string, ok bool)
}

// PathIndexer treats the parent path of a URL as its collection and the last
// path segment as the member key. When Collections is set, only those parent
// paths are indexed.
type PathIndexer struct {
	Collections []string
}

func (p PathIndexer) CollectionOf(rawURL string) (string, string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	// Split on the escaped form so an encoded slash stays inside its segment.
	escaped := u.EscapedPath()
	idx := strings.LastIndex(escaped, "/")
	if idx <= 0 || idx == len(escaped)-1 {
		return "", "", false
	}
	rawParent := escaped[:idx]
	parent, err := url.PathUnescape(rawParent)
	if err != nil {
		return "", "", false
	}
	member, err := url.PathUnescape(escaped[idx+1:])
	if err != nil {
		return "", "", false
	}
	if len(p.Collections) > 0 && !p.indexes(parent) {
		return "", "", false
	}
	collection := *u
	collection.Path = parent
	collection.RawPath = rawParent
	return collection.String(), member, true
}

func (p PathIndexer) indexes(parent string) bool {
	for _, candidate := range p.Collections {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate == parent {
			return true
		}
	}
	return false
}

// IndexMaintainer keeps each collection's listing in the dynamic store in
// step with member writes.
type IndexMaintainer struct {
	dynamic *DynamicStore
	indexer Indexer
	schema  *jsonschema.Schema
	logger  *slog.Logger
	locks   keyedMutex
}

func NewIndexMaintainer(dynamic *DynamicStore, indexer Indexer, logger *slog.Logger) (*IndexMaintainer, error) {
	if indexer == nil {
		indexer = PathIndexer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileListingSchema()
	if err != nil {
		return nil, err
	}
	return &IndexMaintainer{
		dynamic: dynamic,
		indexer: indexer,
		schema:  schema,
		logger:  logger,
	}, nil
}

// Track reconciles the collection rawURL belongs to, if any.
func (m *IndexMaintainer) Track(ctx context.Context, rawURL string, add bool) error {
	collectionURL, memberKey, ok := m.indexer.CollectionOf(rawURL)
	if !ok {
		return nil
	}
	return m.Reconcile(ctx, collectionURL, memberKey, add)
}

// Reconcile adds or removes memberKey from the listing stored for
// collectionURL. A missing listing counts as empty; removing from a missing
// listing does nothing.
func (m *IndexMaintainer) Reconcile(ctx context.Context, collectionURL, memberKey string, add bool) error {
	unlock := m.locks.lock(collectionURL)
	defer unlock()

	existing, ok, err := m.dynamic.Get(ctx, collectionURL)
	if err != nil {
		return err
	}
	if !ok && !add {
		return nil
	}
	members := []string{}
	if ok {
		members = m.decodeListing(collectionURL, existing.Body)
	}
	next := make([]string, 0, len(members)+1)
	for _, member := range members {
		if member != memberKey {
			next = append(next, member)
		}
	}
	if add {
		next = append(next, memberKey)
	}
	body, err := json.Marshal(next)
	if err != nil {
		return err
	}

	listing := &Response{
		Status:     http.StatusOK,
		StatusText: http.StatusText(http.StatusOK),
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
	}
	if ok {
		listing.Status = existing.Status
		listing.StatusText = existing.StatusText
		listing.Headers = existing.Headers.Clone()
	}
	listing.Body = body
	return m.dynamic.Put(ctx, collectionURL, listing)
}

// Members returns the stored listing for collectionURL.
func (m *IndexMaintainer) Members(ctx context.Context, collectionURL string) ([]string, error) {
	existing, ok, err := m.dynamic.Get(ctx, collectionURL)
	if err != nil || !ok {
		return []string{}, err
	}
	return m.decodeListing(collectionURL, existing.Body), nil
}

func (m *IndexMaintainer) decodeListing(collectionURL string, body []byte) []string {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err == nil {
		err = m.schema.Validate(instance)
	}
	if err != nil {
		m.logger.Warn("discarding malformed collection listing", "collection", collectionURL, "error", err)
		return []string{}
	}
	var members []string
	if err := json.Unmarshal(body, &members); err != nil {
		return []string{}
	}
	return members
}

func compileListingSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(listingSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(listingSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(listingSchemaURL)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*refMutex{}
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
