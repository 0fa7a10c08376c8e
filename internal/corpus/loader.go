package corpus

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
)

// Loader is a registry of named EndpointDocs loaded once at startup and
// looked up by (service, path) for the rest of the process lifetime,
// loaded once at startup, then served read-only.
// The corpus is append-only within a run; Add is only
// called during the initial load batch.
type Loader struct {
	mu   sync.RWMutex
	docs map[string]*EndpointDoc
}

// NewLoader creates an empty Loader.
func NewLoader() *Loader {
	return &Loader{docs: make(map[string]*EndpointDoc)}
}

// Add inserts a document, keyed by its ID.
func (l *Loader) Add(d EndpointDoc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc := d
	l.docs[doc.ID()] = &doc
}

// Get looks up a single endpoint by service and path.
func (l *Loader) Get(service, path string) *EndpointDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.docs[EndpointDoc{Service: service, Path: path}.ID()]
}

// ByID looks up a single endpoint by its corpus key ("service.path").
func (l *Loader) ByID(id string) *EndpointDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.docs[id]
}

// HasService reports whether any loaded document belongs to service.
func (l *Loader) HasService(service string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, d := range l.docs {
		if d.Service == service {
			return true
		}
	}
	return false
}

// All returns every loaded document, sorted by ID for determinism.
func (l *Loader) All() []*EndpointDoc {
	l.mu.RLock()
	defer l.mu.RUnlock()
	docs := make([]*EndpointDoc, 0, len(l.docs))
	for _, d := range l.docs {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID() < docs[j].ID() })
	return docs
}

// Len reports how many documents are loaded.
func (l *Loader) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docs)
}

// LoadJSONFile reads a static JSON fixture: an array of EndpointDoc
// records. This is the baseline corpus source.
func (l *Loader) LoadJSONFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("corpus: open %s: %w", path, err)
	}
	defer f.Close()

	var docs []EndpointDoc
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return fmt.Errorf("corpus: parse %s: %w", path, err)
	}
	for _, d := range docs {
		l.Add(d)
	}
	return nil
}

// LoadRSSFeed ingests endpoint documentation published as an RSS/Atom
// changelog feed: each item becomes one EndpointDoc, the item's title
// used as the path and its description as the doc body.
func (l *Loader) LoadRSSFeed(feedURL, service string) error {
	fp := gofeed.NewParser()
	fp.Client = &http.Client{Timeout: 30 * time.Second}

	feed, err := fp.ParseURL(feedURL)
	if err != nil {
		return fmt.Errorf("corpus: fetch feed %s: %w", feedURL, err)
	}

	for _, item := range feed.Items {
		l.Add(EndpointDoc{
			Service:     service,
			Path:        item.Title,
			Method:      "POST",
			Description: item.Description,
		})
	}
	return nil
}

// LoadReader reads a static JSON fixture from an already-open reader,
// used by tests that don't want to touch the filesystem.
func LoadDocsFromReader(r io.Reader) ([]EndpointDoc, error) {
	var docs []EndpointDoc
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("corpus: parse reader: %w", err)
	}
	return docs, nil
}
