// Package history provides full-text search over the session log. The
// index is in-memory only: it is rebuilt from the restored log at
// session start and updated on every append, so it never outlives the
// session it describes.
package history

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/vkleist/chatbox/internal/session"
)

// Result is one search hit over the session log.
type Result struct {
	MessageID string
	Text      string
	Direction string
	Score     float64
}

// Index is a full-text index over session messages. Safe for
// concurrent use: appends come from the session event loop while
// searches come from the frontend.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// NewIndex creates an empty in-memory index.
func NewIndex() (*Index, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create history index: %w", err)
	}
	return &Index{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	msgMapping := bleve.NewDocumentMapping()

	directionField := bleve.NewTextFieldMapping()
	directionField.Analyzer = keyword.Name
	directionField.Store = true
	directionField.Index = true
	msgMapping.AddFieldMappingsAt("direction", directionField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	textField.Index = true
	msgMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = msgMapping
	return indexMapping
}

// Add indexes one message.
func (i *Index) Add(m session.Message) error {
	doc := map[string]interface{}{
		"text":      m.Text,
		"direction": string(m.Direction),
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.index.Index(m.ID, doc)
}

// Rebuild replaces the index contents with the given log. The index is
// memory-only, so a rebuild is a fresh index plus one batch.
func (i *Index) Rebuild(messages []session.Message) error {
	fresh, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return fmt.Errorf("failed to rebuild history index: %w", err)
	}

	batch := fresh.NewBatch()
	for _, m := range messages {
		doc := map[string]interface{}{
			"text":      m.Text,
			"direction": string(m.Direction),
		}
		if err := batch.Index(m.ID, doc); err != nil {
			fresh.Close()
			return fmt.Errorf("failed to batch message: %w", err)
		}
	}
	if err := fresh.Batch(batch); err != nil {
		fresh.Close()
		return fmt.Errorf("failed to rebuild history index: %w", err)
	}

	i.mu.Lock()
	old := i.index
	i.index = fresh
	i.mu.Unlock()
	return old.Close()
}

// Search returns the top k matches for query.
func (i *Index) Search(query string, k int) ([]Result, error) {
	q := bleve.NewMatchQuery(query)

	searchRequest := bleve.NewSearchRequest(q)
	searchRequest.Size = k
	searchRequest.Fields = []string{"text", "direction"}

	i.mu.RLock()
	searchResult, err := i.index.Search(searchRequest)
	i.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("history search failed: %w", err)
	}

	results := make([]Result, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		r := Result{MessageID: hit.ID, Score: hit.Score}
		if text, ok := hit.Fields["text"].(string); ok {
			r.Text = text
		}
		if dir, ok := hit.Fields["direction"].(string); ok {
			r.Direction = dir
		}
		results = append(results, r)
	}

	return results, nil
}

// Close releases the index.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.index.Close()
}
