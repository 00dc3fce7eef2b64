// Package search wraps a bleve full-text index over the searchable text
// of session events: message content, tool call/result text, and compact
// summaries. It substitutes for the SQLite FTS5 virtual tables a
// file-based store would otherwise use, since the event store's own
// write path does not need to special-case a virtual-table schema.
package search

import (
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// Document is the indexed representation of one searchable event.
type Document struct {
	SessionID string `json:"sessionID"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Index is a single bleve index over one workspace's (or the whole
// store's) searchable event text.
type Index struct {
	bi bleve.Index
}

// Open opens the bleve index at dir, creating it with a default text
// mapping if it doesn't exist yet.
func Open(dir string) (*Index, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		mapping := bleve.NewIndexMapping()
		bi, err := bleve.New(dir, mapping)
		if err != nil {
			return nil, fmt.Errorf("search: create index: %w", err)
		}
		return &Index{bi: bi}, nil
	}
	bi, err := bleve.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}
	return &Index{bi: bi}, nil
}

// Close releases the index's file handles.
func (idx *Index) Close() error {
	if idx == nil || idx.bi == nil {
		return nil
	}
	return idx.bi.Close()
}

// Index adds or replaces the document for eventID.
func (idx *Index) Index(eventID string, doc Document) error {
	return idx.bi.Index(eventID, doc)
}

// Search returns event ids matching query, most relevant first,
// optionally scoped to a single session.
func (idx *Index) Search(sessionID, q string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	textQuery := bleve.NewMatchQuery(q)

	var searchQuery query.Query = textQuery
	if sessionID != "" {
		sessionQuery := bleve.NewMatchQuery(sessionID)
		sessionQuery.SetField("sessionID")
		searchQuery = bleve.NewConjunctionQuery(textQuery, sessionQuery)
	}

	req := bleve.NewSearchRequest(searchQuery)
	req.Size = limit
	res, err := idx.bi.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}

	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}
