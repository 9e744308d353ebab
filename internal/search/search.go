package search

import (
	"context"
	"time"

	"quillsync/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Query describes a search request. Only documents UserID can access match.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a title search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// DocumentRecord is the data we index for a document. Members carries every
// user id with any access so the index can filter by caller.
type DocumentRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Members   []string `json:"members"`
	UpdatedAt int64    `json:"updatedAt"`
}

func RecordFor(doc store.Document) DocumentRecord {
	return DocumentRecord{
		ID:        doc.ID,
		Title:     doc.Title,
		Members:   doc.Access.Members(),
		UpdatedAt: doc.UpdatedAt.Unix(),
	}
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
