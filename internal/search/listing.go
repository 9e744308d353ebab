package search

import (
	"context"
	"fmt"
	"strings"

	"quillsync/api/internal/store"
)

// DocumentLister is the slice of the document store the in-process searcher needs.
type DocumentLister interface {
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
}

// Listing searches by case-insensitive title substring over the caller's
// documents. It backs the memory store, where there is no database to query.
type Listing struct {
	docs DocumentLister
}

func NewListing(docs DocumentLister) *Listing {
	return &Listing{docs: docs}
}

func (l *Listing) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))
	if text == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	docs, err := l.docs.ListDocumentsForUser(ctx, q.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}

	var matched []Result
	for _, doc := range docs {
		if strings.Contains(strings.ToLower(doc.Title), text) {
			matched = append(matched, Result{ID: doc.ID, Title: doc.Title, UpdatedAt: doc.UpdatedAt})
		}
	}

	total := len(matched)
	if q.Offset >= total {
		return nil, total, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return matched[q.Offset:end], total, nil
}
