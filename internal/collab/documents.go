package collab

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"quillsync/api/internal/store"
)

// findTimeout bounds the shared store call, which outlives any one caller.
const findTimeout = 10 * time.Second

// DocumentStore is the persistence surface a realtime session needs.
type DocumentStore interface {
	FindOrCreate(ctx context.Context, title, userID string) (store.Document, bool, error)
	UpdateContent(ctx context.Context, documentID string, content json.RawMessage, modifierID string) error
}

// Documents collapses concurrent first joins on the same title into one store
// round trip. The store's unique title constraint still decides the winner
// across processes.
type Documents struct {
	store    DocumentStore
	group    singleflight.Group
	onCreate func(store.Document)
}

// NewDocuments wraps s. onCreate, if non-nil, runs once for each document this
// process created (used to feed the search index).
func NewDocuments(s DocumentStore, onCreate func(store.Document)) *Documents {
	return &Documents{store: s, onCreate: onCreate}
}

// FindOrCreate resolves a title to its document, creating it for userID when
// missing. Joins that differ only in surrounding whitespace share one call,
// and a caller that gives up does not cancel it for the others.
func (d *Documents) FindOrCreate(ctx context.Context, title, userID string) (store.Document, error) {
	key := strings.TrimSpace(title)
	ch := d.group.DoChan(key, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), findTimeout)
		defer cancel()
		doc, created, err := d.store.FindOrCreate(shared, key, userID)
		if err != nil {
			return store.Document{}, err
		}
		if created && d.onCreate != nil {
			d.onCreate(doc)
		}
		return doc, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return store.Document{}, res.Err
		}
		return res.Val.(store.Document), nil
	case <-ctx.Done():
		return store.Document{}, ctx.Err()
	}
}

func (d *Documents) UpdateContent(ctx context.Context, documentID string, content json.RawMessage, modifierID string) error {
	return d.store.UpdateContent(ctx, documentID, content, modifierID)
}
