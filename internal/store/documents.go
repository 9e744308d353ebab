package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const maxCreateAttempts = 3

type titleStore interface {
	FindByTitle(ctx context.Context, title string) (Document, error)
	Create(ctx context.Context, title, creatorID string) (Document, error)
}

// findOrCreate resolves title to a document, creating it with userID as the
// creator when absent. A create that loses the race on the unique title index
// reports ErrConflict and the loop re-reads the winner's row.
func findOrCreate(ctx context.Context, s titleStore, title, userID string) (Document, bool, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Document{}, false, fmt.Errorf("find or create: empty title")
	}

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		doc, err := s.FindByTitle(ctx, title)
		if err == nil {
			return doc, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Document{}, false, err
		}

		doc, err = s.Create(ctx, title, userID)
		if err == nil {
			return doc, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return Document{}, false, err
		}
		// Lost the race. A concurrent delete may also remove the winner before
		// we read it, hence the bounded loop.
	}
	return Document{}, false, fmt.Errorf("find or create %q: %w", title, ErrConflict)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
