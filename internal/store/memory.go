package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"quillsync/api/internal/util"
)

// MemoryStore keeps users and documents in process memory. It backs local
// development (QUILLSYNC_STORE=memory) and the realtime tests.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]User
	emails     map[string]string
	documents  map[string]Document
	titles     map[string]string
	membership map[string]map[string]struct{}
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]User),
		emails:     make(map[string]string),
		documents:  make(map[string]Document),
		titles:     make(map[string]string),
		membership: make(map[string]map[string]struct{}),
		now:        time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user.Email = normalizeEmail(user.Email)
	if _, taken := s.emails[user.Email]; taken {
		return User{}, ErrEmailTaken
	}
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	now := s.now()
	user.CreatedAt, user.UpdatedAt = now, now
	s.users[user.ID] = user
	s.emails[user.Email] = user.ID
	return user, nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return s.users[id], nil
}

func (s *MemoryStore) FindByTitle(_ context.Context, title string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.titles[title]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(s.documents[id]), nil
}

func (s *MemoryStore) GetDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) Create(_ context.Context, title, creatorID string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.titles[title]; taken {
		return Document{}, ErrConflict
	}
	now := s.now()
	doc := Document{
		ID:             util.NewID("doc"),
		Title:          title,
		Content:        EmptyContent,
		Access:         newAccessList(creatorID),
		LastModifiedBy: creatorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.documents[doc.ID] = doc
	s.titles[title] = doc.ID
	s.index(creatorID, doc.ID)
	return copyDocument(doc), nil
}

func (s *MemoryStore) FindOrCreate(ctx context.Context, title, userID string) (Document, bool, error) {
	return findOrCreate(ctx, s, title, userID)
}

func (s *MemoryStore) UpdateContent(_ context.Context, documentID string, content json.RawMessage, modifierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if !now.After(doc.UpdatedAt) {
		now = doc.UpdatedAt.Add(time.Microsecond)
	}
	doc.Content = append(json.RawMessage{}, content...)
	doc.LastModifiedBy = modifierID
	doc.UpdatedAt = now
	s.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) MutateAccess(_ context.Context, documentID, targetUserID string, grant Grant) error {
	if !grant.Valid() {
		return ErrInvalidGrant
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return ErrNotFound
	}
	if doc.Access.Creator == targetUserID {
		return ErrInvalidGrant
	}

	access := doc.Access.clone()
	switch grant {
	case GrantEditor:
		access.Viewers = without(access.Viewers, targetUserID)
		access.Editors = withMember(access.Editors, targetUserID)
	case GrantViewer:
		access.Editors = without(access.Editors, targetUserID)
		access.Viewers = withMember(access.Viewers, targetUserID)
	}
	doc.Access = access
	s.documents[documentID] = doc
	s.index(targetUserID, documentID)
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return false, nil
	}
	delete(s.documents, documentID)
	delete(s.titles, doc.Title)
	for _, docs := range s.membership {
		delete(docs, documentID)
	}
	return true, nil
}

func (s *MemoryStore) ListDocumentsForUser(_ context.Context, userID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Document, 0, len(s.membership[userID]))
	for id := range s.membership[userID] {
		if doc, ok := s.documents[id]; ok {
			items = append(items, copyDocument(doc))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	return items, nil
}

// ListAllDocuments returns every document regardless of membership.
func (s *MemoryStore) ListAllDocuments(context.Context) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]Document, 0, len(s.documents))
	for _, doc := range s.documents {
		items = append(items, copyDocument(doc))
	}
	return items, nil
}

func (s *MemoryStore) index(userID, documentID string) {
	docs, ok := s.membership[userID]
	if !ok {
		docs = make(map[string]struct{})
		s.membership[userID] = docs
	}
	docs[documentID] = struct{}{}
}

func copyDocument(doc Document) Document {
	doc.Content = append(json.RawMessage{}, doc.Content...)
	doc.Access = doc.Access.clone()
	return doc
}

func without(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func withMember(ids []string, target string) []string {
	for _, id := range ids {
		if id == target {
			return ids
		}
	}
	return append(ids, target)
}
