package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/authpw"
	"quillsync/api/internal/email"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/rbac"
	"quillsync/api/internal/search"
	"quillsync/api/internal/store"
)

// Store is the persistence surface of the HTTP API.
type Store interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	MutateAccess(ctx context.Context, documentID, targetUserID string, grant store.Grant) error
	DeleteDocument(ctx context.Context, documentID string) (bool, error)
	ListDocumentsForUser(ctx context.Context, userID string) ([]store.Document, error)
}

type Revoker interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
}

type Notifier interface {
	IsConfigured() bool
	SendShareNotification(to string, data email.ShareData) error
}

type Authenticator interface {
	Resolve(ctx context.Context, credential string) (auth.Identity, error)
}

// Deps wires the Service. Revoker, Notifier and Search may be nil.
type Deps struct {
	Store         Store
	Accounts      *authpw.Service
	Authenticator Authenticator
	Revoker       Revoker
	Notifier      Notifier
	Search        *search.Service
	Rooms         *presence.Registry
	Logger        logrus.FieldLogger
	PublicURL     string
}

type Service struct {
	store     Store
	accounts  *authpw.Service
	authn     Authenticator
	revoker   Revoker
	notifier  Notifier
	search    *search.Service
	rooms     *presence.Registry
	log       logrus.FieldLogger
	publicURL string
}

func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	rooms := deps.Rooms
	if rooms == nil {
		rooms = presence.NewRegistry(nil)
	}
	return &Service{
		store:     deps.Store,
		accounts:  deps.Accounts,
		authn:     deps.Authenticator,
		revoker:   deps.Revoker,
		notifier:  deps.Notifier,
		search:    deps.Search,
		rooms:     rooms,
		log:       log,
		publicURL: strings.TrimRight(deps.PublicURL, "/"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Authenticate resolves the caller of an HTTP request.
func (s *Service) Authenticate(r *http.Request) (auth.Identity, error) {
	credential := auth.CredentialFromRequest(r)
	if credential == "" {
		return auth.Identity{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	identity, err := s.authn.Resolve(r.Context(), credential)
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			return auth.Identity{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		}
		return auth.Identity{}, fmt.Errorf("resolve identity: %w", err)
	}
	return identity, nil
}

func (s *Service) SignUp(ctx context.Context, name, emailAddr, password string) (*authpw.Session, error) {
	session, err := s.accounts.SignUp(ctx, authpw.SignUpRequest{Name: name, Email: emailAddr, Password: password})
	if err != nil {
		var verr *authpw.ValidationError
		switch {
		case errors.As(err, &verr):
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), map[string]string{"field": verr.Field})
		case errors.Is(err, authpw.ErrEmailTaken):
			return nil, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
		}
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"action": "signup", "user_id": session.User.ID}).Info("user signed up")
	return session, nil
}

func (s *Service) SignIn(ctx context.Context, emailAddr, password string, rememberMe bool) (*authpw.Session, error) {
	session, err := s.accounts.SignIn(ctx, authpw.SignInRequest{Email: emailAddr, Password: password, RememberMe: rememberMe})
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return nil, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
		}
		return nil, err
	}
	return session, nil
}

// Logout revokes the caller's token when a revocation store is configured.
func (s *Service) Logout(ctx context.Context, identity auth.Identity) error {
	if s.revoker == nil || identity.TokenID == "" {
		return nil
	}
	if err := s.revoker.Revoke(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// DocumentSummary is one row of the caller's document list.
type DocumentSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Role           rbac.Role `json:"role"`
	CreatorID      string    `json:"creatorId"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ActiveUsers    int       `json:"activeUsers"`
}

func (s *Service) ListDocuments(ctx context.Context, identity auth.Identity) ([]DocumentSummary, error) {
	docs, err := s.store.ListDocumentsForUser(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	items := make([]DocumentSummary, 0, len(docs))
	for _, doc := range docs {
		items = append(items, DocumentSummary{
			ID:             doc.ID,
			Title:          doc.Title,
			Role:           rbac.RoleOf(doc.Access, identity.UserID),
			CreatorID:      doc.Access.Creator,
			LastModifiedBy: doc.LastModifiedBy,
			UpdatedAt:      doc.UpdatedAt,
			ActiveUsers:    distinctUsers(s.rooms.List(doc.ID)),
		})
	}
	return items, nil
}

// ShareDocument grants role on a document to the user registered under
// targetEmail. Only the creator may share.
func (s *Service) ShareDocument(ctx context.Context, actor auth.Identity, documentID, targetEmail, role string) error {
	grant, ok := rbac.Grant(role)
	if !ok {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "role must be editor or viewer", map[string]string{"field": "role"})
	}

	target, err := s.store.GetUserByEmail(ctx, targetEmail)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
		}
		return fmt.Errorf("lookup share target: %w", err)
	}
	if target.ID == actor.UserID {
		return domainError(http.StatusBadRequest, "SHARE_SELF", "You cannot share with yourself", nil)
	}

	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.RoleOf(doc.Access, actor.UserID), rbac.ActionShare) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the creator can share this document", nil)
	}

	if err := s.store.MutateAccess(ctx, doc.ID, target.ID, grant); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
		}
		return fmt.Errorf("mutate access: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"action":      "share_document",
		"document_id": doc.ID,
		"user_id":     actor.UserID,
		"target_id":   target.ID,
		"role":        string(grant),
	}).Info("document shared")

	if s.search != nil {
		if updated, err := s.store.GetDocument(ctx, doc.ID); err == nil {
			s.search.IndexDocument(updated)
		}
	}
	s.notifyShare(actor, target, doc, grant)
	return nil
}

func (s *Service) notifyShare(actor auth.Identity, target store.User, doc store.Document, grant store.Grant) {
	if s.notifier == nil || !s.notifier.IsConfigured() {
		return
	}
	data := email.ShareData{
		RecipientName: target.DisplayName,
		SharerName:    actor.DisplayName,
		DocumentTitle: doc.Title,
		Role:          string(grant),
	}
	if s.publicURL != "" {
		data.DocumentURL = s.publicURL + "/documents/" + url.PathEscape(doc.Title)
	}
	go func() {
		if err := s.notifier.SendShareNotification(target.Email, data); err != nil {
			s.log.WithError(err).WithField("document_id", doc.ID).Warn("share notification failed")
		}
	}()
}

// DeleteDocument removes a document. Sessions still joined to it keep relaying;
// their later saves find nothing to update.
func (s *Service) DeleteDocument(ctx context.Context, actor auth.Identity, documentID string) error {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !rbac.Can(rbac.RoleOf(doc.Access, actor.UserID), rbac.ActionDelete) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the creator can delete this document", nil)
	}

	deleted, err := s.store.DeleteDocument(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !deleted {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
	}
	if s.search != nil {
		s.search.DeleteDocument(doc.ID)
	}
	s.log.WithFields(logrus.Fields{
		"action":      "delete_document",
		"document_id": doc.ID,
		"user_id":     actor.UserID,
	}).Info("document deleted")
	return nil
}

func (s *Service) Search(ctx context.Context, actor auth.Identity, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{Text: text, UserID: actor.UserID, Limit: limit, Offset: offset})
}

// PresenceEntry is one joined session as reported by the presence endpoint.
type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Presence lists the sessions joined to a document. The caller needs at least
// viewer access.
func (s *Service) Presence(ctx context.Context, actor auth.Identity, documentID string) ([]PresenceEntry, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(rbac.RoleOf(doc.Access, actor.UserID), rbac.ActionReceive) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "You do not have access to this document", nil)
	}
	members := s.rooms.List(doc.ID)
	out := make([]PresenceEntry, len(members))
	for i, m := range members {
		out[i] = PresenceEntry{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	return out, nil
}

// distinctUsers counts users, not sessions: one user in two tabs is one.
func distinctUsers(members []presence.Member) int {
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		seen[m.UserID] = struct{}{}
	}
	return len(seen)
}

func (s *Service) loadDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Document{}, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
		}
		return store.Document{}, fmt.Errorf("load document: %w", err)
	}
	return doc, nil
}
