package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrEmailTaken   = errors.New("email already registered")
	ErrInvalidGrant = errors.New("invalid access grant")
)

// EmptyContent is the content of a freshly created document.
var EmptyContent = json.RawMessage(`""`)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Grant is a role that can be handed out through a share. The creator role is
// fixed at creation and never granted.
type Grant string

const (
	GrantEditor Grant = "editor"
	GrantViewer Grant = "viewer"
)

func (g Grant) Valid() bool {
	return g == GrantEditor || g == GrantViewer
}

// AccessList holds the three role tiers of a document. Editors and Viewers are
// never nil and a user id appears in at most one tier.
type AccessList struct {
	Creator string
	Editors []string
	Viewers []string
}

func newAccessList(creatorID string) AccessList {
	return AccessList{Creator: creatorID, Editors: []string{}, Viewers: []string{}}
}

func (a AccessList) clone() AccessList {
	return AccessList{
		Creator: a.Creator,
		Editors: append([]string{}, a.Editors...),
		Viewers: append([]string{}, a.Viewers...),
	}
}

// Members returns every user id on the list, creator first.
func (a AccessList) Members() []string {
	out := make([]string, 0, 1+len(a.Editors)+len(a.Viewers))
	out = append(out, a.Creator)
	out = append(out, a.Editors...)
	out = append(out, a.Viewers...)
	return out
}

type Document struct {
	ID             string
	Title          string
	Content        json.RawMessage
	Access         AccessList
	LastModifiedBy string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
