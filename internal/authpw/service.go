// Package authpw provides email/password accounts and issues the bearer tokens
// the realtime gateway accepts.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
	"golang.org/x/crypto/bcrypt"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = store.ErrEmailTaken
)

// ValidationError reports which sign-up field was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) (store.User, error)
}

// Service provides email/password authentication
type Service struct {
	store       UserStore
	tokenSecret []byte
	tokenTTL    time.Duration
	rememberTTL time.Duration
	cost        int
}

// NewService creates a new auth service. tokenTTL applies to ordinary logins,
// rememberTTL to logins with rememberMe and to the login that follows sign-up.
func NewService(store UserStore, tokenSecret string, tokenTTL, rememberTTL time.Duration) *Service {
	return &Service{
		store:       store,
		tokenSecret: []byte(tokenSecret),
		tokenTTL:    tokenTTL,
		rememberTTL: rememberTTL,
		cost:        bcrypt.DefaultCost,
	}
}

// WithCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func (s *Service) WithCost(cost int) *Service {
	s.cost = cost
	return s
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Name     string
	Email    string
	Password string
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email      string
	Password   string
	RememberMe bool
}

// Session is a signed-in user and the token that proves it.
type Session struct {
	User      store.User
	Token     string
	TokenID   string
	ExpiresAt time.Time
}

func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)

	if n := utf8.RuneCountInString(name); n < 3 || n > 50 {
		return nil, &ValidationError{Field: "name", Message: "must be between 3 and 50 characters"}
	}
	if !govalidator.IsEmail(email) {
		return nil, &ValidationError{Field: "email", Message: "must be a valid email address"}
	}
	if len(req.Password) < 8 {
		return nil, &ValidationError{Field: "password", Message: "must be at least 8 characters"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, store.User{
		DisplayName:  name,
		Email:        email,
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	return s.issue(user, s.rememberTTL)
}

func (s *Service) SignIn(ctx context.Context, req SignInRequest) (*Session, error) {
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	ttl := s.tokenTTL
	if req.RememberMe {
		ttl = s.rememberTTL
	}
	return s.issue(user, ttl)
}

// IssueFor signs a token for an existing user without a password check. Used by
// the admin CLI.
func (s *Service) IssueFor(ctx context.Context, email string, ttl time.Duration) (*Session, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return s.issue(user, ttl)
}

func (s *Service) issue(user store.User, ttl time.Duration) (*Session, error) {
	token, claims, err := auth.IssueToken(s.tokenSecret, user.ID, user.Email, user.DisplayName, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	user.PasswordHash = ""
	return &Session{
		User:      user,
		Token:     token,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
