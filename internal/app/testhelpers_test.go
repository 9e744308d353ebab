package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/crypto/bcrypt"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/authpw"
	"quillsync/api/internal/email"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/revocation"
	"quillsync/api/internal/search"
	"quillsync/api/internal/store"
)

const testSecret = "app-test-secret"

type sentShare struct {
	to   string
	data email.ShareData
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentShare
	done chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{done: make(chan struct{}, 8)}
}

func (f *fakeNotifier) IsConfigured() bool { return true }

func (f *fakeNotifier) SendShareNotification(to string, data email.ShareData) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentShare{to: to, data: data})
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

type pingStore struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (p *pingStore) Ping(ctx context.Context) error {
	if p.pingFn != nil {
		return p.pingFn(ctx)
	}
	return nil
}

type testEnv struct {
	store    *pingStore
	rooms    *presence.Registry
	notifier *fakeNotifier
	redis    *miniredis.Miniredis
	service  *Service
	resolver *auth.Resolver
	logger   *logrus.Logger
	logs     *test.Hook
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, logs := test.NewNullLogger()
	ms := &pingStore{MemoryStore: store.NewMemoryStore()}
	mr := miniredis.RunT(t)
	revoked, err := revocation.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = revoked.Close() })

	rooms := presence.NewRegistry(nil)
	notifier := newFakeNotifier()
	resolver := auth.NewResolver(testSecret, ms, revoked)
	svc := NewService(Deps{
		Store:         ms,
		Accounts:      authpw.NewService(ms, testSecret, time.Hour, 7*24*time.Hour).WithCost(bcrypt.MinCost),
		Authenticator: resolver,
		Revoker:       revoked,
		Notifier:      notifier,
		Search:        search.NewService(nil, search.NewListing(ms), logger),
		Rooms:         rooms,
		Logger:        logger,
		PublicURL:     "https://quill.example.com/",
	})
	server := NewHTTPServer(svc, HTTPOptions{CORSOrigin: "*", Logger: logger})
	return &testEnv{
		store:    ms,
		rooms:    rooms,
		notifier: notifier,
		redis:    mr,
		service:  svc,
		resolver: resolver,
		logger:   logger,
		logs:     logs,
		handler:  server.Handler(),
	}
}

// signUp registers a user through the API and returns its id and token.
func (e *testEnv) signUp(t *testing.T, name, emailAddr string) (string, string) {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
		"name": name, "email": emailAddr, "password": "password123",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body=%s", emailAddr, rr.Code, rr.Body.String())
	}
	var payload struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decode(t, rr, &payload)
	return payload.User.ID, payload.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	decode(t, rr, &payload)
	return payload.Code
}

func newRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

func serve(e *testEnv, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

// createDocument opens a document the way the realtime layer does on first
// join.
func (e *testEnv) createDocument(t *testing.T, title, userID string) store.Document {
	t.Helper()
	doc, _, err := e.store.FindOrCreate(context.Background(), title, userID)
	if err != nil {
		t.Fatalf("FindOrCreate(%q) error = %v", title, err)
	}
	return doc
}

func (e *testEnv) waitForNotification(t *testing.T) sentShare {
	t.Helper()
	select {
	case <-e.notifier.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for share notification")
	}
	e.notifier.mu.Lock()
	defer e.notifier.mu.Unlock()
	return e.notifier.sent[len(e.notifier.sent)-1]
}

type discardOutbox struct{}

func (discardOutbox) Send([]byte) bool { return true }
