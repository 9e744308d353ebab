package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/collab"
	"quillsync/api/internal/metrics"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/store"
)

const testSecret = "gateway-test-secret"

type fixture struct {
	store   *store.MemoryStore
	rooms   *presence.Registry
	metrics *metrics.Metrics
	handler *Handler
	server  *httptest.Server
}

func newFixture(t *testing.T, resolver Resolver) *fixture {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ms := store.NewMemoryStore()
	m := metrics.Discard()
	rooms := presence.NewRegistry(m)
	if resolver == nil {
		resolver = auth.NewResolver(testSecret, ms, nil)
	}
	deps := collab.Deps{
		Documents: collab.NewDocuments(ms, nil),
		Rooms:     rooms,
		Logger:    logger,
		Metrics:   m,
		Options:   collab.Options{SaveInterval: time.Hour, SaveTimeout: time.Second, SaveMaxRetries: 1},
	}
	h := NewHandler(resolver, deps, Options{SendBuffer: 64, PongTimeout: 5 * time.Second})
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Shutdown(context.Background())
		srv.Close()
	})
	return &fixture{store: ms, rooms: rooms, metrics: m, handler: h, server: srv}
}

func (f *fixture) user(t *testing.T, id, name string) string {
	t.Helper()
	_, err := f.store.CreateUser(context.Background(), store.User{ID: id, DisplayName: name, Email: id + "@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	token, _, err := auth.IssueToken([]byte(testSecret), id, id+"@example.com", name, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", auth.CookieName+"="+token)
	ws, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, kind collab.Kind, payload string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"`+string(kind)+`","data":`+payload+`}`)))
}

func read(t *testing.T, ws *websocket.Conn) collab.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env collab.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func readUntil(t *testing.T, ws *websocket.Conn, kind collab.Kind) collab.Envelope {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := read(t, ws)
		if env.Type == kind {
			return env
		}
	}
	t.Fatalf("no %s frame", kind)
	return collab.Envelope{}
}

func TestHandshakeRejectsMissingCredential(t *testing.T) {
	f := newFixture(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Handshakes.WithLabelValues("rejected")))
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	f := newFixture(t, nil)
	token := f.user(t, "usr_a", "Ann")

	ws, _, err := websocket.DefaultDialer.Dial(f.wsURL()+"/?token="+token, nil)
	require.NoError(t, err)
	defer ws.Close()

	send(t, ws, collab.KindGetDocument, `{"title":"Plan"}`)
	assert.Equal(t, collab.KindLoadDocument, read(t, ws).Type)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (auth.Identity, error) {
	return auth.Identity{}, errors.New("redis: connection refused")
}

func TestHandshakeReportsUnavailableIdentityService(t *testing.T) {
	f := newFixture(t, failingResolver{})

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelayBetweenConnections(t *testing.T) {
	f := newFixture(t, nil)
	annToken := f.user(t, "usr_a", "Ann")
	benToken := f.user(t, "usr_b", "Ben")

	ann := f.dial(t, annToken)
	send(t, ann, collab.KindGetDocument, `{"title":"Plan"}`)
	readUntil(t, ann, collab.KindActiveUsers)

	doc, err := f.store.FindByTitle(context.Background(), "Plan")
	require.NoError(t, err)
	require.NoError(t, f.store.MutateAccess(context.Background(), doc.ID, "usr_b", store.GrantEditor))

	ben := f.dial(t, benToken)
	send(t, ben, collab.KindGetDocument, `"Plan"`)
	assert.Equal(t, collab.KindLoadDocument, read(t, ben).Type)
	role := read(t, ben)
	assert.JSONEq(t, `{"role":"editor"}`, string(role.Data))
	readUntil(t, ben, collab.KindActiveUsers)
	readUntil(t, ann, collab.KindActiveUsers)

	send(t, ann, collab.KindSendChanges, `{"ops":[{"insert":"x"}]}`)
	got := readUntil(t, ben, collab.KindReceiveChanges)
	assert.JSONEq(t, `{"ops":[{"insert":"x"}]}`, string(got.Data))

	send(t, ben, collab.KindCursor, `{"range":{"index":1,"length":0}}`)
	cursor := readUntil(t, ann, collab.KindCursor)
	var c collab.Cursor
	require.NoError(t, json.Unmarshal(cursor.Data, &c))
	assert.Equal(t, "usr_b", c.UserID)
	assert.Equal(t, "Ben", c.DisplayName)

	require.NoError(t, ben.Close())
	left := readUntil(t, ann, collab.KindUserLeft)
	assert.JSONEq(t, `{"userId":"usr_b"}`, string(left.Data))
}

func TestProtocolErrorKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, f.user(t, "usr_a", "Ann"))

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	assert.Equal(t, collab.KindError, read(t, ws).Type)

	send(t, ws, collab.KindGetDocument, `{"title":"Plan"}`)
	assert.Equal(t, collab.KindLoadDocument, read(t, ws).Type)
}

func TestShutdownClosesSessionsAndFlushes(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.dial(t, f.user(t, "usr_a", "Ann"))

	send(t, ws, collab.KindGetDocument, `{"title":"Plan"}`)
	readUntil(t, ws, collab.KindActiveUsers)
	doc, err := f.store.FindByTitle(context.Background(), "Plan")
	require.NoError(t, err)

	send(t, ws, collab.KindSave, `{"ops":[{"insert":"saved"}]}`)
	require.Eventually(t, func() bool {
		got, err := f.store.GetDocument(context.Background(), doc.ID)
		return err == nil && strings.Contains(string(got.Content), "saved")
	}, 3*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))
	assert.False(t, f.rooms.Has(doc.ID))
}

func TestSlowPeerIsDisconnected(t *testing.T) {
	m := metrics.Discard()
	c := newConn(nil, 1, time.Second, time.Second, m)

	assert.True(t, c.Send([]byte("a")))
	assert.False(t, c.Send([]byte("b")))
	select {
	case <-c.Done():
	default:
		t.Fatal("overflow must cancel the connection")
	}
	assert.False(t, c.Send([]byte("c")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowPeer))
}
