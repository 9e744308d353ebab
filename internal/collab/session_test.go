package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/metrics"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/rbac"
	"quillsync/api/internal/store"
)

type outbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (o *outbox) Send(frame []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, append([]byte{}, frame...))
	return true
}

func (o *outbox) all() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte{}, o.frames...)
}

func (o *outbox) envelopes(t *testing.T) []Envelope {
	t.Helper()
	var out []Envelope
	for _, f := range o.all() {
		var env Envelope
		require.NoError(t, json.Unmarshal(f, &env))
		out = append(out, env)
	}
	return out
}

func (o *outbox) kinds(t *testing.T) []Kind {
	t.Helper()
	var out []Kind
	for _, env := range o.envelopes(t) {
		out = append(out, env.Type)
	}
	return out
}

func (o *outbox) reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = nil
}

type harness struct {
	store *store.MemoryStore
	rooms *presence.Registry
	deps  Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, _ := test.NewNullLogger()
	ms := store.NewMemoryStore()
	rooms := presence.NewRegistry(nil)
	return &harness{
		store: ms,
		rooms: rooms,
		deps: Deps{
			Documents: NewDocuments(ms, nil),
			Rooms:     rooms,
			Logger:    logger,
			Metrics:   metrics.Discard(),
			Options: Options{
				SaveInterval:   time.Hour,
				SaveTimeout:    time.Second,
				SaveMaxRetries: 1,
			},
		},
	}
}

func (h *harness) session(userID string) (*Session, *outbox) {
	out := &outbox{}
	id := auth.Identity{UserID: userID, DisplayName: "User " + userID}
	return NewSession("sess-"+userID, id, out, h.deps), out
}

func frame(t *testing.T, kind Kind, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return encodeRaw(kind, data)
}

func joinFrame(t *testing.T, title string) []byte {
	return frame(t, KindGetDocument, map[string]string{"title": title})
}

func roleOf(t *testing.T, env Envelope) rbac.Role {
	t.Helper()
	var body struct {
		Role rbac.Role `json:"role"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	return body.Role
}

func activeUsers(t *testing.T, env Envelope) []string {
	t.Helper()
	var entries []PresenceEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	return ids
}

func TestJoinSendsLoadRoleAndPresenceInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, aliceOut := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))

	assert.Equal(t, StateJoined, alice.State())
	assert.Equal(t, rbac.RoleCreator, alice.Role())
	envs := aliceOut.envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, KindLoadDocument, envs[0].Type)
	assert.JSONEq(t, `{"content":""}`, string(envs[0].Data))
	assert.Equal(t, rbac.RoleCreator, roleOf(t, envs[1]))
	assert.Equal(t, []string{"alice"}, activeUsers(t, envs[2]))
}

func TestEditorsShareEditsVerbatim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, aliceOut := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	require.NoError(t, h.store.MutateAccess(ctx, alice.DocumentID(), "bob", store.GrantEditor))

	bob, bobOut := h.session("bob")
	aliceOut.reset()
	require.NoError(t, bob.Handle(ctx, joinFrame(t, "Plan")))

	bobEnvs := bobOut.envelopes(t)
	require.Len(t, bobEnvs, 3)
	assert.Equal(t, rbac.RoleEditor, roleOf(t, bobEnvs[1]))
	assert.Equal(t, []string{"alice", "bob"}, activeUsers(t, bobEnvs[2]))

	aliceEnvs := aliceOut.envelopes(t)
	require.Len(t, aliceEnvs, 1)
	assert.Equal(t, []string{"alice", "bob"}, activeUsers(t, aliceEnvs[0]))

	aliceOut.reset()
	bobOut.reset()
	delta := `{"ops": [ {"insert":"hello"} ]}`
	require.NoError(t, alice.Handle(ctx, []byte(`{"type":"send-changes","data":`+delta+`}`)))

	got := bobOut.all()
	require.Len(t, got, 1)
	assert.Equal(t, `{"type":"receive-changes","data":`+delta+`}`, string(got[0]))
	assert.Empty(t, aliceOut.all(), "sender does not receive its own edit")
}

func TestViewerEditsAreDroppedButCursorsRelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, aliceOut := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	require.NoError(t, h.store.MutateAccess(ctx, alice.DocumentID(), "carol", store.GrantViewer))

	carol, _ := h.session("carol")
	require.NoError(t, carol.Handle(ctx, joinFrame(t, "Plan")))
	assert.Equal(t, rbac.RoleViewer, carol.Role())
	aliceOut.reset()

	err := carol.Handle(ctx, frame(t, KindSendChanges, map[string]any{"ops": []any{}}))
	assert.ErrorIs(t, err, ErrForbidden)
	err = carol.Handle(ctx, frame(t, KindSave, map[string]any{"ops": []any{}}))
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Empty(t, aliceOut.all())

	require.NoError(t, carol.Handle(ctx, frame(t, KindCursor, map[string]any{
		"range": map[string]int{"index": 3, "length": 0},
	})))
	envs := aliceOut.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, KindCursor, envs[0].Type)

	var c Cursor
	require.NoError(t, json.Unmarshal(envs[0].Data, &c))
	assert.Equal(t, "carol", c.UserID)
	assert.Equal(t, "User carol", c.DisplayName)
	assert.Equal(t, ColorFor("carol"), c.Color)
	assert.JSONEq(t, `{"index":3,"length":0}`, string(c.Range))
	assert.Equal(t, StateJoined, carol.State(), "dropped messages keep the session open")
}

func TestNonMemberJoinsWithRoleNone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, _ := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))

	dave, daveOut := h.session("dave")
	require.NoError(t, dave.Handle(ctx, joinFrame(t, "Plan")))
	assert.Equal(t, rbac.RoleNone, dave.Role())
	assert.Equal(t, rbac.RoleNone, roleOf(t, daveOut.envelopes(t)[1]))
	assert.ErrorIs(t, dave.Handle(ctx, frame(t, KindSendChanges, map[string]any{"ops": []any{}})), ErrForbidden)
}

func TestRoleIsCachedUntilRejoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, aliceOut := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "notes")))

	bob, _ := h.session("bob")
	require.NoError(t, bob.Handle(ctx, joinFrame(t, "notes")))
	require.Equal(t, rbac.RoleNone, bob.Role())

	require.NoError(t, h.store.MutateAccess(ctx, alice.DocumentID(), "bob", store.GrantEditor))

	// The open session keeps the role it joined with.
	aliceOut.reset()
	assert.ErrorIs(t, bob.Handle(ctx, frame(t, KindSendChanges, map[string]any{"ops": []any{}})), ErrForbidden)
	assert.Empty(t, aliceOut.all())

	bob.Close()
	bob, _ = h.session("bob")
	require.NoError(t, bob.Handle(ctx, joinFrame(t, "notes")))
	assert.Equal(t, rbac.RoleEditor, bob.Role())

	aliceOut.reset()
	require.NoError(t, bob.Handle(ctx, frame(t, KindSendChanges, map[string]any{"ops": []any{map[string]any{"insert": "hi"}}})))
	assert.Equal(t, []Kind{KindReceiveChanges}, aliceOut.kinds(t))
}

func TestSaveIsPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, _ := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	docID := alice.DocumentID()

	snapshot := `{"ops":[{"insert":"final text\n"}]}`
	require.NoError(t, alice.Handle(ctx, []byte(`{"type":"save-document","data":`+snapshot+`}`)))

	require.Eventually(t, func() bool {
		doc, err := h.store.GetDocument(ctx, docID)
		return err == nil && string(doc.Content) == snapshot
	}, 2*time.Second, 10*time.Millisecond)

	doc, err := h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "alice", doc.LastModifiedBy)
}

func TestCloseFlushesPendingSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, _ := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	docID := alice.DocumentID()

	require.NoError(t, alice.Handle(ctx, frame(t, KindSave, map[string]string{"v": "1"})))
	require.NoError(t, alice.Handle(ctx, frame(t, KindSave, map[string]string{"v": "2"})))
	alice.Close()

	doc, err := h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2"}`, string(doc.Content))

	assert.ErrorIs(t, alice.Handle(ctx, frame(t, KindSave, map[string]string{"v": "3"})), ErrProtocol)
	doc, err = h.store.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"2"}`, string(doc.Content), "no write after close")
}

func TestCloseNotifiesPeersAndCollectsRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, aliceOut := h.session("alice")
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	bob, _ := h.session("bob")
	require.NoError(t, bob.Handle(ctx, joinFrame(t, "Plan")))
	docID := alice.DocumentID()
	aliceOut.reset()

	bob.Close()
	bob.Close()

	envs := aliceOut.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, KindUserLeft, envs[0].Type)
	assert.JSONEq(t, `{"userId":"bob"}`, string(envs[0].Data))
	assert.Equal(t, []string{"alice"}, activeUsers(t, envs[1]))
	assert.Equal(t, StateClosed, bob.State())

	alice.Close()
	assert.False(t, h.rooms.Has(docID))
}

func TestProtocolErrorsLeaveSessionUsable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	alice, _ := h.session("alice")
	assert.ErrorIs(t, alice.Handle(ctx, []byte(`not json`)), ErrProtocol)
	assert.ErrorIs(t, alice.Handle(ctx, frame(t, KindSendChanges, map[string]any{"ops": []any{}})), ErrProtocol)
	assert.ErrorIs(t, alice.Handle(ctx, []byte(`{"type":"teleport","data":{}}`)), ErrProtocol)
	assert.Equal(t, StateAuthenticated, alice.State())

	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	first := alice.DocumentID()
	assert.ErrorIs(t, alice.Handle(ctx, joinFrame(t, "Other")), ErrProtocol)
	assert.Equal(t, first, alice.DocumentID())
	assert.Equal(t, StateJoined, alice.State())
}

type flakyDocuments struct {
	*store.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyDocuments) FindOrCreate(ctx context.Context, title, userID string) (store.Document, bool, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return store.Document{}, false, errors.New("connection refused")
	}
	return f.MemoryStore.FindOrCreate(ctx, title, userID)
}

func TestJoinFailureIsContained(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flaky := &flakyDocuments{MemoryStore: h.store, fail: true}
	h.deps.Documents = NewDocuments(flaky, nil)

	alice, out := h.session("alice")
	err := alice.Handle(ctx, joinFrame(t, "Plan"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, StateAuthenticated, alice.State())
	assert.Equal(t, []Kind{KindError}, out.kinds(t))

	flaky.mu.Lock()
	flaky.fail = false
	flaky.mu.Unlock()
	require.NoError(t, alice.Handle(ctx, joinFrame(t, "Plan")))
	assert.Equal(t, StateJoined, alice.State())
}

func TestConcurrentFirstJoinsAgreeOnOneDocument(t *testing.T) {
	h := newHarness(t)
	var created []store.Document
	var mu sync.Mutex
	h.deps.Documents = NewDocuments(h.store, func(d store.Document) {
		mu.Lock()
		created = append(created, d)
		mu.Unlock()
	})

	const n = 8
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		s, _ := h.session(fmt.Sprintf("u%d", i))
		sessions[i] = s
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Handle(context.Background(), joinFrame(t, "Fresh")))
		}()
	}
	wg.Wait()

	creators := 0
	for _, s := range sessions {
		assert.Equal(t, sessions[0].DocumentID(), s.DocumentID())
		if s.Role() == rbac.RoleCreator {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
	assert.Len(t, created, 1)
	assert.Len(t, h.rooms.List(sessions[0].DocumentID()), n)
}
