// Package collab implements one realtime editing session: joining a document
// by title, relaying edits and cursors under role checks, and persisting
// snapshots in the background.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/metrics"
	"quillsync/api/internal/presence"
	"quillsync/api/internal/rbac"
)

type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Options struct {
	SaveInterval   time.Duration
	SaveTimeout    time.Duration
	SaveMaxRetries int
}

func DefaultOptions() Options {
	return Options{
		SaveInterval:   2 * time.Second,
		SaveTimeout:    5 * time.Second,
		SaveMaxRetries: 3,
	}
}

// Deps are shared by every session in the process.
type Deps struct {
	Documents *Documents
	Rooms     *presence.Registry
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
	Options   Options
}

// Session is the server side of one authenticated connection. Handle must be
// called from a single goroutine (the connection's read loop); Close may be
// called from anywhere and is idempotent.
type Session struct {
	id       string
	identity auth.Identity
	out      presence.Outbox
	deps     Deps
	log      logrus.FieldLogger

	mu         sync.Mutex
	state      State
	documentID string
	role       rbac.Role
	saver      *saver
}

// NewSession starts a session for an identity the gateway already admitted.
func NewSession(id string, identity auth.Identity, out presence.Outbox, deps Deps) *Session {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Options == (Options{}) {
		deps.Options = DefaultOptions()
	}
	return &Session{
		id:       id,
		identity: identity,
		out:      out,
		deps:     deps,
		log: deps.Logger.WithFields(logrus.Fields{
			"session_id": id,
			"user_id":    identity.UserID,
		}),
		state: StateAuthenticated,
		role:  rbac.RoleNone,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role is the role cached at join. It is not re-evaluated while joined.
func (s *Session) Role() rbac.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) DocumentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Handle processes one inbound frame. Errors are informational: the caller
// logs them and keeps the connection open.
func (s *Session) Handle(ctx context.Context, frame []byte) error {
	msg, err := Decode(frame)
	if err != nil {
		s.deps.Metrics.Messages.WithLabelValues("unknown", "invalid").Inc()
		return err
	}

	switch m := msg.(type) {
	case RequestDocument:
		err = s.join(ctx, m.Title)
	case Edit:
		err = s.relayEdit(m)
	case CursorMove:
		err = s.relayCursor(m)
	case Save:
		err = s.save(m)
	default:
		err = fmt.Errorf("%w: unhandled message %T", ErrProtocol, msg)
	}

	outcome := "relayed"
	switch {
	case errors.Is(err, ErrForbidden):
		outcome = "dropped"
	case err != nil:
		outcome = "invalid"
	}
	s.deps.Metrics.Messages.WithLabelValues(string(msg.Kind()), outcome).Inc()
	return err
}

func (s *Session) join(ctx context.Context, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateJoined:
		return fmt.Errorf("%w: already joined %s", ErrProtocol, s.documentID)
	case StateClosed:
		return fmt.Errorf("%w: session closed", ErrProtocol)
	}

	doc, err := s.deps.Documents.FindOrCreate(ctx, title, s.identity.UserID)
	if err != nil {
		s.out.Send(ErrorFrame("document unavailable"))
		return fmt.Errorf("%w: resolve %q: %w", ErrStorage, title, err)
	}

	role := rbac.RoleOf(doc.Access, s.identity.UserID)
	member := presence.Member{
		SessionID:   s.id,
		UserID:      s.identity.UserID,
		DisplayName: s.identity.DisplayName,
	}

	// Everything the joiner needs is queued before any peer can relay to it.
	s.deps.Rooms.Join(doc.ID, member, s.out, func(snapshot []presence.Member, peers []presence.Peer) {
		active := activeUsersFrame(snapshot)
		s.out.Send(loadDocumentFrame(doc.Content))
		s.out.Send(userRoleFrame(role))
		s.out.Send(active)
		for _, p := range peers {
			p.Outbox.Send(active)
		}
	})

	s.state = StateJoined
	s.documentID = doc.ID
	s.role = role
	s.log = s.log.WithField("document_id", doc.ID)

	if rbac.Can(role, rbac.ActionSave) {
		s.saver = newSaver(s.deps.Documents, doc.ID, s.identity.UserID, s.deps.Options, s.deps.Logger, s.deps.Metrics)
		s.saver.start()
	}

	s.log.WithFields(logrus.Fields{
		"action": "join_document",
		"role":   string(role),
	}).Info("session joined document")
	return nil
}

func (s *Session) joined() (string, rbac.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return "", rbac.RoleNone, fmt.Errorf("%w: not joined (%s)", ErrProtocol, s.state)
	}
	return s.documentID, s.role, nil
}

func (s *Session) relayEdit(m Edit) error {
	docID, role, err := s.joined()
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionEdit) {
		return fmt.Errorf("%w: %s may not edit", ErrForbidden, role)
	}
	s.deps.Rooms.Broadcast(docID, s.id, encodeRaw(KindReceiveChanges, m.Delta))
	return nil
}

func (s *Session) relayCursor(m CursorMove) error {
	docID, role, err := s.joined()
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionCursor) {
		return fmt.Errorf("%w: %s may not move cursor", ErrForbidden, role)
	}

	c := m.Cursor
	if c.UserID == "" {
		c.UserID = s.identity.UserID
	}
	if c.DisplayName == "" {
		c.DisplayName = s.identity.DisplayName
	}
	if c.Color == "" {
		c.Color = ColorFor(s.identity.UserID)
	}
	s.deps.Rooms.Broadcast(docID, s.id, encode(KindCursor, c))
	return nil
}

func (s *Session) save(m Save) error {
	_, role, err := s.joined()
	if err != nil {
		return err
	}
	if !rbac.Can(role, rbac.ActionSave) {
		return fmt.Errorf("%w: %s may not save", ErrForbidden, role)
	}

	s.mu.Lock()
	sv := s.saver
	s.mu.Unlock()
	if sv != nil {
		sv.submit(m.Snapshot)
	}
	return nil
}

// Close leaves the room, tells remaining peers, then flushes any unsaved
// snapshot. No write happens after Close returns.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasJoined := s.state == StateJoined
	s.state = StateClosed
	docID := s.documentID
	sv := s.saver
	log := s.log
	s.mu.Unlock()

	if !wasJoined {
		return
	}

	userID := s.identity.UserID
	s.deps.Rooms.Leave(docID, s.id, func(snapshot []presence.Member, peers []presence.Peer) {
		left := userLeftFrame(userID)
		active := activeUsersFrame(snapshot)
		for _, p := range peers {
			p.Outbox.Send(left)
			p.Outbox.Send(active)
		}
	})

	if sv != nil {
		sv.stop()
	}
	log.WithField("action", "leave_document").Info("session left document")
}
