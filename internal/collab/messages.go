package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"quillsync/api/internal/presence"
	"quillsync/api/internal/rbac"
)

// Kind names a frame on the realtime connection.
type Kind string

// Client to server.
const (
	KindGetDocument Kind = "get-document"
	KindSendChanges Kind = "send-changes"
	KindCursor      Kind = "cursor-position"
	KindSave        Kind = "save-document"
)

// Server to client. Relayed cursors reuse KindCursor.
const (
	KindLoadDocument   Kind = "load-document"
	KindUserRole       Kind = "user-role"
	KindActiveUsers    Kind = "active-users"
	KindReceiveChanges Kind = "receive-changes"
	KindUserLeft       Kind = "user-left"
	KindError          Kind = "error"
)

// Envelope is the JSON frame: {"type": kind, "data": payload}.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is one decoded client message. The set of implementations is closed:
// RequestDocument, Edit, CursorMove and Save.
type Inbound interface {
	Kind() Kind
	inbound()
}

type RequestDocument struct {
	Title string
}

// Edit carries an opaque editor delta, relayed byte for byte.
type Edit struct {
	Delta json.RawMessage
}

type CursorMove struct {
	Cursor Cursor
}

// Save carries an opaque full-document snapshot.
type Save struct {
	Snapshot json.RawMessage
}

func (RequestDocument) Kind() Kind { return KindGetDocument }
func (Edit) Kind() Kind            { return KindSendChanges }
func (CursorMove) Kind() Kind      { return KindCursor }
func (Save) Kind() Kind            { return KindSave }

func (RequestDocument) inbound() {}
func (Edit) inbound()            {}
func (CursorMove) inbound()      {}
func (Save) inbound()            {}

type Cursor struct {
	UserID      string          `json:"userId"`
	Range       json.RawMessage `json:"range"`
	DisplayName string          `json:"displayName"`
	Color       string          `json:"color,omitempty"`
}

// PresenceEntry is one element of an active-users frame.
type PresenceEntry struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Decode parses a client frame into its message variant.
func Decode(frame []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrProtocol, err)
	}

	switch env.Type {
	case KindGetDocument:
		title, err := decodeTitle(env.Data)
		if err != nil {
			return nil, err
		}
		return RequestDocument{Title: title}, nil
	case KindSendChanges:
		if isEmpty(env.Data) {
			return nil, fmt.Errorf("%w: %s without delta", ErrProtocol, env.Type)
		}
		return Edit{Delta: env.Data}, nil
	case KindCursor:
		var c Cursor
		if err := json.Unmarshal(env.Data, &c); err != nil {
			return nil, fmt.Errorf("%w: cursor payload: %v", ErrProtocol, err)
		}
		return CursorMove{Cursor: c}, nil
	case KindSave:
		if isEmpty(env.Data) {
			return nil, fmt.Errorf("%w: %s without snapshot", ErrProtocol, env.Type)
		}
		return Save{Snapshot: env.Data}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrProtocol, env.Type)
	}
}

// decodeTitle accepts {"title": "..."} or a bare JSON string.
func decodeTitle(data json.RawMessage) (string, error) {
	var title string
	if err := json.Unmarshal(data, &title); err != nil {
		var body struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return "", fmt.Errorf("%w: get-document payload: %v", ErrProtocol, err)
		}
		title = body.Title
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("%w: get-document without title", ErrProtocol)
	}
	return title, nil
}

func isEmpty(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// encode builds a frame from a marshalable payload.
func encode(kind Kind, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payloads are built from our own types; this is unreachable in practice.
		data = []byte("null")
	}
	return encodeRaw(kind, data)
}

// encodeRaw splices raw into the frame without re-encoding it, so relayed
// payloads reach peers exactly as the sender wrote them.
func encodeRaw(kind Kind, raw json.RawMessage) []byte {
	var buf bytes.Buffer
	buf.Grow(len(raw) + len(kind) + 20)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(kind))
	buf.WriteString(`","data":`)
	buf.Write(raw)
	buf.WriteByte('}')
	return buf.Bytes()
}

func loadDocumentFrame(content json.RawMessage) []byte {
	return encode(KindLoadDocument, struct {
		Content json.RawMessage `json:"content"`
	}{Content: content})
}

func userRoleFrame(role rbac.Role) []byte {
	return encode(KindUserRole, struct {
		Role rbac.Role `json:"role"`
	}{Role: role})
}

func activeUsersFrame(members []presence.Member) []byte {
	entries := make([]PresenceEntry, len(members))
	for i, m := range members {
		entries[i] = PresenceEntry{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	return encode(KindActiveUsers, entries)
}

func userLeftFrame(userID string) []byte {
	return encode(KindUserLeft, struct {
		UserID string `json:"userId"`
	}{UserID: userID})
}

// ErrorFrame reports a protocol error to the sender.
func ErrorFrame(message string) []byte {
	return encode(KindError, struct {
		Message string `json:"message"`
	}{Message: message})
}

var cursorPalette = []string{
	"#10b981", // emerald
	"#0ea5e9", // sky
	"#f59e0b", // amber
	"#f43f5e", // rose
	"#8b5cf6", // violet
	"#d946ef", // fuchsia
	"#14b8a6", // teal
	"#06b6d4", // cyan
	"#f97316", // orange
}

// ColorFor picks a stable cursor color for a user id.
func ColorFor(userID string) string {
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return cursorPalette[sum%len(cursorPalette)]
}
