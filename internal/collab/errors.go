package collab

import "errors"

var (
	// ErrProtocol marks malformed or out-of-sequence messages. The message is
	// ignored and the session stays open.
	ErrProtocol = errors.New("protocol error")
	// ErrForbidden marks a message the session's role may not send. It is
	// logged, never reported to the client.
	ErrForbidden = errors.New("forbidden for role")
	// ErrStorage marks a transient persistence failure; the content is retried
	// on the next save tick.
	ErrStorage = errors.New("storage unavailable")
)
