// Package gateway admits realtime connections and pumps frames between the
// websocket and a collab.Session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/collab"
	"quillsync/api/internal/metrics"
)

type Resolver interface {
	Resolve(ctx context.Context, credential string) (auth.Identity, error)
}

// Options tune the connection pumps. AllowedOrigin is matched against the
// Origin header; "*" or "" accepts any.
type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
	AllowedOrigin   string
	ResolveTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		MaxMessageBytes: 1 << 20,
		ResolveTimeout:  5 * time.Second,
	}
}

type Handler struct {
	resolver Resolver
	deps     collab.Deps
	opts     Options
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewHandler(resolver Resolver, deps collab.Deps, opts Options) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = def.MaxMessageBytes
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = def.ResolveTimeout
	}

	h := &Handler{
		resolver: resolver,
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		metrics:  deps.Metrics,
		conns:    make(map[*conn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	return origin == h.opts.AllowedOrigin
}

// ServeHTTP authenticates before upgrading: a bad credential gets a plain 401
// and never reaches the session layer.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ResolveTimeout)
	identity, err := h.resolver.Resolve(ctx, auth.CredentialFromRequest(r))
	cancel()
	if err != nil {
		if errors.Is(err, auth.ErrAuthentication) {
			h.metrics.Handshakes.WithLabelValues("rejected").Inc()
			h.log.WithField("action", "ws_handshake").WithError(err).Info("connection refused")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.metrics.Handshakes.WithLabelValues("error").Inc()
		h.log.WithField("action", "ws_handshake").WithError(err).Error("identity lookup failed")
		writeError(w, http.StatusServiceUnavailable, "identity service unavailable")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.Handshakes.WithLabelValues("error").Inc()
		h.log.WithField("action", "ws_handshake").WithError(err).Warn("upgrade failed")
		return
	}
	h.metrics.Handshakes.WithLabelValues("accepted").Inc()

	c := newConn(ws, h.opts.SendBuffer, h.opts.WriteTimeout, h.opts.PongTimeout, h.metrics)
	if !h.track(c) {
		c.Close()
		_ = ws.Close()
		return
	}

	session := collab.NewSession(uuid.NewString(), identity, c, h.deps)
	go c.writeLoop()
	h.serve(c, session)
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		h.wg.Done()
	}
}

func (h *Handler) serve(c *conn, session *collab.Session) {
	log := h.log.WithFields(logrus.Fields{
		"session_id": session.ID(),
	})
	defer func() {
		session.Close()
		c.Close()
		h.untrack(c)
		log.WithField("action", "ws_disconnect").Debug("connection closed")
	}()

	ws := c.ws
	ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Debug("read failed")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		if err := session.Handle(c.ctx, data); err != nil {
			entry := log.WithField("action", "ws_message").WithError(err)
			switch {
			case errors.Is(err, collab.ErrForbidden):
				entry.Debug("message dropped")
			case errors.Is(err, collab.ErrProtocol):
				entry.Info("protocol error")
				c.Send(collab.ErrorFrame(err.Error()))
			default:
				entry.Error("message failed")
			}
		}
	}
}

// Shutdown disconnects every live connection and waits for their sessions to
// leave their rooms and flush pending saves.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	conns := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
