package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"quillsync/api/internal/auth"
	"quillsync/api/internal/authpw"
)

// HTTPOptions configure the HTTP surface. Realtime is mounted at /ws and
// Gatherer at /metrics when set.
type HTTPOptions struct {
	CORSOrigin    string
	SecureCookies bool
	Realtime      http.Handler
	Gatherer      prometheus.Gatherer
	Logger        logrus.FieldLogger
}

type HTTPServer struct {
	service *Service
	opts    HTTPOptions
	log     logrus.FieldLogger
}

func NewHTTPServer(service *Service, opts HTTPOptions) *HTTPServer {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &HTTPServer{service: service, opts: opts, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.withMiddleware)
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)

	r.HandleFunc("/api/auth/signup", s.handleSignUp).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/check", s.authed(s.handleCheck)).Methods(http.MethodGet)

	r.HandleFunc("/api/documents", s.authed(s.handleListDocuments)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/search", s.authed(s.handleSearch)).Methods(http.MethodGet)
	r.HandleFunc("/api/documents/{id}", s.authed(s.handleDeleteDocument)).Methods(http.MethodDelete)
	r.HandleFunc("/api/documents/{id}/share", s.authed(s.handleShare)).Methods(http.MethodPost)
	r.HandleFunc("/api/documents/{id}/presence", s.authed(s.handlePresence)).Methods(http.MethodGet)

	if s.opts.Realtime != nil {
		r.Handle("/ws", s.opts.Realtime)
	}
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFoundHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}))
	r.MethodNotAllowedHandler = s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}))
	return r
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity)

// authed resolves the caller before running next.
func (s *HTTPServer) authed(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.service.Authenticate(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		next(w, r, identity)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignUp(r.Context(), body.Name, body.Email, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setTokenCookie(w, session)
	writeJSON(w, http.StatusCreated, sessionPayload("Signup successful", session))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email      string `json:"email"`
		Password   string `json:"password"`
		RememberMe bool   `json:"rememberMe"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	session, err := s.service.SignIn(r.Context(), body.Email, body.Password, body.RememberMe)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.setTokenCookie(w, session)
	writeJSON(w, http.StatusOK, sessionPayload("Login successful", session))
}

// handleLogout always clears the cookie; the token is revoked only when it
// still resolves.
func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if identity, err := s.service.Authenticate(r); err == nil {
		if err := s.service.Logout(r.Context(), identity); err != nil {
			s.log.WithError(err).WithField("action", "logout").Warn("token revocation failed")
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logout successful"})
}

func (s *HTTPServer) handleCheck(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":      identity.UserID,
		"displayName": identity.DisplayName,
		"email":       identity.Email,
		"expiresAt":   identity.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	items, err := s.service.ListDocuments(r.Context(), identity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), identity, text, limit, offset))
}

func (s *HTTPServer) handleShare(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
		return
	}

	documentID := mux.Vars(r)["id"]
	if err := s.service.ShareDocument(r.Context(), identity, documentID, body.Email, body.Role); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("User shared as %s", body.Role)})
}

func (s *HTTPServer) handleDeleteDocument(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	if err := s.service.DeleteDocument(r.Context(), identity, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Document deleted successfully"})
}

func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	entries, err := s.service.Presence(r.Context(), identity, mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeUsers": entries})
}

func (s *HTTPServer) setTokenCookie(w http.ResponseWriter, session *authpw.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionPayload(message string, session *authpw.Session) map[string]any {
	return map[string]any{
		"message": message,
		"token":   session.Token,
		"user": map[string]any{
			"id":          session.User.ID,
			"displayName": session.User.DisplayName,
			"email":       session.User.Email,
		},
		"expiresAt": session.ExpiresAt.Unix(),
	}
}

// fail writes err as a JSON error and logs anything that is not a client error.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID(r.Context()),
			"path":       r.URL.Path,
		}).Error("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  id,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("http request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	if corsOrigin != "*" {
		header.Set("Access-Control-Allow-Credentials", "true")
	}
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}
