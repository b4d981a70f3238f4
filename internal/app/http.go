package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"claimdesk/api/internal/auth"
	"claimdesk/api/internal/realtime"
)

const maxBodyBytes = 64 << 10

type HTTPServer struct {
	service    *Service
	secret     []byte
	corsOrigin string
	hub        *realtime.Hub
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

func NewHTTPServer(service *Service, secret []byte, corsOrigin string, hub *realtime.Hub, logger *slog.Logger) *HTTPServer {
	if hub == nil {
		hub = realtime.NewHub()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{
		service:    service,
		secret:     secret,
		corsOrigin: corsOrigin,
		hub:        hub,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return corsOrigin == "*" || r.Header.Get("Origin") == "" || r.Header.Get("Origin") == corsOrigin
			},
		},
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"checks": map[string]any{
					"database": map[string]any{"status": "error", "error": err.Error()},
				},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ready",
			"checks": map[string]any{
				"database": map[string]any{"status": "ok"},
			},
		})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	// Stream sockets authenticate with ?token= or an auth frame, so they sit
	// in front of the bearer check.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[1] == "claims" && parts[3] == "stream" {
		s.serveStream(w, r, s.threadStream(parts[2]))
		return
	}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[1] == "badge" && parts[2] == "stream" {
		s.serveStream(w, r, s.badgeStream())
		return
	}

	principal, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}

	switch {
	case parts[1] == "claims" && len(parts) == 2:
		s.handleClaims(w, r, principal)
	case parts[1] == "claims" && len(parts) >= 3:
		s.handleClaim(w, r, principal, parts[2], parts[3:])
	case parts[1] == "badge" && len(parts) == 2 && r.Method == http.MethodGet:
		badge, err := s.service.GetUnreadBadge(r.Context(), principal)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, badge)
	case parts[1] == "holds" && len(parts) == 3 && parts[2] == "expired" && r.Method == http.MethodGet:
		claims, err := s.service.ExpiredHolds(r.Context(), principal)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) handleClaims(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	switch r.Method {
	case http.MethodGet:
		query := ClaimQuery{
			Status: r.URL.Query().Get("status"),
			ItemID: r.URL.Query().Get("itemId"),
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				writeError(w, http.StatusUnprocessableEntity, CodeValidation, "limit must be a positive integer", nil)
				return
			}
			query.Limit = limit
		}
		claims, err := s.service.ListClaims(r.Context(), principal, query)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
	case http.MethodPost:
		var body struct {
			ItemID string `json:"itemId"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		created, err := s.service.SubmitClaim(r.Context(), principal, body.ItemID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"claim": created})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request, principal auth.Principal, claimID string, rest []string) {
	ctx := r.Context()

	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		c, err := s.service.GetClaim(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claim": c})
		return
	}
	if len(rest) != 1 {
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
		return
	}

	switch action := rest[0]; {
	case action == "approve" && r.Method == http.MethodPost:
		result, err := s.service.ApproveClaim(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "request-info" && r.Method == http.MethodPost:
		var body struct {
			Note string `json:"note"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		result, err := s.service.RequestInfoClaim(ctx, principal, claimID, body.Note)
		if err != nil {
			s.fail(w, err)
			return
		}
		response := map[string]any{"claim": result.Claim}
		if result.Message != nil {
			response["message"] = result.Message
		}
		if result.MessageError != nil {
			_, code, message, details := mapError(result.MessageError)
			messageError := map[string]any{"code": code, "error": message}
			if details != nil {
				messageError["details"] = details
			}
			response["messageError"] = messageError
		}
		writeJSON(w, http.StatusOK, response)

	case action == "reject" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		c, err := s.service.RejectClaim(ctx, principal, claimID, body.Reason)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"claim": c})

	case action == "picked-up" && r.Method == http.MethodPost:
		result, err := s.service.MarkPickedUp(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case action == "audit" && r.Method == http.MethodGet:
		entries, err := s.service.ClaimAudit(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})

	case action == "messages" && r.Method == http.MethodGet:
		messages, err := s.service.ListThread(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})

	case action == "messages" && r.Method == http.MethodPost:
		var body struct {
			Body string `json:"body"`
		}
		if !s.decode(w, r, &body) {
			return
		}
		msg, err := s.service.SendMessage(ctx, principal, claimID, body.Body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"message": msg})

	case action == "seen" && r.Method == http.MethodPost:
		seen, err := s.service.MarkThreadSeen(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changed": seen.Changed, "through": seen.Through})

	case action == "unread" && r.Method == http.MethodGet:
		n, err := s.service.UnreadCount(ctx, principal, claimID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unread": n})

	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "Not found", nil)
	}
}

func (s *HTTPServer) threadStream(claimID string) realtime.StreamFunc {
	return func(ctx context.Context, principal auth.Principal, conn *realtime.Connection) error {
		watch, err := s.service.WatchThread(ctx, principal, claimID)
		if err != nil {
			return err
		}
		defer watch.Close()
		for snapshot := range watch.Updates() {
			if err := conn.SendData(realtime.FrameSnapshot, snapshot); err != nil {
				return err
			}
		}
		return watch.Err()
	}
}

func (s *HTTPServer) badgeStream() realtime.StreamFunc {
	return func(ctx context.Context, principal auth.Principal, conn *realtime.Connection) error {
		watch, err := s.service.WatchBadge(ctx, principal)
		if err != nil {
			return err
		}
		defer watch.Close()
		for badge := range watch.Updates() {
			if err := conn.SendData(realtime.FrameSnapshot, badge); err != nil {
				return err
			}
		}
		return watch.Err()
	}
}

func (s *HTTPServer) serveStream(w http.ResponseWriter, r *http.Request, stream realtime.StreamFunc) {
	var initial *auth.Principal
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token != "" {
		principal, err := s.authenticate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return
		}
		initial = &principal
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	conn := realtime.NewConnection(ws)
	s.hub.Attach(conn)
	defer s.hub.Detach(conn)

	session := realtime.NewSession(conn, auth.NewProvider(initial), s.authenticate, stream, s.logger)
	if err := session.Serve(r.Context()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("stream closed", "connection_id", conn.ID, "error", err)
	}
}

func (s *HTTPServer) authenticate(token string) (auth.Principal, error) {
	return auth.ParseToken(s.secret, token)
}

func (s *HTTPServer) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return auth.Principal{}, false
	}
	principal, err := s.authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
		return auth.Principal{}, false
	}
	return principal, true
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusUnprocessableEntity, CodeValidation, err.Error(), nil)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "code", code, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets stream sockets upgrade through the middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

// decodeBody accepts an empty body as an empty object.
func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(toDomain(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
