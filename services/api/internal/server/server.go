package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fiscalchat/internal/ratelimit"
	"fiscalchat/internal/util"
	"fiscalchat/pkg/auth"
	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/realtime"
	"fiscalchat/pkg/storage"
	"fiscalchat/services/api/internal/app"
)

const defaultMaxUploadBytes = 25 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Hub            *realtime.Hub
	LocalFiles     *storage.FileStore
	AllowedOrigin  string
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64

	RedisAddr                  string
	RedisPassword              string
	LoginRateLimitPerMinute    int
	RegisterRateLimitPerMinute int

	// Injected limiters win over redis-built ones; tests use permissive fakes.
	LoginLimiter    *ratelimit.FixedWindowLimiter
	RegisterLimiter *ratelimit.FixedWindowLimiter
}

// Server exposes the HTTP API.
type Server struct {
	app             *app.App
	hub             *realtime.Hub
	localFiles      *storage.FileStore
	mux             *http.ServeMux
	allowedOrigin   string
	trustedProxies  *util.TrustedProxies
	maxUploadBytes  int64
	loginLimiter    *ratelimit.FixedWindowLimiter
	registerLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	registerLimit := cfg.RegisterRateLimitPerMinute
	if registerLimit <= 0 {
		registerLimit = 5
	}
	loginLimiter := cfg.LoginLimiter
	registerLimiter := cfg.RegisterLimiter
	if loginLimiter == nil && cfg.RedisAddr != "" {
		var err error
		loginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "fiscalchat:api:ratelimit:login", loginLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init login limiter: %w", err)
		}
	}
	if registerLimiter == nil && cfg.RedisAddr != "" {
		var err error
		registerLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "fiscalchat:api:ratelimit:register", registerLimit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init register limiter: %w", err)
		}
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		hub:             cfg.Hub,
		localFiles:      cfg.LocalFiles,
		mux:             http.NewServeMux(),
		allowedOrigin:   cfg.AllowedOrigin,
		trustedProxies:  cfg.TrustedProxies,
		maxUploadBytes:  maxUpload,
		loginLimiter:    loginLimiter,
		registerLimiter: registerLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.allowedOrigin, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/auth/register", s.handleRegister)
	s.mux.HandleFunc("/auth/login", s.handleLogin)
	s.mux.HandleFunc("/auth/logout", s.handleLogout)
	s.mux.Handle("/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("/auth/me/password", s.authenticated(s.handleChangePassword))

	// conversations
	s.mux.Handle("/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/conversations/", s.authenticated(s.handleConversationMessages))

	// documents
	s.mux.Handle("/documents", s.authenticated(s.handleDocuments))
	s.mux.Handle("/documents/", s.authenticated(s.handleDocumentURL))

	// notifications
	s.mux.Handle("/notifications", s.authenticated(s.handleNotifications))
	s.mux.Handle("/notifications/read-all", s.authenticated(s.handleNotificationsReadAll))
	s.mux.Handle("/notifications/", s.authenticated(s.handleNotificationRead))

	// admin roster
	s.mux.Handle("/clients", s.adminOnly(s.handleClients))
	s.mux.Handle("/clients/", s.adminOnly(s.handleClientByID))

	// realtime
	s.mux.HandleFunc("/ws", s.handleWS)

	if s.localFiles != nil {
		s.mux.Handle("/files/", s.authenticated(s.handleLocalFile))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, user domain.User) {
		if user.Role != domain.RoleAdmin {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.User{}, false
	}
	return s.app.UserFromToken(token)
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts, try again later") {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts, try again later") {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(token); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, user)
	case http.MethodPatch:
		var req updateMeRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		updated, err := s.app.UpdateProfile(user, req.Name, req.Email, req.AvatarURL)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req changePasswordRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}
	if err := s.app.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// conversation handlers
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	conversations, err := s.app.ListConversations(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	items := make([]conversationResponse, 0, len(conversations))
	for _, conversation := range conversations {
		item := conversationResponse{Conversation: conversation}
		if other, ok := s.app.OtherParticipant(conversation, user); ok {
			item.OtherParticipant = &other
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/conversations/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" || tail != "messages" {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		messages, err := s.app.ConversationMessages(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": messages,
			"count": len(messages),
		})
	case http.MethodPost:
		content, uploads, cleanup, err := s.parseUploadForm(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer cleanup()
		msg, err := s.app.SendMessage(r.Context(), user, id, content, uploads)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	default:
		methodNotAllowed(w)
	}
}

// document handlers
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		documents, err := s.app.ListDocuments(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": documents,
			"count": len(documents),
		})
	case http.MethodPost:
		ownerID, uploads, cleanup, err := s.parseDocumentForm(w, r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer cleanup()
		if len(uploads) != 1 {
			writeError(w, http.StatusBadRequest, "exactly one file is required")
			return
		}
		document, err := s.app.UploadDocument(r.Context(), user, ownerID, uploads[0])
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, document)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleDocumentURL(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" || tail != "url" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	downloadURL, err := s.app.DocumentURL(r.Context(), user, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": downloadURL})
}

// notification handlers
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	notifications, err := s.app.Notifications(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	unread := 0
	for _, n := range notifications {
		if !n.Read {
			unread++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":       notifications,
		"count":       len(notifications),
		"unreadCount": unread,
	})
}

func (s *Server) handleNotificationsReadAll(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkAllNotificationsRead(user); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request, user domain.User) {
	rest := strings.TrimPrefix(r.URL.Path, "/notifications/")
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" || tail != "read" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.MarkNotificationRead(user, id); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// roster handlers
func (s *Server) handleClients(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	clients, err := s.app.ListClients()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": clients,
		"count": len(clients),
	})
}

func (s *Server) handleClientByID(w http.ResponseWriter, r *http.Request, admin domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/clients/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w)
		return
	}
	var req clientUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var (
		updated domain.User
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(req.Status)) {
	case string(domain.StatusActive):
		updated, err = s.app.ActivateClient(r.Context(), admin, id)
	case string(domain.StatusDisabled):
		updated, err = s.app.SetClientStatus(r.Context(), id, domain.StatusDisabled)
	default:
		writeError(w, http.StatusBadRequest, "status must be active or disabled")
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleWS authenticates via query token (browsers cannot set headers on
// websocket upgrades) and hands the connection to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, ok := s.app.UserFromToken(token)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.hub.ServeWS(w, r, user.ID)
}

// handleLocalFile streams objects for the local-disk storage driver.
func (s *Server) handleLocalFile(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	key, err := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/files/"))
	if err != nil || key == "" {
		http.NotFound(w, r)
		return
	}
	rc, err := s.localFiles.Open(key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

// upload form parsing
func (s *Server) parseUploadForm(w http.ResponseWriter, r *http.Request) (string, []app.AttachmentUpload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "multipart/form-data") {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", nil, func() {}, fmt.Errorf("invalid JSON body")
		}
		return req.Content, nil, func() {}, nil
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, func() {}, fmt.Errorf("invalid multipart body")
	}
	uploads, cleanup, err := openFormFiles(r.MultipartForm.File["files"])
	if err != nil {
		return "", nil, cleanup, err
	}
	return r.FormValue("content"), uploads, cleanup, nil
}

func (s *Server) parseDocumentForm(w http.ResponseWriter, r *http.Request) (string, []app.AttachmentUpload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", nil, func() {}, fmt.Errorf("invalid multipart body")
	}
	files := r.MultipartForm.File["file"]
	if len(files) == 0 {
		files = r.MultipartForm.File["files"]
	}
	uploads, cleanup, err := openFormFiles(files)
	if err != nil {
		return "", nil, cleanup, err
	}
	return r.FormValue("ownerId"), uploads, cleanup, nil
}

func openFormFiles(headers []*multipart.FileHeader) ([]app.AttachmentUpload, func(), error) {
	uploads := make([]app.AttachmentUpload, 0, len(headers))
	opened := make([]multipart.File, 0, len(headers))
	cleanup := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, cleanup, fmt.Errorf("open uploaded file %q", fh.Filename)
		}
		opened = append(opened, f)
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		uploads = append(uploads, app.AttachmentUpload{
			FileName: fh.Filename,
			MimeType: mimeType,
			Size:     fh.Size,
			Reader:   f,
		})
	}
	return uploads, cleanup, nil
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

// writeAppError maps app sentinels onto HTTP codes. Unknown errors are
// logged and answered generically so internals never leak.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrUserDisabled):
		// Same answer as bad credentials; no account enumeration.
		writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
	case errors.Is(err, app.ErrAccountPending):
		writeError(w, http.StatusForbidden, app.ErrAccountPending.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrConversationForbidden), errors.Is(err, app.ErrDocumentForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrConversationNotFound),
		errors.Is(err, app.ErrNotificationNotFound),
		errors.Is(err, app.ErrDocumentNotFound),
		errors.Is(err, app.ErrClientNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, app.ErrNameRequired),
		errors.Is(err, app.ErrCurrentPasswordRequired),
		errors.Is(err, app.ErrNewPasswordRequired),
		errors.Is(err, auth.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed",
			"path", r.URL.Path, "method", r.Method, "err", err)
		writeError(w, http.StatusInternalServerError, "an error occurred")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type updateMeRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type clientUpdateRequest struct {
	Status string `json:"status"`
}

type conversationResponse struct {
	domain.Conversation
	OtherParticipant *domain.User `json:"otherParticipant,omitempty"`
}
