package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"fiscalchat/internal/ratelimit"
	"fiscalchat/pkg/auth"
	"fiscalchat/pkg/domain"
	"fiscalchat/pkg/queue"
	"fiscalchat/pkg/realtime"
	"fiscalchat/pkg/store"
	"fiscalchat/services/api/internal/app"
)

type nullEvents struct{}

func (nullEvents) Publish(_ context.Context, ev queue.Event) (queue.Event, error) {
	return ev, nil
}

type nullObjects struct{}

func (nullObjects) Put(context.Context, string, io.Reader, int64, string) error { return nil }
func (nullObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.test/" + key, nil
}
func (nullObjects) Delete(context.Context, string) error { return nil }

type testServer struct {
	srv   *httptest.Server
	app   *app.App
	store *store.MemoryStore
}

func newTestServer(t *testing.T, cfgMod func(*Config)) *testServer {
	t.Helper()
	dataStore := store.NewMemoryStore()
	sessions, err := store.NewJWTSessionStore(strings.Repeat("a", 32), time.Minute, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:    dataStore,
		Sessions: sessions,
		Objects:  nullObjects{},
		Events:   nullEvents{},
		Push:     realtime.NewHub("", nil),
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	cfg := Config{App: appCore, Hub: realtime.NewHub("", nil)}
	if cfgMod != nil {
		cfgMod(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, app: appCore, store: dataStore}
}

func (ts *testServer) seedUser(t *testing.T, id, name string, role domain.UserRole, status domain.UserStatus) domain.User {
	t.Helper()
	hash, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID: id, Name: name, Email: id + "@example.com",
		PasswordHash: hash, Role: role, Status: status,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := ts.store.SaveUser(user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func (ts *testServer) login(t *testing.T, email string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/auth/login", "", jsonBody(t, map[string]string{
		"email": email, "password": "password123",
	}), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	decode(t, resp, &body)
	return body.Token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func jsonBody(t *testing.T, payload any) io.Reader {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(data)
}

func decode(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLoginAndMe(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)

	token := ts.login(t, client.Email)
	resp := ts.do(t, http.MethodGet, "/auth/me", token, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me status = %d", resp.StatusCode)
	}
	var me domain.User
	decode(t, resp, &me)
	if me.ID != client.ID {
		t.Fatalf("me = %+v", me)
	}
}

func TestRegisterThenPendingLoginRejected(t *testing.T) {
	ts := newTestServer(t, nil)

	resp := ts.do(t, http.MethodPost, "/auth/register", "", jsonBody(t, map[string]string{
		"name": "Nina", "email": "nina@example.com", "password": "longenough1",
	}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/auth/login", "", jsonBody(t, map[string]string{
		"email": "nina@example.com", "password": "longenough1",
	}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("pending login status = %d, want 403", resp.StatusCode)
	}

	// Duplicate registration conflicts.
	resp = ts.do(t, http.MethodPost, "/auth/register", "", jsonBody(t, map[string]string{
		"name": "Nina", "email": "nina@example.com", "password": "longenough1",
	}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/conversations", "/documents", "/notifications", "/clients"} {
		resp := ts.do(t, http.MethodGet, path, "", nil, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s status = %d, want 401", path, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodGet, "/ws", "", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/ws status = %d, want 401", resp.StatusCode)
	}
}

func TestClientsEndpointAdminOnly(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedUser(t, "admin-1", "Marta", domain.RoleAdmin, domain.StatusActive)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)

	clientToken := ts.login(t, client.Email)
	resp := ts.do(t, http.MethodGet, "/clients", clientToken, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client /clients status = %d, want 403", resp.StatusCode)
	}

	adminToken := ts.login(t, "admin-1@example.com")
	resp = ts.do(t, http.MethodGet, "/clients", adminToken, nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin /clients status = %d", resp.StatusCode)
	}
	var body struct {
		Count int `json:"count"`
	}
	decode(t, resp, &body)
	if body.Count != 1 {
		t.Fatalf("roster count = %d, want 1", body.Count)
	}
}

func TestActivateThenChat(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedUser(t, "admin-1", "Marta", domain.RoleAdmin, domain.StatusActive)
	pending := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusPending)
	adminToken := ts.login(t, "admin-1@example.com")

	resp := ts.do(t, http.MethodPatch, "/clients/"+pending.ID, adminToken,
		jsonBody(t, map[string]string{"status": "active"}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}

	clientToken := ts.login(t, pending.Email)
	resp = ts.do(t, http.MethodGet, "/conversations", clientToken, nil, "")
	var list struct {
		Items []struct {
			ID               string       `json:"id"`
			OtherParticipant *domain.User `json:"otherParticipant"`
		} `json:"items"`
	}
	decode(t, resp, &list)
	resp.Body.Close()
	if len(list.Items) != 1 {
		t.Fatalf("conversations = %+v", list.Items)
	}
	if list.Items[0].OtherParticipant == nil || list.Items[0].OtherParticipant.ID != "admin-1" {
		t.Fatalf("counterpart = %+v", list.Items[0].OtherParticipant)
	}
	convID := list.Items[0].ID

	resp = ts.do(t, http.MethodPost, "/conversations/"+convID+"/messages", clientToken,
		jsonBody(t, map[string]string{"content": "hello"}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	// Blank content is rejected before any state change.
	resp = ts.do(t, http.MethodPost, "/conversations/"+convID+"/messages", clientToken,
		jsonBody(t, map[string]string{"content": "   "}), "application/json")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank send status = %d, want 400", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/conversations/"+convID+"/messages", clientToken, nil, "")
	var messages struct {
		Count int `json:"count"`
	}
	decode(t, resp, &messages)
	resp.Body.Close()
	if messages.Count != 1 {
		t.Fatalf("message count = %d, want 1", messages.Count)
	}
}

func TestDocumentUploadAndURL(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.seedUser(t, "admin-1", "Marta", domain.RoleAdmin, domain.StatusActive)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)
	token := ts.login(t, client.Email)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "invoice.pdf")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := part.Write([]byte("pdf-bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	mw.Close()

	resp := ts.do(t, http.MethodPost, "/documents", token, &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	var document domain.Attachment
	decode(t, resp, &document)
	resp.Body.Close()
	if document.FileName != "invoice.pdf" || document.OwnerID != client.ID {
		t.Fatalf("document = %+v", document)
	}

	resp = ts.do(t, http.MethodGet, "/documents/"+document.ID+"/url", token, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("url status = %d", resp.StatusCode)
	}
	var urlBody struct {
		URL string `json:"url"`
	}
	decode(t, resp, &urlBody)
	resp.Body.Close()
	if !strings.HasPrefix(urlBody.URL, "https://blobs.test/") {
		t.Fatalf("url = %q", urlBody.URL)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)
	for _, id := range []string{"n1", "n2"} {
		err := ts.store.SaveNotification(domain.Notification{
			ID: id, UserID: client.ID, Kind: domain.NotificationMessage, Title: "New message",
		})
		if err != nil {
			t.Fatalf("seed notification: %v", err)
		}
	}
	token := ts.login(t, client.Email)

	resp := ts.do(t, http.MethodGet, "/notifications", token, nil, "")
	var body struct {
		Count       int `json:"count"`
		UnreadCount int `json:"unreadCount"`
	}
	decode(t, resp, &body)
	resp.Body.Close()
	if body.Count != 2 || body.UnreadCount != 2 {
		t.Fatalf("notifications = %+v", body)
	}

	resp = ts.do(t, http.MethodPost, "/notifications/n1/read", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/notifications/ghost/read", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost read status = %d, want 404", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/notifications/read-all", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("read-all status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/notifications", token, nil, "")
	decode(t, resp, &body)
	resp.Body.Close()
	if body.UnreadCount != 0 {
		t.Fatalf("unread after read-all = %d", body.UnreadCount)
	}
}

func TestLoginRateLimited(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(redisSrv.Addr(), "", "test:ratelimit:login", 2, time.Minute)
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ts := newTestServer(t, func(cfg *Config) {
		cfg.LoginLimiter = limiter
	})
	ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/auth/login", "", jsonBody(t, map[string]string{
			"email": "client-1@example.com", "password": "wrong",
		}), "application/json")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status = %d", i, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodPost, "/auth/login", "", jsonBody(t, map[string]string{
		"email": "client-1@example.com", "password": "wrong",
	}), "application/json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third attempt status = %d, want 429", resp.StatusCode)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q", got)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)
	token := ts.login(t, client.Email)

	resp := ts.do(t, http.MethodPost, "/auth/logout", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/auth/me", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("me after logout = %d, want 401", resp.StatusCode)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, nil)
	client := ts.seedUser(t, "client-1", "Ann", domain.RoleClient, domain.StatusActive)
	token := ts.login(t, client.Email)

	resp := ts.do(t, http.MethodDelete, "/conversations", token, nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
