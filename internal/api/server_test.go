package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"studybuddy/internal/engine"
	"studybuddy/internal/memstore"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

type mockRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{connected: make(map[string]bool)}
}

func (m *mockRegistry) IsConnected(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[userID]
}

func (m *mockRegistry) GetStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"total_connections": len(m.connected), "connected_users": len(m.connected)}
}

type failingStore struct {
	*memstore.Store
}

func (f failingStore) HealthCheck(ctx context.Context) error {
	return errors.New("store offline")
}

func newTestServer(t *testing.T, opts Options) (*Server, *mockRegistry) {
	t.Helper()
	return newTestServerWithStore(t, memstore.New(), opts)
}

func newTestServerWithStore(t *testing.T, store interfaces.DocumentStore, opts Options) (*Server, *mockRegistry) {
	t.Helper()
	e := engine.New(store, engine.Options{RetryBackoff: time.Millisecond})
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop()
		_ = store.Close()
	})
	registry := newMockRegistry()
	return NewServer(e, registry, opts), registry
}

func do(t *testing.T, s *Server, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}

func register(t *testing.T, s *Server, ids ...string) {
	t.Helper()
	for _, id := range ids {
		w := do(t, s, "POST", "/api/users", id, types.Profile{DisplayName: "User " + id})
		if w.Code != http.StatusCreated {
			t.Fatalf("register %s: expected 201, got %d: %s", id, w.Code, w.Body.String())
		}
	}
}

func TestServer_HealthCheck(t *testing.T) {
	s, registry := newTestServer(t, Options{})
	registry.connected["alice"] = true

	w := do(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "healthy" || health.Database != "healthy" {
		t.Errorf("unexpected health %+v", health)
	}
	if health.Connections["connected_users"] != 1 {
		t.Errorf("expected registry stats in health, got %v", health.Connections)
	}
	if _, ok := health.System["active_subscriptions"]; !ok {
		t.Error("expected active_subscriptions in system info")
	}
}

func TestServer_HealthCheckUnhealthy(t *testing.T) {
	s, _ := newTestServerWithStore(t, failingStore{memstore.New()}, Options{})

	w := do(t, s, "GET", "/health", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	var health HealthResponse
	decode(t, w, &health)
	if health.Status != "unhealthy" {
		t.Errorf("expected unhealthy, got %s", health.Status)
	}
}

func TestServer_RequiresUserHeader(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	tests := []struct {
		name string
		user string
		code int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "a_b", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, "GET", "/api/chats", tt.user, nil)
			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
			var resp ErrorResponse
			decode(t, w, &resp)
			if resp.Code != tt.code {
				t.Errorf("error body code %d, want %d", resp.Code, tt.code)
			}
		})
	}
}

func TestServer_RegisterUser(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	register(t, s, "alice")

	w := do(t, s, "POST", "/api/users", "alice", types.Profile{ID: "alice", DisplayName: "Renamed"})
	if w.Code != http.StatusOK {
		t.Errorf("re-register: expected 200, got %d", w.Code)
	}
	var resp RegisterResponse
	decode(t, w, &resp)
	if resp.Created {
		t.Error("re-register should report created=false")
	}

	w = do(t, s, "POST", "/api/users", "alice", types.Profile{ID: "bob"})
	if w.Code != http.StatusForbidden {
		t.Errorf("mismatched id: expected 403, got %d", w.Code)
	}

	w = do(t, s, "POST", "/api/users", "carol", types.Profile{StudyMode: "solo"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid study mode: expected 400, got %d", w.Code)
	}

	w = do(t, s, "GET", "/api/users/alice", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get profile: expected 200, got %d", w.Code)
	}
	var profile types.Profile
	decode(t, w, &profile)
	if profile.DisplayName != "User alice" {
		t.Errorf("expected original display name, got %q", profile.DisplayName)
	}

	w = do(t, s, "GET", "/api/users/nobody", "alice", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown user: expected 404, got %d", w.Code)
	}
}

func TestServer_ConnectionRequestFlow(t *testing.T) {
	s, registry := newTestServer(t, Options{})
	register(t, s, "alice", "bob")

	if w := do(t, s, "POST", "/api/requests/bob", "alice", nil); w.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, "POST", "/api/requests/bob", "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("duplicate send: expected 409, got %d", w.Code)
	}
	if w := do(t, s, "POST", "/api/requests/alice", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("self request: expected 400, got %d", w.Code)
	}

	w := do(t, s, "GET", "/api/requests/status/bob", "alice", nil)
	var status StatusResponse
	decode(t, w, &status)
	if status.Relationship != types.RelationshipPendingSent {
		t.Errorf("expected pending_sent, got %s", status.Relationship)
	}

	w = do(t, s, "GET", "/api/requests", "bob", nil)
	var pending []types.RequestEntry
	decode(t, w, &pending)
	if len(pending) != 1 || pending[0].UserID != "alice" {
		t.Fatalf("expected one pending request from alice, got %+v", pending)
	}

	if w := do(t, s, "POST", "/api/requests/alice/accept", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("accept: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, s, "POST", "/api/requests/alice/reject", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("resolving twice: expected 404, got %d", w.Code)
	}

	registry.connected["bob"] = true
	w = do(t, s, "GET", "/api/connections", "alice", nil)
	var conns []ConnectionView
	decode(t, w, &conns)
	if len(conns) != 1 || conns[0].ID != "bob" || !conns[0].Online {
		t.Errorf("expected bob online in connections, got %+v", conns)
	}
}

func TestServer_ChatFlow(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	register(t, s, "alice", "bob", "carol")
	do(t, s, "POST", "/api/requests/bob", "alice", nil)
	do(t, s, "POST", "/api/requests/alice/accept", "bob", nil)

	w := do(t, s, "POST", "/api/chats/bob", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("open chat: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ch ChannelResponse
	decode(t, w, &ch)
	if ch.Key != "alice_bob" {
		t.Fatalf("expected key alice_bob, got %q", ch.Key)
	}

	w = do(t, s, "POST", "/api/chats/alice_bob/messages", "alice", SendMessageRequest{Text: "  hello  "})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var msg types.Message
	decode(t, w, &msg)
	if msg.ID == "" || msg.Text != "hello" || msg.SenderID != "alice" {
		t.Errorf("unexpected message %+v", msg)
	}

	if w := do(t, s, "POST", "/api/chats/alice_bob/messages", "alice", SendMessageRequest{Text: "   "}); w.Code != http.StatusBadRequest {
		t.Errorf("empty message: expected 400, got %d", w.Code)
	}
	if w := do(t, s, "POST", "/api/chats/alice_bob/messages", "carol", SendMessageRequest{Text: "hi"}); w.Code != http.StatusBadRequest {
		t.Errorf("outsider: expected 400, got %d", w.Code)
	}
	if w := do(t, s, "GET", "/api/chats/not-a-key/messages", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("malformed key: expected 400, got %d", w.Code)
	}

	w = do(t, s, "GET", "/api/chats/alice_bob/messages", "bob", nil)
	var msgs []types.Message
	decode(t, w, &msgs)
	if len(msgs) != 1 || msgs[0].Text != "hello" {
		t.Errorf("expected one message, got %+v", msgs)
	}

	w = do(t, s, "GET", "/api/chats", "bob", nil)
	var previews []types.ChatPreview
	decode(t, w, &previews)
	if len(previews) != 1 || previews[0].BuddyID != "alice" || !previews[0].Unread {
		t.Errorf("expected unread chat with alice, got %+v", previews)
	}

	if w := do(t, s, "POST", "/api/chats/alice_bob/seen", "bob", nil); w.Code != http.StatusOK {
		t.Fatalf("seen: expected 200, got %d", w.Code)
	}
	w = do(t, s, "GET", "/api/chats", "bob", nil)
	decode(t, w, &previews)
	if len(previews) != 1 || previews[0].Unread {
		t.Errorf("expected chat read after seen, got %+v", previews)
	}
}

func TestServer_UnreadCountFollowsConnections(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	register(t, s, "alice", "bob")
	do(t, s, "POST", "/api/requests/bob", "alice", nil)
	do(t, s, "POST", "/api/requests/alice/accept", "bob", nil)
	do(t, s, "POST", "/api/chats/bob", "alice", nil)
	do(t, s, "POST", "/api/chats/alice_bob/messages", "alice", SendMessageRequest{Text: "ping"})

	w := do(t, s, "GET", "/api/unread", "bob", nil)
	var count CountResponse
	decode(t, w, &count)
	if count.Count != 1 {
		t.Errorf("expected 1 unread channel, got %d", count.Count)
	}

	w = do(t, s, "GET", "/api/unread", "alice", nil)
	decode(t, w, &count)
	if count.Count != 0 {
		t.Errorf("sender should have nothing unread, got %d", count.Count)
	}
}

func TestServer_MessageRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{MessageRateLimit: 2})
	register(t, s, "alice", "bob")

	for i := 0; i < 2; i++ {
		w := do(t, s, "POST", "/api/chats/alice_bob/messages", "alice", SendMessageRequest{Text: fmt.Sprintf("m%d", i)})
		if w.Code != http.StatusCreated {
			t.Fatalf("message %d: expected 201, got %d", i, w.Code)
		}
	}
	if w := do(t, s, "POST", "/api/chats/alice_bob/messages", "alice", SendMessageRequest{Text: "m2"}); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w := do(t, s, "POST", "/api/chats/alice_bob/messages", "bob", SendMessageRequest{Text: "reply"}); w.Code != http.StatusCreated {
		t.Errorf("limit is per user: expected 201, got %d", w.Code)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	req := httptest.NewRequest("OPTIONS", "/api/chats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", HeaderUserID)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("expected allowed origin header, got %q", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrInvalidUserID, http.StatusBadRequest},
		{fmt.Errorf("load: %w", types.ErrNotFound), http.StatusNotFound},
		{types.ErrDuplicateRequest, http.StatusConflict},
		{interfaces.ErrUnauthenticated, http.StatusUnauthorized},
		{&types.PartialWriteError{Operation: "accept", Failed: "ledger", Err: types.ErrTransientStore}, http.StatusAccepted},
		{types.ErrTransientStore, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimiter_WindowResets(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("first two actions should pass")
	}
	if rl.Allow("alice") {
		t.Error("third action inside the window should be limited")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("alice") {
		t.Error("a new window should allow again")
	}

	now = now.Add(10 * time.Minute)
	rl.Cleanup()
	if rl.Tracked() != 0 {
		t.Errorf("expected idle users cleaned up, tracked=%d", rl.Tracked())
	}
}
