package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"

	"studybuddy/internal/api"
	"studybuddy/internal/config"
	"studybuddy/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	app, err := NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})
	return app
}

func post(t *testing.T, app *Application, path, user string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest("POST", "http://"+app.GetAddr()+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	req.Header.Set(api.HeaderUserID, user)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApplication_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "tape"
	app, err := NewApplication(cfg)
	if err == nil || app != nil {
		t.Fatal("expected invalid configuration to be rejected")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestApplication_RedisUnavailable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.URL = "redis://127.0.0.1:1/0"
	if _, err := NewApplication(cfg); err == nil {
		t.Fatal("expected an error when redis is unreachable")
	}
}

func TestApplication_ServesHTTPAndWebSocket(t *testing.T) {
	app := startApp(t, testConfig())

	resp, err := http.Get("http://" + app.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy service, got %d", resp.StatusCode)
	}

	for _, id := range []string{"alice", "bob"} {
		if r := post(t, app, "/api/users", id, types.Profile{DisplayName: id}); r.StatusCode != http.StatusCreated {
			t.Fatalf("register %s: got %d", id, r.StatusCode)
		}
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+app.GetAddr()+"/ws?user_id=bob", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	if r := post(t, app, "/api/requests/bob", "alice", nil); r.StatusCode != http.StatusCreated {
		t.Fatalf("send request: got %d", r.StatusCode)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("no pending push received: %v", err)
		}
		var count int
		if ev.Type == "pending" && json.Unmarshal(ev.Payload, &count) == nil && count == 1 {
			break
		}
	}
}

func TestApplication_SharedStoreAcrossProcesses(t *testing.T) {
	redisServer := miniredis.RunT(t)
	dbPath := filepath.Join(t.TempDir(), "studybuddy.db")

	newCfg := func() *config.Config {
		cfg := testConfig()
		cfg.Store.Driver = config.DriverSQLite
		cfg.Store.Path = dbPath
		cfg.Redis.Enabled = true
		cfg.Redis.URL = "redis://" + redisServer.Addr()
		return cfg
	}
	a := startApp(t, newCfg())
	b := startApp(t, newCfg())
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		if _, err := a.Engine().RegisterUser(ctx, types.Profile{ID: id, DisplayName: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	counts := make(chan int, 10)
	sub, err := b.Engine().SubscribePendingCount(ctx, "bob", func(n int, err error) {
		if err == nil {
			counts <- n
		}
	})
	if err != nil {
		t.Fatalf("subscribe on second process failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := a.Engine().SendConnectionRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send on first process failed: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case n := <-counts:
			if n == 1 {
				return
			}
		case <-timeout:
			t.Fatal("second process never saw the request")
		}
	}
}
