package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"studybuddy/internal/memstore"
	"studybuddy/internal/presence"
	"studybuddy/pkg/types"
)

func newEngine(t *testing.T, opts Options, users ...string) *Engine {
	t.Helper()
	store := memstore.New()
	e := New(store, opts)
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start engine: %v", err)
	}
	t.Cleanup(func() {
		_ = e.Stop()
		_ = store.Close()
	})
	for _, id := range users {
		if _, err := e.RegisterUser(context.Background(), types.Profile{ID: id, DisplayName: "User " + id}); err != nil {
			t.Fatalf("Failed to register %s: %v", id, err)
		}
	}
	return e
}

func waitFor[T any](t *testing.T, ch <-chan T, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-ch:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timed out waiting for delivery")
		}
	}
}

func TestEngine_StartStop(t *testing.T) {
	e := New(memstore.New(), Options{})
	ctx := context.Background()

	if err := e.Stop(); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := e.Start(ctx); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := e.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRegisterUser(t *testing.T) {
	e := newEngine(t, Options{})
	ctx := context.Background()

	profile := types.Profile{
		ID:           "alice",
		DisplayName:  "Alice",
		Subjects:     []string{"calculus"},
		Availability: []types.Weekday{types.Monday},
		StudyMode:    types.StudyModeGroup,
	}
	created, err := e.RegisterUser(ctx, profile)
	if err != nil || !created {
		t.Fatalf("expected registration, got created=%v err=%v", created, err)
	}

	profile.DisplayName = "Someone else"
	created, err = e.RegisterUser(ctx, profile)
	if err != nil || created {
		t.Errorf("second registration should be a no-op, got created=%v err=%v", created, err)
	}
	got, err := e.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if got.DisplayName != "Alice" || len(got.Subjects) != 1 {
		t.Errorf("unexpected profile %+v", got)
	}

	tests := []struct {
		name    string
		profile types.Profile
	}{
		{"empty id", types.Profile{}},
		{"separator in id", types.Profile{ID: "a_b"}},
		{"bad study mode", types.Profile{ID: "bob", StudyMode: "solo"}},
		{"bad weekday", types.Profile{ID: "bob", Availability: []types.Weekday{"Someday"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.RegisterUser(ctx, tt.profile); !errors.Is(err, types.ErrInvalidArgument) {
				t.Errorf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	if _, err := e.GetProfile(ctx, "nobody"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEngine_ConnectAndChat(t *testing.T) {
	e := newEngine(t, Options{}, "alice", "bob")
	ctx := context.Background()

	if err := e.SendConnectionRequest(ctx, "alice", "bob"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	pending, err := e.PendingReceived(ctx, "bob")
	if err != nil || len(pending) != 1 || pending[0].UserID != "alice" {
		t.Fatalf("unexpected pending %+v err=%v", pending, err)
	}
	if err := e.ResolveConnectionRequest(ctx, "bob", "alice", types.DecisionAccept); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	if rel, _ := e.ConnectionStatus(ctx, "alice", "bob"); rel != types.RelationshipConnected {
		t.Errorf("expected connected, got %s", rel)
	}
	conns, err := e.Connections(ctx, "bob")
	if err != nil || len(conns) != 1 || conns[0].ID != "alice" {
		t.Errorf("unexpected connections %+v err=%v", conns, err)
	}

	key, err := e.EnsureAndOpenChannel(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if key != "alice_bob" {
		t.Errorf("unexpected key %q", key)
	}

	if _, err := e.SendMessage(ctx, "alice", key, "hello"); err != nil {
		t.Fatalf("send message failed: %v", err)
	}
	if _, err := e.SendMessage(ctx, "alice", key, "world"); err != nil {
		t.Fatalf("send message failed: %v", err)
	}

	msgs, err := e.Messages(ctx, "bob", key)
	if err != nil || len(msgs) != 2 || msgs[0].Text != "hello" || msgs[1].Text != "world" {
		t.Fatalf("unexpected messages %+v err=%v", msgs, err)
	}

	if unread, _ := e.IsUnread(ctx, "bob", key); !unread {
		t.Error("bob should see the channel unread")
	}
	if unread, _ := e.IsUnread(ctx, "alice", key); unread {
		t.Error("the sender's own message never marks the channel unread")
	}
	if n, _ := e.UnreadChannelCount(ctx, "bob"); n != 1 {
		t.Errorf("expected one unread channel, got %d", n)
	}

	if err := e.MarkChannelSeen(ctx, "bob", key); err != nil {
		t.Fatalf("mark seen failed: %v", err)
	}
	if n, _ := e.UnreadChannelCount(ctx, "bob"); n != 0 {
		t.Errorf("expected no unread channels after reading, got %d", n)
	}

	list, err := e.ListChannels(ctx, "alice")
	if err != nil || len(list) != 1 || list[0].LastMessage == nil || list[0].LastMessage.Text != "world" {
		t.Errorf("unexpected chat list %+v err=%v", list, err)
	}
}

func TestEngine_RejectsOutsiders(t *testing.T) {
	e := newEngine(t, Options{}, "alice", "bob", "carol")
	ctx := context.Background()

	key, err := e.EnsureAndOpenChannel(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}

	if _, err := e.SendMessage(ctx, "carol", key, "hi"); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := e.Messages(ctx, "carol", key); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}
	if err := e.MarkChannelSeen(ctx, "carol", key); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := e.SubscribeMessages(ctx, "carol", key, func([]types.Message, error) {}); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := e.SendMessage(ctx, "alice", "not-a-key", "hi"); !errors.Is(err, types.ErrInvalidChannelKey) {
		t.Errorf("expected ErrInvalidChannelKey, got %v", err)
	}
	if _, err := e.EnsureAndOpenChannel(ctx, "alice", "alice"); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for a self channel, got %v", err)
	}
}

func TestEngine_SubscribeMessages(t *testing.T) {
	e := newEngine(t, Options{}, "alice", "bob")
	ctx := context.Background()
	key, _ := e.EnsureAndOpenChannel(ctx, "alice", "bob")

	batches := make(chan []types.Message, 16)
	sub, err := e.SubscribeMessages(ctx, "bob", key, func(msgs []types.Message, err error) {
		if err == nil {
			batches <- msgs
		}
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	waitFor(t, batches, func(m []types.Message) bool { return len(m) == 0 })
	_, _ = e.SendMessage(ctx, "alice", key, "hello")
	got := waitFor(t, batches, func(m []types.Message) bool { return len(m) > 0 })
	if got[0].Text != "hello" || got[0].SenderID != "alice" {
		t.Errorf("unexpected delivery %+v", got)
	}
}

func TestEngine_Presence(t *testing.T) {
	ctx := context.Background()

	without := newEngine(t, Options{})
	if err := without.MarkOnline(ctx, "alice", "c1"); err != nil {
		t.Errorf("MarkOnline without presence should be a no-op, got %v", err)
	}
	online, err := without.OnlineAmong(ctx, []string{"alice"})
	if err != nil || online["alice"] {
		t.Errorf("expected nobody online without presence, got %v err=%v", online, err)
	}

	s := miniredis.RunT(t)
	tracker, err := presence.NewTracker("redis://"+s.Addr(), time.Minute)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}
	defer tracker.Close()

	with := newEngine(t, Options{Presence: tracker})
	if err := with.MarkOnline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("MarkOnline failed: %v", err)
	}
	online, err = with.OnlineAmong(ctx, []string{"alice", "bob"})
	if err != nil || !online["alice"] || online["bob"] {
		t.Errorf("unexpected presence %v err=%v", online, err)
	}
	if err := with.MarkOffline(ctx, "alice", "c1"); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}
	if online, _ := with.OnlineAmong(ctx, []string{"alice"}); online["alice"] {
		t.Error("alice should be offline once the last connection closed")
	}
	if err := with.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
