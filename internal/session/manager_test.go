package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"studybuddy/internal/hub"
	"studybuddy/internal/identity"
	"studybuddy/internal/memstore"
	"studybuddy/pkg/interfaces"
)

func startHub(t *testing.T) *hub.Hub {
	t.Helper()
	h := hub.NewHub(32)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func TestManager_OpensSessionForSignedInUser(t *testing.T) {
	h := startHub(t)
	provider, _ := identity.NewSignedIn("alice")
	m := NewManager(provider)

	m.OnOpen(func(ctx context.Context, s *Session) error {
		return s.Track(h.NewSubscription("badge:" + s.UserID))
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	s, err := m.Current()
	if err != nil {
		t.Fatalf("expected a session, got %v", err)
	}
	if s.UserID != "alice" || s.Subscriptions() != 1 {
		t.Errorf("unexpected session %+v with %d subscriptions", s, s.Subscriptions())
	}
	if err := m.Start(); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestManager_SignedOutHasNoSession(t *testing.T) {
	m := NewManager(identity.NewSwitchable())
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	if _, err := m.Current(); !errors.Is(err, interfaces.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestManager_IdentityChangeReplacesSubscriptions(t *testing.T) {
	h := startHub(t)
	provider := identity.NewSwitchable()
	m := NewManager(provider)

	var mu sync.Mutex
	var opened []*hub.Subscription
	m.OnOpen(func(ctx context.Context, s *Session) error {
		mu.Lock()
		defer mu.Unlock()
		// Every earlier session's subscriptions must already be gone.
		for _, prev := range opened {
			if prev.Active() {
				t.Errorf("subscription %s still active while opening for %s", prev.Name(), s.UserID)
			}
		}
		sub := h.NewSubscription("requests:" + s.UserID)
		opened = append(opened, sub)
		return s.Track(sub)
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	_ = provider.SignIn("alice")
	first, _ := m.Current()
	_ = provider.SignIn("bob")
	second, _ := m.Current()

	if first == second || second.UserID != "bob" {
		t.Fatalf("expected a new session for bob, got %+v", second)
	}
	if !first.Closed() || first.Context().Err() == nil {
		t.Error("previous session should be closed and its context cancelled")
	}

	provider.SignOut()
	if _, err := m.Current(); !errors.Is(err, interfaces.ErrUnauthenticated) {
		t.Errorf("expected no session after sign out, got %v", err)
	}
	if h.ActiveSubscriptions() != 0 {
		t.Errorf("expected all subscriptions detached, %d remain", h.ActiveSubscriptions())
	}
}

func TestManager_NoCallbacksFromPreviousIdentity(t *testing.T) {
	h := startHub(t)
	store := memstore.New()
	defer store.Close()
	ctx := context.Background()
	_, _ = store.CreateIfAbsent(ctx, "users", "alice", interfaces.Document{"n": 0})
	_, _ = store.CreateIfAbsent(ctx, "users", "bob", interfaces.Document{"n": 0})

	provider := identity.NewSwitchable()
	m := NewManager(provider)

	var aliceCalls atomic.Int32
	var current atomic.Value
	m.OnOpen(func(ctx context.Context, s *Session) error {
		sub := h.NewSubscription("doc:" + s.UserID)
		user := s.UserID
		unsub, err := store.SubscribeDocument(ctx, "users", user, func(*interfaces.Snapshot, error) {
			sub.Deliver(func() {
				if user == "alice" {
					aliceCalls.Add(1)
				}
				current.Store(user)
			})
		})
		if err != nil {
			return err
		}
		sub.OnRelease(unsub)
		return s.Track(sub)
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	_ = provider.SignIn("alice")
	_ = h.Barrier(ctx)
	time.Sleep(10 * time.Millisecond)

	_ = provider.SignIn("bob")
	before := aliceCalls.Load()
	for i := 1; i <= 5; i++ {
		_ = store.UpdateFields(ctx, "users", "alice", interfaces.Set("n", i))
	}
	time.Sleep(20 * time.Millisecond)
	_ = h.Barrier(ctx)

	if got := aliceCalls.Load(); got != before {
		t.Errorf("alice callbacks fired after switching to bob: %d -> %d", before, got)
	}
}

func TestSession_TrackAfterCloseUnsubscribes(t *testing.T) {
	h := startHub(t)
	s := newSession("alice")
	s.close()

	sub := h.NewSubscription("late")
	if err := s.Track(sub); err != ErrSessionClosed {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if sub.Active() {
		t.Error("late subscription should be detached")
	}
}

func TestSession_Release(t *testing.T) {
	h := startHub(t)
	s := newSession("alice")
	a, b := h.NewSubscription("a"), h.NewSubscription("b")
	_ = s.Track(a)
	_ = s.Track(b)

	s.Release(a)
	if a.Active() || s.Subscriptions() != 1 {
		t.Errorf("Release did not detach: active=%v tracked=%d", a.Active(), s.Subscriptions())
	}
	s.close()
	if b.Active() {
		t.Error("close should detach remaining subscriptions")
	}
}

func TestManager_OpenerFailureLeavesNoSession(t *testing.T) {
	h := startHub(t)
	provider := identity.NewSwitchable()
	m := NewManager(provider)

	var tracked *hub.Subscription
	m.OnOpen(func(ctx context.Context, s *Session) error {
		tracked = h.NewSubscription("ok")
		return s.Track(tracked)
	})
	m.OnOpen(func(ctx context.Context, s *Session) error {
		return errors.New("store unavailable")
	})
	if err := m.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop()

	_ = provider.SignIn("alice")
	if _, err := m.Current(); !errors.Is(err, interfaces.ErrUnauthenticated) {
		t.Errorf("expected no session after opener failure, got %v", err)
	}
	if tracked == nil || tracked.Active() {
		t.Error("subscriptions of a failed session must be detached")
	}
}
