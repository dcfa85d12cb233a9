package requests

import (
	"context"
	"log"
	"reflect"
	"sync"

	"studybuddy/internal/hub"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// SubscribePendingReceived streams userID's pending received requests. Every
// delivery that contains new entries clears their isNew flag in the
// background; the flag is still set in what the callback sees.
func (m *Manager) SubscribePendingReceived(ctx context.Context, userID string, fn func([]types.RequestEntry, error)) (*hub.Subscription, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	sub := m.hub.NewSubscription("pendingReceived:" + userID)
	marker := &seenMarker{}

	unsub, err := m.store.SubscribeDocument(ctx, types.CollectionUsers, userID, func(snap *interfaces.Snapshot, err error) {
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		user, decodeErr := userdoc.Decode(snap)
		if decodeErr != nil {
			sub.Deliver(func() { fn(nil, decodeErr) })
			return
		}
		pending := user.PendingReceived()
		sub.Deliver(func() {
			fn(pending, nil)
			if hasNew(pending) {
				m.requestMarkSeen(marker, sub, userID)
			}
		})
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(unsub)
	return sub, nil
}

// SubscribePendingCount streams the number of pending received requests.
func (m *Manager) SubscribePendingCount(ctx context.Context, userID string, fn func(int, error)) (*hub.Subscription, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	sub := m.hub.NewSubscription("pendingCount:" + userID)
	last := -1

	unsub, err := m.store.SubscribeDocument(ctx, types.CollectionUsers, userID, func(snap *interfaces.Snapshot, err error) {
		if err != nil {
			sub.Deliver(func() { fn(0, err) })
			return
		}
		user, decodeErr := userdoc.Decode(snap)
		if decodeErr != nil {
			sub.Deliver(func() { fn(0, decodeErr) })
			return
		}
		count := len(user.PendingReceived())
		sub.Deliver(func() {
			if count == last {
				return
			}
			last = count
			fn(count, nil)
		})
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(unsub)
	return sub, nil
}

// SubscribeConnections streams the profiles of userID's connections. Profiles
// are loaded off the hub loop, in the store's delivery order. A list equal to
// the last one delivered is not pushed again.
func (m *Manager) SubscribeConnections(ctx context.Context, userID string, fn func([]types.Profile, error)) (*hub.Subscription, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	sub := m.hub.NewSubscription("connections:" + userID)
	loadCtx, cancel := context.WithCancel(context.Background())
	var last []types.Profile
	delivered := false

	unsub, err := m.store.SubscribeDocument(ctx, types.CollectionUsers, userID, func(snap *interfaces.Snapshot, err error) {
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		user, err := userdoc.Decode(snap)
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		if !sub.Active() {
			return
		}
		profiles, err := userdoc.Profiles(loadCtx, m.store, user.Connections)
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		sub.Deliver(func() {
			if delivered && reflect.DeepEqual(profiles, last) {
				return
			}
			delivered = true
			last = profiles
			fn(profiles, nil)
		})
	})
	if err != nil {
		cancel()
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(cancel)
	sub.OnRelease(unsub)
	return sub, nil
}

func hasNew(entries []types.RequestEntry) bool {
	for _, e := range entries {
		if e.IsNew {
			return true
		}
	}
	return false
}

// seenMarker keeps at most one mark-seen write in flight per subscription.
// A request for another write while one runs is remembered and served when
// it finishes.
type seenMarker struct {
	mu      sync.Mutex
	running bool
	again   bool
}

func (m *Manager) requestMarkSeen(s *seenMarker, sub *hub.Subscription, userID string) {
	s.mu.Lock()
	if s.running {
		s.again = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		for {
			m.markSeenAsync(userID)
			s.mu.Lock()
			if !s.again || !sub.Active() {
				s.running = false
				s.again = false
				s.mu.Unlock()
				return
			}
			s.again = false
			s.mu.Unlock()
		}
	}()
}

func (m *Manager) markSeenAsync(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.seenTimeout)
	defer cancel()
	if err := m.MarkReceivedSeen(ctx, userID); err != nil {
		log.Printf("Failed to mark received requests seen for %s: %v", userID, err)
	}
}
