// Package session scopes subscriptions to the signed-in identity. When the
// identity changes, every subscription of the old session is torn down
// before any subscription of the new one is opened.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"studybuddy/internal/hub"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Opener establishes the standing subscriptions of a new session and
// registers each with s.Track.
type Opener func(ctx context.Context, s *Session) error

// Session is the set of subscriptions opened for one signed-in user.
type Session struct {
	ID        string
	UserID    string
	StartedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   []*hub.Subscription
	closed bool
}

func newSession(userID string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Context is cancelled when the session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Track ties sub to the session. A subscription tracked after the session
// ended is unsubscribed at once and ErrSessionClosed is returned.
func (s *Session) Track(sub *hub.Subscription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Unsubscribe()
		return ErrSessionClosed
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Release unsubscribes sub and stops tracking it.
func (s *Session) Release(sub *hub.Subscription) {
	s.mu.Lock()
	for i, tracked := range s.subs {
		if tracked == sub {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	sub.Unsubscribe()
}

// Subscriptions returns the number of live tracked subscriptions.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close unsubscribes everything, newest first. When it returns no callback of
// this session is running or will run.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Unsubscribe()
	}
}

// Manager follows an IdentityProvider and keeps exactly one session, or
// none while signed out.
type Manager struct {
	identity interfaces.IdentityProvider

	// switchMu serializes identity switches end to end.
	switchMu  sync.Mutex
	mu        sync.RWMutex
	current   *Session
	openers   []Opener
	unsubAuth interfaces.Unsubscribe
	started   bool
}

// NewManager creates a session manager for identity.
func NewManager(identity interfaces.IdentityProvider) *Manager {
	return &Manager{identity: identity}
}

// OnOpen registers an opener run for every new session. Register openers
// before Start.
func (m *Manager) OnOpen(open Opener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openers = append(m.openers, open)
}

// Start follows the identity provider and opens a session for the user
// already signed in, if any.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	unsub := m.identity.OnAuthChange(func(ev interfaces.AuthEvent) {
		userID := ""
		if ev.SignedIn {
			userID = ev.UserID
		}
		if err := m.switchTo(userID); err != nil {
			log.Printf("Session switch to %q failed: %v", userID, err)
		}
	})
	m.mu.Lock()
	m.unsubAuth = unsub
	m.mu.Unlock()

	userID, _ := m.identity.CurrentUserID()
	return m.switchTo(userID)
}

// Stop ends the current session and stops following the identity provider.
func (m *Manager) Stop() {
	m.mu.Lock()
	unsub := m.unsubAuth
	m.unsubAuth = nil
	m.started = false
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	_ = m.switchTo("")
}

// Current returns the live session.
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, interfaces.ErrUnauthenticated
	}
	return m.current, nil
}

// switchTo ends the current session and, for a non-empty userID, opens a new
// one. Switching to the current user keeps the session.
func (m *Manager) switchTo(userID string) error {
	m.switchMu.Lock()
	defer m.switchMu.Unlock()

	m.mu.Lock()
	prev := m.current
	if prev != nil && prev.UserID == userID && !prev.Closed() {
		m.mu.Unlock()
		return nil
	}
	m.current = nil
	openers := append([]Opener(nil), m.openers...)
	m.mu.Unlock()

	if prev != nil {
		prev.close()
		log.Printf("Session ended: id=%s user=%s", prev.ID, prev.UserID)
	}
	if userID == "" {
		return nil
	}
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}

	next := newSession(userID)
	for _, open := range openers {
		if err := open(next.ctx, next); err != nil {
			next.close()
			return fmt.Errorf("open session for %s: %w", userID, err)
		}
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
	log.Printf("Session started: id=%s user=%s subscriptions=%d", next.ID, userID, next.Subscriptions())
	return nil
}
