// Package identity provides in-process IdentityProvider implementations.
// Authentication itself happens elsewhere; these only carry its outcome.
package identity

import (
	"log"
	"sort"
	"sync"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Switchable holds the signed-in user and notifies listeners when it changes.
type Switchable struct {
	mu        sync.Mutex
	userID    string
	listeners map[uint64]func(interfaces.AuthEvent)
	nextID    uint64
	// notifyMu keeps events from overlapping when SignIn races SignOut.
	notifyMu sync.Mutex
}

// NewSwitchable creates a provider with nobody signed in.
func NewSwitchable() *Switchable {
	return &Switchable{listeners: make(map[uint64]func(interfaces.AuthEvent))}
}

// NewSignedIn creates a provider with userID already signed in.
func NewSignedIn(userID string) (*Switchable, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	p := NewSwitchable()
	p.userID = userID
	return p, nil
}

// CurrentUserID returns the signed-in user, if any.
func (p *Switchable) CurrentUserID() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID, p.userID != ""
}

// OnAuthChange registers callback for later sign-in and sign-out events.
// Callbacks run synchronously on the goroutine that changed the identity.
func (p *Switchable) OnAuthChange(callback func(interfaces.AuthEvent)) interfaces.Unsubscribe {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners[id] = callback
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// SignIn makes userID the current user. Signing in as the current user is a
// no-op.
func (p *Switchable) SignIn(userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	p.set(userID)
	return nil
}

// SignOut clears the current user.
func (p *Switchable) SignOut() {
	p.set("")
}

func (p *Switchable) set(userID string) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	if p.userID == userID {
		p.mu.Unlock()
		return
	}
	p.userID = userID
	ids := make([]uint64, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	callbacks := make([]func(interfaces.AuthEvent), 0, len(ids))
	for _, id := range ids {
		callbacks = append(callbacks, p.listeners[id])
	}
	p.mu.Unlock()

	event := interfaces.AuthEvent{UserID: userID, SignedIn: userID != ""}
	if event.SignedIn {
		log.Printf("Identity signed in: user=%s", userID)
	} else {
		log.Println("Identity signed out")
	}
	for _, cb := range callbacks {
		cb(event)
	}
}
