// Package hub is the realtime fan-out event loop. Store notifications arrive
// on many goroutines; the hub marshals every consumer callback onto one
// goroutine so consumers never need their own locking.
package hub

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the event queue size used when NewHub is given zero.
const DefaultBuffer = 1000

// Hub runs queued events one at a time on a single goroutine.
type Hub struct {
	eventChannel    chan func()
	shutdownChannel chan struct{}
	stopped         chan struct{}

	running bool
	mu      sync.RWMutex

	subsMu sync.Mutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
}

// NewHub creates a hub whose event queue holds buffer pending events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		eventChannel:    make(chan func(), buffer),
		shutdownChannel: make(chan struct{}),
		stopped:         make(chan struct{}),
		subs:            make(map[uint64]*Subscription),
	}
}

// Start begins processing events.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.stopped:
		h.mu.Unlock()
		return ErrHubStopped
	default:
	}
	h.running = true
	h.mu.Unlock()

	log.Println("Starting notification hub...")
	go h.run(ctx)
	return nil
}

// Stop ends the event loop and detaches every live subscription. Events
// still queued are dropped.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.mu.Unlock()

	log.Println("Stopping notification hub...")
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	<-h.stopped

	h.subsMu.Lock()
	live := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		live = append(live, sub)
	}
	h.subsMu.Unlock()
	for _, sub := range live {
		sub.Unsubscribe()
	}
	return nil
}

// Running reports whether the loop accepts events.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.stopped)
	defer log.Println("Hub processing stopped")

	for {
		select {
		case event := <-h.eventChannel:
			h.dispatch(event)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// dispatch runs one event; a panicking consumer does not take the loop down.
func (h *Hub) dispatch(event func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Hub event panicked: %v", r)
		}
	}()
	event()
}

// Post queues fn to run on the loop. It blocks while the queue is full and
// fails once the loop has stopped. Code already running on the loop must not
// Post and then wait for the result.
func (h *Hub) Post(fn func()) error {
	select {
	case <-h.stopped:
		return ErrHubNotRunning
	default:
	}
	select {
	case h.eventChannel <- fn:
		return nil
	case <-h.stopped:
		return ErrHubNotRunning
	}
}

// Do runs fn on the loop and waits for it to finish.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := h.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier returns once every event queued before the call has run.
func (h *Hub) Barrier(ctx context.Context) error {
	return h.Do(ctx, func() {})
}

// ActiveSubscriptions returns the number of attached subscriptions.
func (h *Hub) ActiveSubscriptions() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}

// NewSubscription registers a consumer. Callbacks delivered through it run on
// the loop until Unsubscribe.
func (h *Hub) NewSubscription(name string) *Subscription {
	sub := &Subscription{hub: h, id: h.nextID.Add(1), name: name}
	h.subsMu.Lock()
	h.subs[sub.id] = sub
	h.subsMu.Unlock()
	return sub
}

func (h *Hub) forget(id uint64) {
	h.subsMu.Lock()
	delete(h.subs, id)
	h.subsMu.Unlock()
}

// Subscription is one consumer attached to the hub, usually backed by one or
// more store listeners registered with OnRelease.
type Subscription struct {
	hub  *Hub
	id   uint64
	name string

	detached atomic.Bool
	// callbackMu is held while one of this subscription's callbacks runs.
	callbackMu sync.Mutex

	releaseMu sync.Mutex
	releases  []func()
}

// Name identifies the subscription in logs.
func (s *Subscription) Name() string {
	return s.name
}

// Active reports whether the subscription is still attached.
func (s *Subscription) Active() bool {
	return !s.detached.Load()
}

// Deliver queues fn on the loop. fn is skipped if the subscription detaches
// before the loop reaches it.
func (s *Subscription) Deliver(fn func()) {
	if s.detached.Load() {
		return
	}
	err := s.hub.Post(func() {
		s.callbackMu.Lock()
		defer s.callbackMu.Unlock()
		if s.detached.Load() {
			return
		}
		fn()
	})
	if err != nil {
		log.Printf("Hub dropped delivery for subscription %s: %v", s.name, err)
	}
}

// OnRelease registers a cleanup to run on Unsubscribe. It runs immediately
// when the subscription is already detached.
func (s *Subscription) OnRelease(release func()) {
	s.releaseMu.Lock()
	if s.detached.Load() {
		s.releaseMu.Unlock()
		release()
		return
	}
	s.releases = append(s.releases, release)
	s.releaseMu.Unlock()
}

// Unsubscribe detaches the subscription. When it returns no callback of this
// subscription is running or will run. It must not be called from the
// subscription's own callback.
func (s *Subscription) Unsubscribe() {
	s.releaseMu.Lock()
	if s.detached.Swap(true) {
		s.releaseMu.Unlock()
		return
	}
	releases := s.releases
	s.releases = nil
	s.releaseMu.Unlock()

	// Wait out a callback already in flight on the loop.
	s.callbackMu.Lock()
	s.callbackMu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
	s.hub.forget(s.id)
}
