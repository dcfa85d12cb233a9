// Package engine is the surface the presentation layer calls: connection
// requests, chat channels, read state and the live subscriptions behind
// badges and lists. Every operation takes the acting user explicitly; Client
// binds the same operations to an IdentityProvider.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"studybuddy/internal/channelkey"
	"studybuddy/internal/chat"
	"studybuddy/internal/hub"
	"studybuddy/internal/ledger"
	"studybuddy/internal/presence"
	"studybuddy/internal/readstate"
	"studybuddy/internal/reconcile"
	"studybuddy/internal/requests"
	"studybuddy/internal/saga"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Options tunes the engine. Zero values take the defaults below.
type Options struct {
	RetryAttempts     int
	RetryBackoff      time.Duration
	ReconcileInterval time.Duration
	HubBuffer         int
	// Presence is optional; without it nobody is reported online.
	Presence *presence.Tracker
}

const (
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 50 * time.Millisecond
	DefaultReconcileInterval = time.Minute
)

func (o Options) withDefaults() Options {
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = DefaultReconcileInterval
	}
	if o.HubBuffer <= 0 {
		o.HubBuffer = hub.DefaultBuffer
	}
	return o
}

// Engine wires the components over one DocumentStore.
type Engine struct {
	store      interfaces.DocumentStore
	hub        *hub.Hub
	ledger     *ledger.Ledger
	requests   *requests.Manager
	chats      *chat.Manager
	reads      *readstate.Tracker
	reconciler *reconcile.Reconciler
	presence   *presence.Tracker

	mu      sync.Mutex
	running bool
}

// New builds an engine over store. Call Start before subscribing.
func New(store interfaces.DocumentStore, opts Options) *Engine {
	opts = opts.withDefaults()

	h := hub.NewHub(opts.HubBuffer)
	l := ledger.New(store)
	runner := saga.NewRunner(opts.RetryAttempts, opts.RetryBackoff)
	rec := reconcile.New(store, l, nil, opts.ReconcileInterval)
	chats := chat.NewManager(store, runner, h, rec)
	rec.SetChats(chats)

	return &Engine{
		store:      store,
		hub:        h,
		ledger:     l,
		requests:   requests.NewManager(store, l, runner, h, rec),
		chats:      chats,
		reads:      readstate.NewTracker(store, h),
		reconciler: rec,
		presence:   opts.Presence,
	}
}

// Start runs the hub loop and the background reconciler.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}

	if err := e.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	if err := e.reconciler.Start(ctx); err != nil {
		_ = e.hub.Stop()
		return fmt.Errorf("failed to start reconciler: %w", err)
	}
	e.running = true
	log.Println("Engine started")
	return nil
}

// Stop ends the reconciler, then the hub. Every live subscription is detached.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}
	e.running = false

	if err := e.reconciler.Stop(); err != nil {
		log.Printf("Engine reconciler stop: %v", err)
	}
	if err := e.hub.Stop(); err != nil {
		return err
	}
	log.Println("Engine stopped")
	return nil
}

// Hub returns the notification loop.
func (e *Engine) Hub() *hub.Hub { return e.hub }

// Reconciler returns the background reconciler.
func (e *Engine) Reconciler() *reconcile.Reconciler { return e.reconciler }

// ReadState returns the read-state tracker.
func (e *Engine) ReadState() *readstate.Tracker { return e.reads }

// Ledger returns the connection ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// HealthCheck probes the store and, when configured, presence.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if e.presence != nil {
		if err := e.presence.Ping(ctx); err != nil {
			return fmt.Errorf("presence: %w", err)
		}
	}
	return nil
}

// RegisterUser creates the user document with empty relationship containers.
// Registering an existing user changes nothing and reports false.
func (e *Engine) RegisterUser(ctx context.Context, profile types.Profile) (bool, error) {
	candidate := types.User{ID: profile.ID, StudyMode: profile.StudyMode, Availability: profile.Availability}
	if err := candidate.Validate(); err != nil {
		return false, err
	}
	created, err := e.store.CreateIfAbsent(ctx, types.CollectionUsers, profile.ID, userdoc.New(profile))
	if err != nil {
		return false, err
	}
	if created {
		log.Printf("User registered: id=%s", profile.ID)
	}
	return created, nil
}

// GetProfile returns a user's public profile.
func (e *Engine) GetProfile(ctx context.Context, userID string) (*types.Profile, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	user, err := userdoc.Load(ctx, e.store, userID)
	if err != nil {
		return nil, err
	}
	profile := user.Profile()
	return &profile, nil
}

// SendConnectionRequest sends a request from senderID to receiverID.
func (e *Engine) SendConnectionRequest(ctx context.Context, senderID, receiverID string) error {
	return e.requests.Send(ctx, senderID, receiverID)
}

// ResolveConnectionRequest accepts or rejects the request senderID sent to receiverID.
func (e *Engine) ResolveConnectionRequest(ctx context.Context, receiverID, senderID string, decision types.Decision) error {
	return e.requests.Resolve(ctx, receiverID, senderID, decision)
}

// ConnectionStatus describes how other relates to userID.
func (e *Engine) ConnectionStatus(ctx context.Context, userID, otherID string) (types.Relationship, error) {
	return e.requests.Status(ctx, userID, otherID)
}

// Connections lists the profiles of userID's connections once.
func (e *Engine) Connections(ctx context.Context, userID string) ([]types.Profile, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	user, err := userdoc.Load(ctx, e.store, userID)
	if err != nil {
		return nil, err
	}
	return userdoc.Profiles(ctx, e.store, user.Connections)
}

// PendingReceived lists userID's pending received requests once.
func (e *Engine) PendingReceived(ctx context.Context, userID string) ([]types.RequestEntry, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	user, err := userdoc.Load(ctx, e.store, userID)
	if err != nil {
		return nil, err
	}
	return user.PendingReceived(), nil
}

// EnsureAndOpenChannel makes sure the channel between userID and otherID
// exists and returns its key.
func (e *Engine) EnsureAndOpenChannel(ctx context.Context, userID, otherID string) (string, error) {
	return e.chats.EnsureChannelWith(ctx, userID, otherID)
}

// SendMessage appends text to the channel as userID. A partial write still
// returns the stored message along with the error.
func (e *Engine) SendMessage(ctx context.Context, userID, key, text string) (*types.Message, error) {
	if err := participant(key, userID); err != nil {
		return nil, err
	}
	return e.chats.AppendMessage(ctx, key, userID, text)
}

// Messages returns the channel log as seen by userID.
func (e *Engine) Messages(ctx context.Context, userID, key string) ([]types.Message, error) {
	if err := participant(key, userID); err != nil {
		return nil, err
	}
	return e.chats.Messages(ctx, key)
}

// MarkChannelSeen records that userID has read the channel up to now.
func (e *Engine) MarkChannelSeen(ctx context.Context, userID, key string) error {
	if err := participant(key, userID); err != nil {
		return err
	}
	return e.reads.MarkChannelSeen(ctx, userID, key)
}

// IsUnread evaluates the unread predicate for one channel.
func (e *Engine) IsUnread(ctx context.Context, userID, key string) (bool, error) {
	if err := participant(key, userID); err != nil {
		return false, err
	}
	return e.reads.Unread(ctx, userID, key)
}

// UnreadChannelCount counts userID's unread channels once.
func (e *Engine) UnreadChannelCount(ctx context.Context, userID string) (int, error) {
	return e.reads.UnreadChannelCount(ctx, userID)
}

// ListChannels builds userID's chat list.
func (e *Engine) ListChannels(ctx context.Context, userID string) ([]types.ChatPreview, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}
	return e.chats.ListChannels(ctx, userID)
}

// SubscribePendingReceived streams userID's pending received requests. The
// first delivery carrying new requests clears their isNew flags.
func (e *Engine) SubscribePendingReceived(ctx context.Context, userID string, fn func([]types.RequestEntry, error)) (*hub.Subscription, error) {
	return e.requests.SubscribePendingReceived(ctx, userID, fn)
}

// SubscribePendingCount streams the number of pending received requests.
func (e *Engine) SubscribePendingCount(ctx context.Context, userID string, fn func(int, error)) (*hub.Subscription, error) {
	return e.requests.SubscribePendingCount(ctx, userID, fn)
}

// SubscribeConnections streams the profiles of userID's connections.
func (e *Engine) SubscribeConnections(ctx context.Context, userID string, fn func([]types.Profile, error)) (*hub.Subscription, error) {
	return e.requests.SubscribeConnections(ctx, userID, fn)
}

// SubscribeUnreadCount streams userID's unread channel count.
func (e *Engine) SubscribeUnreadCount(ctx context.Context, userID string, fn func(int, error)) (*hub.Subscription, error) {
	return e.reads.SubscribeUnreadCount(ctx, userID, fn)
}

// SubscribeMessages streams the channel log to a participant: the full log
// first, then new messages in order.
func (e *Engine) SubscribeMessages(ctx context.Context, userID, key string, fn func([]types.Message, error)) (*hub.Subscription, error) {
	if err := participant(key, userID); err != nil {
		return nil, err
	}
	return e.chats.SubscribeMessages(ctx, key, fn)
}

// MarkOnline records a live connection for userID. Without presence it is a no-op.
func (e *Engine) MarkOnline(ctx context.Context, userID, connID string) error {
	if e.presence == nil {
		return nil
	}
	return e.presence.MarkOnline(ctx, userID, connID)
}

// MarkOffline drops a live connection for userID.
func (e *Engine) MarkOffline(ctx context.Context, userID, connID string) error {
	if e.presence == nil {
		return nil
	}
	return e.presence.MarkOffline(ctx, userID, connID)
}

// OnlineAmong reports which of userIDs are online. Without presence every
// user is offline.
func (e *Engine) OnlineAmong(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if e.presence == nil {
		return make(map[string]bool, 0), nil
	}
	return e.presence.OnlineAmong(ctx, userIDs)
}

func participant(key, userID string) error {
	if _, _, err := channelkey.Decode(key); err != nil {
		return err
	}
	if _, err := channelkey.Other(key, userID); err != nil {
		return fmt.Errorf("%s in %s: %w", userID, key, ErrNotParticipant)
	}
	return nil
}
