package engine

import (
	"context"

	"studybuddy/internal/hub"
	"studybuddy/internal/session"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Watchers are the standing subscriptions a Client keeps open for whoever is
// signed in. Nil fields are not subscribed. Each callback receives the user
// the stream belongs to.
type Watchers struct {
	PendingReceived func(userID string, entries []types.RequestEntry, err error)
	PendingCount    func(userID string, count int, err error)
	Connections     func(userID string, profiles []types.Profile, err error)
	UnreadCount     func(userID string, count int, err error)
}

// Client runs engine operations as the user an IdentityProvider reports.
// Its subscriptions belong to the current session: signing out or switching
// users detaches all of them before anything is opened for the next user.
type Client struct {
	engine   *Engine
	identity interfaces.IdentityProvider
	sessions *session.Manager
}

// NewClient binds the engine to identity. Call Start to begin following it.
func (e *Engine) NewClient(identity interfaces.IdentityProvider, w Watchers) *Client {
	c := &Client{
		engine:   e,
		identity: identity,
		sessions: session.NewManager(identity),
	}
	c.sessions.OnOpen(func(ctx context.Context, s *session.Session) error {
		return c.openWatchers(ctx, s, w)
	})
	return c
}

func (c *Client) openWatchers(ctx context.Context, s *session.Session, w Watchers) error {
	userID := s.UserID
	if w.PendingReceived != nil {
		sub, err := c.engine.SubscribePendingReceived(ctx, userID, func(entries []types.RequestEntry, err error) {
			w.PendingReceived(userID, entries, err)
		})
		if err != nil {
			return err
		}
		if err := s.Track(sub); err != nil {
			return err
		}
	}
	if w.PendingCount != nil {
		sub, err := c.engine.SubscribePendingCount(ctx, userID, func(n int, err error) {
			w.PendingCount(userID, n, err)
		})
		if err != nil {
			return err
		}
		if err := s.Track(sub); err != nil {
			return err
		}
	}
	if w.Connections != nil {
		sub, err := c.engine.SubscribeConnections(ctx, userID, func(profiles []types.Profile, err error) {
			w.Connections(userID, profiles, err)
		})
		if err != nil {
			return err
		}
		if err := s.Track(sub); err != nil {
			return err
		}
	}
	if w.UnreadCount != nil {
		sub, err := c.engine.SubscribeUnreadCount(ctx, userID, func(n int, err error) {
			w.UnreadCount(userID, n, err)
		})
		if err != nil {
			return err
		}
		if err := s.Track(sub); err != nil {
			return err
		}
	}
	return nil
}

// Start follows the identity provider.
func (c *Client) Start() error {
	return c.sessions.Start()
}

// Stop ends the current session and stops following the identity provider.
func (c *Client) Stop() {
	c.sessions.Stop()
}

// UserID returns the signed-in user or interfaces.ErrUnauthenticated.
func (c *Client) UserID() (string, error) {
	s, err := c.sessions.Current()
	if err != nil {
		return "", err
	}
	return s.UserID, nil
}

// SendConnectionRequest sends a request to receiverID.
func (c *Client) SendConnectionRequest(ctx context.Context, receiverID string) error {
	userID, err := c.UserID()
	if err != nil {
		return err
	}
	return c.engine.SendConnectionRequest(ctx, userID, receiverID)
}

// ResolveConnectionRequest answers the request senderID sent.
func (c *Client) ResolveConnectionRequest(ctx context.Context, senderID string, decision types.Decision) error {
	userID, err := c.UserID()
	if err != nil {
		return err
	}
	return c.engine.ResolveConnectionRequest(ctx, userID, senderID, decision)
}

// ConnectionStatus describes how otherID relates to the signed-in user.
func (c *Client) ConnectionStatus(ctx context.Context, otherID string) (types.Relationship, error) {
	userID, err := c.UserID()
	if err != nil {
		return "", err
	}
	return c.engine.ConnectionStatus(ctx, userID, otherID)
}

// EnsureAndOpenChannel returns the key of the channel with otherID, creating it if needed.
func (c *Client) EnsureAndOpenChannel(ctx context.Context, otherID string) (string, error) {
	userID, err := c.UserID()
	if err != nil {
		return "", err
	}
	return c.engine.EnsureAndOpenChannel(ctx, userID, otherID)
}

// SendMessage appends text to the channel.
func (c *Client) SendMessage(ctx context.Context, key, text string) (*types.Message, error) {
	userID, err := c.UserID()
	if err != nil {
		return nil, err
	}
	return c.engine.SendMessage(ctx, userID, key, text)
}

// MarkChannelSeen marks the channel read by the signed-in user.
func (c *Client) MarkChannelSeen(ctx context.Context, key string) error {
	userID, err := c.UserID()
	if err != nil {
		return err
	}
	return c.engine.MarkChannelSeen(ctx, userID, key)
}

// ListChannels returns the signed-in user's chat list.
func (c *Client) ListChannels(ctx context.Context) ([]types.ChatPreview, error) {
	userID, err := c.UserID()
	if err != nil {
		return nil, err
	}
	return c.engine.ListChannels(ctx, userID)
}

// SubscribeMessages opens a message stream owned by the current session. It
// ends with the session, or earlier through Release.
func (c *Client) SubscribeMessages(key string, fn func([]types.Message, error)) (*hub.Subscription, error) {
	s, err := c.sessions.Current()
	if err != nil {
		return nil, err
	}
	sub, err := c.engine.SubscribeMessages(s.Context(), s.UserID, key, func(msgs []types.Message, err error) {
		if s.Closed() {
			return
		}
		fn(msgs, err)
	})
	if err != nil {
		return nil, err
	}
	if err := s.Track(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Release ends a subscription opened through the client.
func (c *Client) Release(sub *hub.Subscription) {
	if s, err := c.sessions.Current(); err == nil {
		s.Release(sub)
		return
	}
	sub.Unsubscribe()
}
