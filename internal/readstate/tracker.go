// Package readstate tracks, per user, when each chat channel was last seen
// and derives unread badges from it.
package readstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"studybuddy/internal/channelkey"
	"studybuddy/internal/hub"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Tracker reads and writes the lastSeenChats map on user documents.
type Tracker struct {
	store interfaces.DocumentStore
	hub   *hub.Hub
	clock func() time.Time
}

// NewTracker creates a read-state tracker.
func NewTracker(store interfaces.DocumentStore, h *hub.Hub) *Tracker {
	return &Tracker{store: store, hub: h, clock: time.Now}
}

// SetClock overrides the clock used by MarkChannelSeen.
func (t *Tracker) SetClock(clock func() time.Time) {
	t.clock = clock
}

func seenPath(key string) string {
	return userdoc.FieldLastSeenChats + "." + key
}

// MarkSeen raises userID's last-seen time for the channel to atLeast. A
// stored value that is already later is kept.
func (t *Tracker) MarkSeen(ctx context.Context, userID, key string, atLeast time.Time) error {
	if _, err := channelkey.Other(key, userID); err != nil {
		return err
	}
	return t.store.UpdateFields(ctx, types.CollectionUsers, userID, interfaces.Max(seenPath(key), atLeast))
}

// MarkChannelSeen marks the channel seen at the later of now and the
// channel's last message, so a client clock running behind the store never
// leaves a just-read channel unread.
func (t *Tracker) MarkChannelSeen(ctx context.Context, userID, key string) error {
	if _, err := channelkey.Other(key, userID); err != nil {
		return err
	}
	at := t.clock().UTC()
	ch, err := t.channel(ctx, key)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if ch != nil && ch.LastMessage != nil && ch.LastMessage.Timestamp.After(at) {
		at = ch.LastMessage.Timestamp
	}
	return t.MarkSeen(ctx, userID, key, at)
}

func (t *Tracker) channel(ctx context.Context, key string) (*types.Channel, error) {
	snap, err := t.store.GetDocument(ctx, types.CollectionChats, key)
	if errors.Is(err, interfaces.ErrDocumentNotFound) {
		return nil, fmt.Errorf("channel %s: %w", key, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeChannel(snap)
}

func decodeChannel(snap *interfaces.Snapshot) (*types.Channel, error) {
	var ch types.Channel
	if err := snap.DataTo(&ch); err != nil {
		return nil, err
	}
	ch.Key = snap.ID
	return &ch, nil
}

// IsUnread reports whether the channel's last message is newer than the
// user's last-seen mark and was sent by someone else. This is a channel-level
// approximation: it says whether anything is unread, not how many messages,
// and it only sees the newest message recorded in the summary.
func IsUnread(lastSeen map[string]time.Time, ch *types.Channel, userID string) bool {
	if ch == nil || ch.LastMessage == nil {
		return false
	}
	if ch.LastMessage.SenderID == userID {
		return false
	}
	return ch.LastMessage.Timestamp.After(lastSeen[ch.Key])
}

// Unread evaluates IsUnread against the stored state.
func (t *Tracker) Unread(ctx context.Context, userID, key string) (bool, error) {
	if _, err := channelkey.Other(key, userID); err != nil {
		return false, err
	}
	user, err := userdoc.Load(ctx, t.store, userID)
	if err != nil {
		return false, err
	}
	ch, err := t.channel(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return IsUnread(user.LastSeenChats, ch, userID), nil
}

func participantQuery(userID string) interfaces.Query {
	return interfaces.Query{
		Collection: types.CollectionChats,
		Filters:    []interfaces.Filter{interfaces.Where("participants", interfaces.FilterArrayContains, userID)},
	}
}

// CountUnread counts the unread channels shared with user's connections.
func CountUnread(user *types.User, channels []*types.Channel) int {
	count := 0
	for _, ch := range channels {
		other, err := channelkey.Other(ch.Key, user.ID)
		if err != nil || !user.HasConnection(other) {
			continue
		}
		if IsUnread(user.LastSeenChats, ch, user.ID) {
			count++
		}
	}
	return count
}

// UnreadChannelCount counts userID's unread channels once.
func (t *Tracker) UnreadChannelCount(ctx context.Context, userID string) (int, error) {
	user, err := userdoc.Load(ctx, t.store, userID)
	if err != nil {
		return 0, err
	}
	snaps, err := t.store.Query(ctx, participantQuery(userID))
	if err != nil {
		return 0, err
	}
	channels, err := decodeChannels(snaps)
	if err != nil {
		return 0, err
	}
	return CountUnread(user, channels), nil
}

func decodeChannels(snaps []*interfaces.Snapshot) ([]*types.Channel, error) {
	channels := make([]*types.Channel, 0, len(snaps))
	for _, snap := range snaps {
		ch, err := decodeChannel(snap)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, nil
}

// SubscribeUnreadCount streams userID's unread channel count. It combines a
// listener on the user's document (connections and read marks) with one on
// the channels the user participates in; both feed state kept on the hub
// loop, and fn is called whenever the count changes.
func (t *Tracker) SubscribeUnreadCount(ctx context.Context, userID string, fn func(int, error)) (*hub.Subscription, error) {
	if !types.IsValidUserID(userID) {
		return nil, types.ErrInvalidUserID
	}

	sub := t.hub.NewSubscription("unread:" + userID)
	var (
		user      *types.User
		channels  []*types.Channel
		haveChats bool
		last      = -1
	)
	emit := func() {
		if user == nil || !haveChats {
			return
		}
		count := CountUnread(user, channels)
		if count == last {
			return
		}
		last = count
		fn(count, nil)
	}

	unsubUser, err := t.store.SubscribeDocument(ctx, types.CollectionUsers, userID, func(snap *interfaces.Snapshot, err error) {
		if err == nil {
			var decoded *types.User
			decoded, err = userdoc.Decode(snap)
			if err == nil {
				sub.Deliver(func() {
					user = decoded
					emit()
				})
				return
			}
		}
		sub.Deliver(func() { fn(0, err) })
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(unsubUser)

	unsubChats, err := t.store.SubscribeQuery(ctx, participantQuery(userID), func(snaps []*interfaces.Snapshot, err error) {
		if err == nil {
			var decoded []*types.Channel
			decoded, err = decodeChannels(snaps)
			if err == nil {
				sub.Deliver(func() {
					channels = decoded
					haveChats = true
					emit()
				})
				return
			}
		}
		sub.Deliver(func() { fn(0, err) })
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(unsubChats)
	return sub, nil
}
