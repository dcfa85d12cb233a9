// Package chat manages two-party chat channels: idempotent channel creation,
// the append-only message log and the denormalized last-message summary.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"studybuddy/internal/channelkey"
	"studybuddy/internal/docstore"
	"studybuddy/internal/hub"
	"studybuddy/internal/readstate"
	"studybuddy/internal/saga"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Operation names reported in partial write errors and replays.
const (
	OpSendMessage   = "sendMessage"
	OpRepairSummary = "repairSummary"
)

// FieldLastMessage holds the channel summary.
const FieldLastMessage = "lastMessage"

// Manager owns the chats collection and its message subcollections.
type Manager struct {
	store    interfaces.DocumentStore
	runner   *saga.Runner
	hub      *hub.Hub
	failures saga.FailureSink
}

// NewManager creates a chat manager. failures may be nil.
func NewManager(store interfaces.DocumentStore, runner *saga.Runner, h *hub.Hub, failures saga.FailureSink) *Manager {
	if failures == nil {
		failures = saga.Discard{}
	}
	return &Manager{store: store, runner: runner, hub: h, failures: failures}
}

func messagesPath(key string) string {
	return interfaces.SubcollectionPath(types.CollectionChats, key, types.SubcollectionMessages)
}

func sameParticipants(a, b string, participants []string) bool {
	if len(participants) != 2 {
		return false
	}
	return (participants[0] == a && participants[1] == b) || (participants[0] == b && participants[1] == a)
}

// EnsureChannel creates the channel for key unless it exists. participants
// must be the two ids encoded in the key, in any order, or empty. Concurrent
// calls from either participant produce one channel because the key is the
// document id.
func (m *Manager) EnsureChannel(ctx context.Context, key string, participants []string) (bool, error) {
	a, b, err := channelkey.Decode(key)
	if err != nil {
		return false, err
	}
	if len(participants) > 0 && !sameParticipants(a, b, participants) {
		return false, fmt.Errorf("%w: participants %v do not match channel %s", types.ErrInvalidArgument, participants, key)
	}

	created := false
	err = m.runner.Execute(ctx, "ensureChannel", saga.Step{Name: "channel", Run: func(ctx context.Context) error {
		var err error
		created, err = m.store.CreateIfAbsent(ctx, types.CollectionChats, key, interfaces.Document{
			"participants":   []any{a, b},
			FieldLastMessage: nil,
			"createdAt":      interfaces.ServerTimestamp,
		})
		return err
	}})
	if err != nil {
		return false, err
	}
	if created {
		log.Printf("Chat channel created: key=%s", key)
	}
	return created, nil
}

// EnsureChannelWith derives the channel key for the pair and ensures the channel.
func (m *Manager) EnsureChannelWith(ctx context.Context, userID, otherID string) (string, error) {
	key, err := channelkey.Key(userID, otherID)
	if err != nil {
		return "", err
	}
	if _, err := m.EnsureChannel(ctx, key, []string{userID, otherID}); err != nil {
		return "", err
	}
	return key, nil
}

func summaryValue(msg *types.Message) map[string]any {
	return map[string]any{
		"id":        msg.ID,
		"text":      msg.Text,
		"senderId":  msg.SenderID,
		"timestamp": docstore.FormatTime(msg.Timestamp),
	}
}

// AppendMessage stores a message with a store-assigned id and timestamp, then
// updates the channel summary in a second write. If the summary write fails
// the message stays and a *types.PartialWriteError is returned; the summary is
// repaired from the log later.
func (m *Manager) AppendMessage(ctx context.Context, key, senderID, text string) (*types.Message, error) {
	text, err := types.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}
	if _, err := channelkey.Other(key, senderID); err != nil {
		return nil, err
	}
	if _, err := m.EnsureChannel(ctx, key, nil); err != nil {
		return nil, err
	}

	msg := &types.Message{SenderID: senderID, Text: text}
	err = m.runner.Execute(ctx, OpSendMessage,
		saga.Step{Name: "message", NoRetry: true, Run: func(ctx context.Context) error {
			appended, err := m.store.AppendToSubcollection(ctx, types.CollectionChats, key, types.SubcollectionMessages,
				interfaces.Document{"senderId": senderID, "text": text})
			if err != nil {
				return err
			}
			msg.ID = appended.ID
			msg.Timestamp = appended.Timestamp
			return nil
		}},
		saga.Step{Name: "summary", Run: func(ctx context.Context) error {
			return m.store.UpdateFields(ctx, types.CollectionChats, key,
				interfaces.SetIfNewer(FieldLastMessage, summaryValue(msg), "timestamp", "id"))
		}},
	)
	if err != nil {
		if errors.Is(err, types.ErrPartialWrite) {
			m.failures.Enqueue(saga.Replay{
				Operation: OpRepairSummary,
				Key:       OpRepairSummary + ":" + key,
				Run: func(ctx context.Context) error {
					_, err := m.RepairSummary(ctx, key)
					return err
				},
			})
			return msg, err
		}
		return nil, err
	}
	return msg, nil
}

// GetChannel reads one channel.
func (m *Manager) GetChannel(ctx context.Context, key string) (*types.Channel, error) {
	if _, _, err := channelkey.Decode(key); err != nil {
		return nil, err
	}
	snap, err := m.store.GetDocument(ctx, types.CollectionChats, key)
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

// Messages returns the full log of a channel in order.
func (m *Manager) Messages(ctx context.Context, key string) ([]types.Message, error) {
	if _, _, err := channelkey.Decode(key); err != nil {
		return nil, err
	}
	snaps, err := m.store.Query(ctx, interfaces.Query{Collection: messagesPath(key), OrderBy: "timestamp"})
	if err != nil {
		return nil, err
	}
	return decodeMessages(snaps)
}

func decodeMessages(snaps []*interfaces.Snapshot) ([]types.Message, error) {
	msgs := make([]types.Message, 0, len(snaps))
	for _, snap := range snaps {
		var msg types.Message
		if err := snap.DataTo(&msg); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	return msgs, nil
}

// RepairSummary recomputes the channel summary from the newest message in
// the log. It reports whether the stored summary changed.
func (m *Manager) RepairSummary(ctx context.Context, key string) (bool, error) {
	ch, err := m.GetChannel(ctx, key)
	if err != nil {
		return false, err
	}
	snaps, err := m.store.Query(ctx, interfaces.Query{
		Collection: messagesPath(key),
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return false, err
	}
	if len(snaps) == 0 {
		return false, nil
	}
	var latest types.Message
	if err := snaps[0].DataTo(&latest); err != nil {
		return false, err
	}
	if ch.LastMessage != nil && ch.LastMessage.MessageID == latest.ID {
		return false, nil
	}

	if err := m.store.UpdateFields(ctx, types.CollectionChats, key,
		interfaces.SetIfNewer(FieldLastMessage, summaryValue(&latest), "timestamp", "id")); err != nil {
		return false, err
	}
	log.Printf("Chat summary repaired: key=%s message=%s", key, latest.ID)
	return true, nil
}

// Channels returns every channel document. Used by the reconciler sweep.
func (m *Manager) Channels(ctx context.Context) ([]*types.Channel, error) {
	snaps, err := m.store.Query(ctx, interfaces.Query{Collection: types.CollectionChats})
	if err != nil {
		return nil, err
	}
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

// ListChannels builds userID's chat list: one preview per connection, newest
// activity first. Channels are not created here.
func (m *Manager) ListChannels(ctx context.Context, userID string) ([]types.ChatPreview, error) {
	user, err := userdoc.Load(ctx, m.store, userID)
	if err != nil {
		return nil, err
	}

	previews := make([]types.ChatPreview, 0, len(user.Connections))
	for _, buddyID := range user.Connections {
		key, err := channelkey.Key(userID, buddyID)
		if err != nil {
			log.Printf("Skipping malformed connection %s of %s: %v", buddyID, userID, err)
			continue
		}
		buddy, err := userdoc.Load(ctx, m.store, buddyID)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		preview := types.ChatPreview{Key: key, BuddyID: buddyID, Buddy: buddy.Snapshot()}
		ch, err := m.GetChannel(ctx, key)
		switch {
		case err == nil:
			preview.LastMessage = ch.LastMessage
			preview.Unread = readstate.IsUnread(user.LastSeenChats, ch, userID)
		case errors.Is(err, types.ErrNotFound):
		default:
			return nil, err
		}
		previews = append(previews, preview)
	}

	sort.SliceStable(previews, func(i, j int) bool {
		a, b := previews[i].LastMessage, previews[j].LastMessage
		switch {
		case a == nil && b == nil:
			return previews[i].Key < previews[j].Key
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Timestamp.After(b.Timestamp)
		}
	})
	return previews, nil
}
