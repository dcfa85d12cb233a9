package chat

import (
	"context"

	"studybuddy/internal/channelkey"
	"studybuddy/internal/hub"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// SubscribeMessages replays the channel's full log to fn, then delivers only
// messages not yet seen, always in log order. A new subscription starts the
// replay over.
func (m *Manager) SubscribeMessages(ctx context.Context, key string, fn func([]types.Message, error)) (*hub.Subscription, error) {
	if _, _, err := channelkey.Decode(key); err != nil {
		return nil, err
	}

	sub := m.hub.NewSubscription("messages:" + key)
	seen := make(map[string]bool)
	replayed := false

	q := interfaces.Query{Collection: messagesPath(key), OrderBy: "timestamp"}
	unsub, err := m.store.SubscribeQuery(ctx, q, func(snaps []*interfaces.Snapshot, err error) {
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		msgs, err := decodeMessages(snaps)
		if err != nil {
			sub.Deliver(func() { fn(nil, err) })
			return
		}
		sub.Deliver(func() {
			fresh := make([]types.Message, 0, len(msgs))
			for _, msg := range msgs {
				if seen[msg.ID] {
					continue
				}
				seen[msg.ID] = true
				fresh = append(fresh, msg)
			}
			if len(fresh) == 0 && replayed {
				return
			}
			replayed = true
			fn(fresh, nil)
		})
	})
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	sub.OnRelease(unsub)
	return sub, nil
}
