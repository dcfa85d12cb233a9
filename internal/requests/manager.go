// Package requests implements the connection request state machine:
// absent -> pending -> accepted | rejected, where a resolved request is pruned
// from both users' mirrors and only its side effects remain.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"studybuddy/internal/hub"
	"studybuddy/internal/ledger"
	"studybuddy/internal/saga"
	"studybuddy/internal/userdoc"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Operation names reported in partial write errors and replays.
const (
	OpSendRequest    = "sendRequest"
	OpResolveRequest = "resolveRequest"
)

// Manager runs request operations against the user documents and the ledger.
type Manager struct {
	store    interfaces.DocumentStore
	ledger   *ledger.Ledger
	runner   *saga.Runner
	hub      *hub.Hub
	failures saga.FailureSink

	// seenTimeout bounds the fire-and-forget isNew clearing.
	seenTimeout time.Duration
}

// NewManager creates a request manager. failures may be nil.
func NewManager(store interfaces.DocumentStore, l *ledger.Ledger, runner *saga.Runner, h *hub.Hub, failures saga.FailureSink) *Manager {
	if failures == nil {
		failures = saga.Discard{}
	}
	return &Manager{
		store:       store,
		ledger:      l,
		runner:      runner,
		hub:         h,
		failures:    failures,
		seenTimeout: 10 * time.Second,
	}
}

func pendingMatch(userID string) map[string]any {
	return map[string]any{"userId": userID, "status": string(types.RequestStatusPending)}
}

func requestEntry(other *types.User, isNew bool) map[string]any {
	entry := map[string]any{
		"userId":    other.ID,
		"name":      other.DisplayName,
		"avatarUrl": other.AvatarURL,
		"status":    string(types.RequestStatusPending),
		"createdAt": interfaces.ServerTimestamp,
	}
	if isNew {
		entry["isNew"] = true
	}
	return entry
}

// Send records a pending request from sender to receiver on both users'
// mirrors, each carrying a snapshot of the other party. It fails with
// types.ErrDuplicateRequest when the two are connected or a request is
// pending in either direction according to the sender's own record. The
// check reads before it writes, so two simultaneous sends can both pass.
func (m *Manager) Send(ctx context.Context, senderID, receiverID string) error {
	if err := types.ValidatePair(senderID, receiverID); err != nil {
		return err
	}

	sender, err := userdoc.Load(ctx, m.store, senderID)
	if err != nil {
		return fmt.Errorf("load sender: %w", err)
	}
	if sender.HasConnection(receiverID) {
		return fmt.Errorf("%s and %s are already connected: %w", senderID, receiverID, types.ErrDuplicateRequest)
	}
	if sent, received := sender.HasPendingWith(receiverID); sent || received {
		return fmt.Errorf("request between %s and %s already pending: %w", senderID, receiverID, types.ErrDuplicateRequest)
	}

	receiver, err := userdoc.Load(ctx, m.store, receiverID)
	if err != nil {
		return fmt.Errorf("load receiver: %w", err)
	}

	// The sender's sent entry guards against re-sending, so it is written last.
	err = m.runner.Execute(ctx, OpSendRequest,
		saga.Step{Name: "receiver.received", Run: func(ctx context.Context) error {
			return m.store.UpdateFields(ctx, types.CollectionUsers, receiverID,
				interfaces.UpsertWhere(userdoc.FieldRequestsReceived, pendingMatch(senderID), requestEntry(sender, true)))
		}},
		saga.Step{Name: "sender.sent", Run: func(ctx context.Context) error {
			return m.store.UpdateFields(ctx, types.CollectionUsers, senderID,
				interfaces.UpsertWhere(userdoc.FieldRequestsSent, pendingMatch(receiverID), requestEntry(receiver, false)))
		}},
	)
	if err != nil {
		m.recordFailure(err, OpSendRequest, senderID+">"+receiverID, func(ctx context.Context) error {
			err := m.Send(ctx, senderID, receiverID)
			if errors.Is(err, types.ErrDuplicateRequest) {
				return nil
			}
			return err
		})
		return err
	}

	log.Printf("Connection request sent: from=%s to=%s", senderID, receiverID)
	return nil
}

// Resolve answers the pending request senderID sent to receiverID. It fails
// with types.ErrNotFound when the receiver has no such pending entry. On
// accept each user is added to the other's connection set and the ledger
// records the pair; on reject only the mirrors are pruned. Re-running after
// a partial failure converges.
func (m *Manager) Resolve(ctx context.Context, receiverID, senderID string, decision types.Decision) error {
	if err := types.ValidatePair(receiverID, senderID); err != nil {
		return err
	}
	if !types.IsValidDecision(decision) {
		return types.ErrInvalidDecision
	}

	receiver, err := userdoc.Load(ctx, m.store, receiverID)
	if err != nil {
		return fmt.Errorf("load receiver: %w", err)
	}
	if _, pending := receiver.HasPendingWith(senderID); !pending {
		return fmt.Errorf("no pending request from %s to %s: %w", senderID, receiverID, types.ErrNotFound)
	}

	var steps []saga.Step
	if decision == types.DecisionAccept {
		sender, err := userdoc.Load(ctx, m.store, senderID)
		if err != nil {
			return fmt.Errorf("load sender: %w", err)
		}
		info := map[string]types.PartySnapshot{
			receiverID: receiver.Snapshot(),
			senderID:   sender.Snapshot(),
		}
		// The ledger goes first: once any part of an accept is applied the
		// reconciler can restore both connection sets from it, even if the
		// pending request is rejected before the replay runs.
		steps = append(steps,
			saga.Step{Name: "ledger", Run: func(ctx context.Context) error {
				_, err := m.ledger.UpsertAccepted(ctx, receiverID, senderID, info)
				return err
			}},
			saga.Step{Name: "receiver.connections", Run: func(ctx context.Context) error {
				return m.store.UpdateFields(ctx, types.CollectionUsers, receiverID,
					interfaces.AddToSet(userdoc.FieldConnections, senderID))
			}},
			saga.Step{Name: "sender.connections", Run: func(ctx context.Context) error {
				return m.store.UpdateFields(ctx, types.CollectionUsers, senderID,
					interfaces.AddToSet(userdoc.FieldConnections, receiverID))
			}},
		)
	}

	// The receiver's received entry is what makes Resolve findable again, so
	// it is pruned last.
	steps = append(steps,
		saga.Step{Name: "sender.sent", Run: func(ctx context.Context) error {
			return m.store.UpdateFields(ctx, types.CollectionUsers, senderID,
				interfaces.PullWhere(userdoc.FieldRequestsSent, pendingMatch(receiverID)))
		}},
		saga.Step{Name: "receiver.received", Run: func(ctx context.Context) error {
			return m.store.UpdateFields(ctx, types.CollectionUsers, receiverID,
				interfaces.PullWhere(userdoc.FieldRequestsReceived, pendingMatch(senderID)))
		}},
	)

	if err := m.runner.Execute(ctx, OpResolveRequest, steps...); err != nil {
		m.recordFailure(err, OpResolveRequest, receiverID+"<"+senderID+":"+string(decision), func(ctx context.Context) error {
			err := m.Resolve(ctx, receiverID, senderID, decision)
			if errors.Is(err, types.ErrNotFound) {
				return nil
			}
			return err
		})
		return err
	}

	log.Printf("Connection request resolved: receiver=%s sender=%s decision=%s", receiverID, senderID, decision)
	return nil
}

func (m *Manager) recordFailure(err error, op, key string, run func(ctx context.Context) error) {
	if !errors.Is(err, types.ErrPartialWrite) {
		return
	}
	m.failures.Enqueue(saga.Replay{Operation: op, Key: op + ":" + key, Run: run})
}

// MarkReceivedSeen clears the isNew flag on every received request.
func (m *Manager) MarkReceivedSeen(ctx context.Context, userID string) error {
	if !types.IsValidUserID(userID) {
		return types.ErrInvalidUserID
	}
	return m.store.UpdateFields(ctx, types.CollectionUsers, userID,
		interfaces.UpdateWhere(userdoc.FieldRequestsReceived,
			map[string]any{"isNew": true},
			map[string]any{"isNew": false}))
}

// Status describes how b relates to a according to a's own record.
func (m *Manager) Status(ctx context.Context, a, b string) (types.Relationship, error) {
	if err := types.ValidatePair(a, b); err != nil {
		return "", err
	}
	user, err := userdoc.Load(ctx, m.store, a)
	if err != nil {
		return "", err
	}
	return Relationship(user, b), nil
}

// Relationship derives the relationship to other from user's mirrors.
func Relationship(user *types.User, other string) types.Relationship {
	if user.HasConnection(other) {
		return types.RelationshipConnected
	}
	sent, received := user.HasPendingWith(other)
	switch {
	case sent:
		return types.RelationshipPendingSent
	case received:
		return types.RelationshipPendingReceived
	default:
		return types.RelationshipNone
	}
}
