// Package userdoc reads and creates user documents.
package userdoc

import (
	"context"
	"errors"
	"fmt"

	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Field names of the relationship containers on a user document.
const (
	FieldConnections      = "connections"
	FieldRequestsSent     = "connectionRequestsSent"
	FieldRequestsReceived = "connectionRequestsReceived"
	FieldLastSeenChats    = "lastSeenChats"
)

// Load reads a user record. A missing document is types.ErrNotFound.
func Load(ctx context.Context, store interfaces.DocumentStore, userID string) (*types.User, error) {
	snap, err := store.GetDocument(ctx, types.CollectionUsers, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrDocumentNotFound) {
			return nil, fmt.Errorf("user %s: %w", userID, types.ErrNotFound)
		}
		return nil, err
	}
	return Decode(snap)
}

// Decode converts a user snapshot. An absent snapshot yields an empty record
// carrying only the id.
func Decode(snap *interfaces.Snapshot) (*types.User, error) {
	user := &types.User{ID: snap.ID}
	if !snap.Exists {
		return user, nil
	}
	if err := snap.DataTo(user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		user.ID = snap.ID
	}
	return user, nil
}

// New builds the initial document for a registering user: the profile fields
// plus empty relationship containers.
func New(profile types.Profile) interfaces.Document {
	subjects := make([]any, 0, len(profile.Subjects))
	for _, s := range profile.Subjects {
		subjects = append(subjects, s)
	}
	availability := make([]any, 0, len(profile.Availability))
	for _, d := range profile.Availability {
		availability = append(availability, string(d))
	}

	return interfaces.Document{
		"id":                  profile.ID,
		"displayName":         profile.DisplayName,
		"email":               profile.Email,
		"bio":                 profile.Bio,
		"subjects":            subjects,
		"availability":        availability,
		"studyMode":           string(profile.StudyMode),
		"avatarUrl":           profile.AvatarURL,
		FieldConnections:      []any{},
		FieldRequestsSent:     []any{},
		FieldRequestsReceived: []any{},
		FieldLastSeenChats:    map[string]any{},
		"createdAt":           interfaces.ServerTimestamp,
	}
}

// Profiles loads the public profiles of ids, skipping users that no longer exist.
func Profiles(ctx context.Context, store interfaces.DocumentStore, ids []string) ([]types.Profile, error) {
	profiles := make([]types.Profile, 0, len(ids))
	for _, id := range ids {
		user, err := Load(ctx, store, id)
		if errors.Is(err, types.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, user.Profile())
	}
	return profiles, nil
}
