package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength bounds chat message text, counted in runes.
const MaxMessageLength = 4096

// User IDs may not contain the channel key separator or path characters.
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// IsValidUserID checks if a user ID meets format requirements
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 128 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// ValidatePair checks both ids and rejects self-reference.
func ValidatePair(a, b string) error {
	if !IsValidUserID(a) || !IsValidUserID(b) {
		return ErrInvalidUserID
	}
	if a == b {
		return ErrSelfRequest
	}
	return nil
}

// NormalizeMessageText trims surrounding whitespace and enforces the length limit.
func NormalizeMessageText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// IsValidDecision reports whether d is accept or reject.
func IsValidDecision(d Decision) bool {
	return d == DecisionAccept || d == DecisionReject
}

// Validate checks the profile fields a user supplies at registration.
func (u *User) Validate() error {
	if !IsValidUserID(u.ID) {
		return ErrInvalidUserID
	}
	if u.StudyMode != "" && u.StudyMode != StudyModeOneOnOne && u.StudyMode != StudyModeGroup {
		return ErrInvalidArgument
	}
	for _, day := range u.Availability {
		if !IsValidWeekday(day) {
			return ErrInvalidArgument
		}
	}
	return nil
}

// IsValidWeekday checks an availability tag.
func IsValidWeekday(d Weekday) bool {
	switch d {
	case Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday:
		return true
	default:
		return false
	}
}

// PendingReceived returns the pending entries of the received mirror.
func (u *User) PendingReceived() []RequestEntry {
	var pending []RequestEntry
	for _, req := range u.ConnectionRequestsReceived {
		if req.Status == RequestStatusPending {
			pending = append(pending, req)
		}
	}
	return pending
}

// HasConnection reports whether other is in u's connection set.
func (u *User) HasConnection(other string) bool {
	for _, id := range u.Connections {
		if id == other {
			return true
		}
	}
	return false
}

// HasPendingWith reports whether a pending request exists in either direction
// between u and other, according to u's own mirrors.
func (u *User) HasPendingWith(other string) (sent bool, received bool) {
	for _, req := range u.ConnectionRequestsSent {
		if req.UserID == other && req.Status == RequestStatusPending {
			sent = true
		}
	}
	for _, req := range u.ConnectionRequestsReceived {
		if req.UserID == other && req.Status == RequestStatusPending {
			received = true
		}
	}
	return sent, received
}

// Snapshot returns the denormalized display attributes of u.
func (u *User) Snapshot() PartySnapshot {
	return PartySnapshot{Name: u.DisplayName, AvatarURL: u.AvatarURL}
}

// Profile returns the public projection of u.
func (u *User) Profile() Profile {
	return Profile{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		Email:        u.Email,
		Bio:          u.Bio,
		Subjects:     u.Subjects,
		Availability: u.Availability,
		StudyMode:    u.StudyMode,
		AvatarURL:    u.AvatarURL,
	}
}
