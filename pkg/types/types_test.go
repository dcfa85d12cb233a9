package types

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIsValidUserID(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		wantOk bool
	}{
		{"valid alphanumeric", "user123", true},
		{"valid with hyphen", "user-123", true},
		{"valid 128 chars", strings.Repeat("a", 128), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 129), false},
		{"separator", "user_123", false},
		{"path character", "user/123", false},
		{"dot", "user.123", false},
		{"spaces", "user 123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidUserID(tt.userID); got != tt.wantOk {
				t.Errorf("IsValidUserID(%q) = %v, want %v", tt.userID, got, tt.wantOk)
			}
		})
	}
}

func TestValidatePair(t *testing.T) {
	if err := ValidatePair("alice", "bob"); err != nil {
		t.Errorf("expected valid pair, got %v", err)
	}

	err := ValidatePair("alice", "alice")
	if !errors.Is(err, ErrSelfRequest) {
		t.Errorf("expected ErrSelfRequest, got %v", err)
	}
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ErrSelfRequest should wrap ErrInvalidArgument")
	}

	if err := ValidatePair("", "bob"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty id, got %v", err)
	}
}

func TestNormalizeMessageText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		wantErr error
	}{
		{"plain", "hello", "hello", nil},
		{"trimmed", "  hello \n", "hello", nil},
		{"empty", "", "", ErrEmptyMessage},
		{"whitespace only", " \t\n ", "", ErrEmptyMessage},
		{"too long", strings.Repeat("x", MaxMessageLength+1), "", ErrMessageTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMessageText(tt.text)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NormalizeMessageText() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeMessageText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUser_Validate(t *testing.T) {
	valid := User{ID: "alice", StudyMode: StudyModeGroup, Availability: []Weekday{Monday, Friday}}
	if err := valid.Validate(); err != nil {
		t.Errorf("expected valid user, got %v", err)
	}

	badMode := User{ID: "alice", StudyMode: "solo"}
	if err := badMode.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for study mode, got %v", err)
	}

	badDay := User{ID: "alice", Availability: []Weekday{"Funday"}}
	if err := badDay.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for weekday, got %v", err)
	}
}

func TestUser_MirrorHelpers(t *testing.T) {
	u := User{
		ID:          "alice",
		Connections: []string{"carol"},
		ConnectionRequestsSent: []RequestEntry{
			{UserID: "bob", Status: RequestStatusPending},
		},
		ConnectionRequestsReceived: []RequestEntry{
			{UserID: "dave", Status: RequestStatusPending},
			{UserID: "erin", Status: RequestStatusRejected},
		},
	}

	if !u.HasConnection("carol") || u.HasConnection("bob") {
		t.Error("HasConnection returned wrong result")
	}

	sent, received := u.HasPendingWith("bob")
	if !sent || received {
		t.Errorf("HasPendingWith(bob) = %v, %v", sent, received)
	}
	sent, received = u.HasPendingWith("dave")
	if sent || !received {
		t.Errorf("HasPendingWith(dave) = %v, %v", sent, received)
	}

	if pending := u.PendingReceived(); len(pending) != 1 || pending[0].UserID != "dave" {
		t.Errorf("PendingReceived() = %+v", pending)
	}
}

func TestMessage_Before(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	a := Message{ID: "a", Timestamp: base}
	b := Message{ID: "b", Timestamp: base}
	c := Message{ID: "0", Timestamp: base.Add(time.Millisecond)}

	if !a.Before(b) || b.Before(a) {
		t.Error("equal timestamps should order by id")
	}
	if !b.Before(c) {
		t.Error("earlier timestamp should sort first regardless of id")
	}
}

func TestPartialWriteError(t *testing.T) {
	cause := errors.New("boom")
	err := &PartialWriteError{
		Operation: "resolveRequest",
		Completed: []string{"connections"},
		Failed:    "ledger",
		Err:       cause,
	}

	if !errors.Is(err, ErrPartialWrite) {
		t.Error("PartialWriteError should match ErrPartialWrite")
	}
	if !errors.Is(err, cause) {
		t.Error("PartialWriteError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "ledger") {
		t.Errorf("error message should name the failed step: %s", err.Error())
	}
}
