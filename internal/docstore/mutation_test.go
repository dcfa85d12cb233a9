package docstore

import (
	"errors"
	"testing"
	"time"

	"studybuddy/pkg/interfaces"
)

var commitTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func mustApply(t *testing.T, doc interfaces.Document, muts ...interfaces.Mutation) interfaces.Document {
	t.Helper()
	out, err := Apply(doc, commitTime, muts...)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return out
}

func TestApply_SetAndDelete(t *testing.T) {
	doc := interfaces.Document{"name": "alice"}
	out := mustApply(t, doc,
		interfaces.Set("bio", "likes calculus"),
		interfaces.Set("lastSeenChats.alice_bob", "2024-01-01T00:00:00Z"),
		interfaces.Delete("name"),
	)

	if _, ok := out["name"]; ok {
		t.Error("expected name to be deleted")
	}
	if out["bio"] != "likes calculus" {
		t.Errorf("unexpected bio %v", out["bio"])
	}
	if v, ok := Lookup(out, "lastSeenChats.alice_bob"); !ok || v != "2024-01-01T00:00:00Z" {
		t.Errorf("nested set failed: %v", v)
	}
	if doc["name"] != "alice" {
		t.Error("Apply must not modify its input")
	}
}

func TestApply_ServerTimestamp(t *testing.T) {
	out := mustApply(t, interfaces.Document{},
		interfaces.Set("createdAt", interfaces.ServerTimestamp),
		interfaces.Set("nested", map[string]any{"at": interfaces.ServerTimestamp}),
	)
	want := FormatTime(commitTime)
	if out["createdAt"] != want {
		t.Errorf("createdAt = %v, want %v", out["createdAt"], want)
	}
	if v, _ := Lookup(out, "nested.at"); v != want {
		t.Errorf("nested.at = %v, want %v", v, want)
	}
}

func TestApply_AddToSetIsIdempotent(t *testing.T) {
	doc := interfaces.Document{"connections": []any{"bob"}}
	once := mustApply(t, doc, interfaces.AddToSet("connections", "bob", "carol"))
	twice := mustApply(t, once, interfaces.AddToSet("connections", "bob", "carol"))

	arr := twice["connections"].([]any)
	if len(arr) != 2 || arr[0] != "bob" || arr[1] != "carol" {
		t.Errorf("unexpected connections %v", arr)
	}

	fresh := mustApply(t, interfaces.Document{}, interfaces.AddToSet("connections", "dave"))
	if arr := fresh["connections"].([]any); len(arr) != 1 {
		t.Errorf("expected array to be created, got %v", fresh["connections"])
	}
}

func TestApply_PullAndPullWhere(t *testing.T) {
	doc := interfaces.Document{
		"tags": []any{"math", "physics", "math"},
		"requests": []any{
			map[string]any{"userId": "bob", "status": "pending"},
			map[string]any{"userId": "carol", "status": "pending"},
		},
	}
	out := mustApply(t, doc,
		interfaces.Pull("tags", "math"),
		interfaces.PullWhere("requests", map[string]any{"userId": "bob", "status": "pending"}),
	)

	if tags := out["tags"].([]any); len(tags) != 1 || tags[0] != "physics" {
		t.Errorf("unexpected tags %v", tags)
	}
	reqs := out["requests"].([]any)
	if len(reqs) != 1 || reqs[0].(map[string]any)["userId"] != "carol" {
		t.Errorf("unexpected requests %v", reqs)
	}

	again := mustApply(t, out, interfaces.PullWhere("requests", map[string]any{"userId": "bob", "status": "pending"}))
	if len(again["requests"].([]any)) != 1 {
		t.Error("repeated pull-where should be a no-op")
	}
}

func TestApply_UpsertWhere(t *testing.T) {
	match := map[string]any{"userId": "bob", "status": "pending"}
	entry := map[string]any{"userId": "bob", "status": "pending", "name": "Bob"}

	out := mustApply(t, interfaces.Document{}, interfaces.UpsertWhere("sent", match, entry))
	out = mustApply(t, out, interfaces.UpsertWhere("sent", match, map[string]any{"userId": "bob", "status": "pending", "name": "Bobby"}))

	sent := out["sent"].([]any)
	if len(sent) != 1 {
		t.Fatalf("expected one entry after repeated upsert, got %d", len(sent))
	}
	if sent[0].(map[string]any)["name"] != "Bobby" {
		t.Errorf("expected replacement, got %v", sent[0])
	}
}

func TestApply_UpdateWhere(t *testing.T) {
	doc := interfaces.Document{"received": []any{
		map[string]any{"userId": "bob", "isNew": true},
		map[string]any{"userId": "carol", "isNew": true},
		map[string]any{"userId": "dave"},
	}}
	out := mustApply(t, doc, interfaces.UpdateWhere("received", map[string]any{"isNew": true}, map[string]any{"isNew": false}))

	for _, elem := range out["received"].([]any) {
		if elem.(map[string]any)["isNew"] == true {
			t.Errorf("entry still new: %v", elem)
		}
	}
	if _, ok := out["received"].([]any)[2].(map[string]any)["isNew"]; ok {
		t.Error("non-matching entry should be untouched")
	}
}

func TestApply_MaxNeverRegresses(t *testing.T) {
	later := commitTime.Add(time.Hour)
	out := mustApply(t, interfaces.Document{}, interfaces.Max("lastSeenChats.k", later))
	out = mustApply(t, out, interfaces.Max("lastSeenChats.k", later.Add(-time.Second)))

	v, _ := Lookup(out, "lastSeenChats.k")
	got, ok := ParseTime(v)
	if !ok || !got.Equal(later) {
		t.Errorf("expected %v, got %v", later, v)
	}

	out = mustApply(t, out, interfaces.Max("lastSeenChats.k", later.Add(time.Nanosecond)))
	v, _ = Lookup(out, "lastSeenChats.k")
	if got, _ := ParseTime(v); !got.Equal(later.Add(time.Nanosecond)) {
		t.Errorf("expected advance, got %v", v)
	}
}

func TestApply_SetIfNewer(t *testing.T) {
	older := map[string]any{"id": "b", "text": "hello", "timestamp": FormatTime(commitTime)}
	newer := map[string]any{"id": "a", "text": "world", "timestamp": FormatTime(commitTime.Add(time.Millisecond))}
	tie := map[string]any{"id": "c", "text": "tie", "timestamp": FormatTime(commitTime.Add(time.Millisecond))}

	out := mustApply(t, interfaces.Document{"lastMessage": nil},
		interfaces.SetIfNewer("lastMessage", newer, "timestamp", "id"),
		interfaces.SetIfNewer("lastMessage", older, "timestamp", "id"),
	)
	if v, _ := Lookup(out, "lastMessage.text"); v != "world" {
		t.Errorf("older summary must not overwrite newer one, got %v", v)
	}

	out = mustApply(t, out, interfaces.SetIfNewer("lastMessage", tie, "timestamp", "id"))
	if v, _ := Lookup(out, "lastMessage.text"); v != "tie" {
		t.Errorf("equal timestamp with larger id should win, got %v", v)
	}
}

func TestApply_Errors(t *testing.T) {
	doc := interfaces.Document{"bio": "text"}

	_, err := Apply(doc, commitTime, interfaces.AddToSet("bio", "x"))
	if !errors.Is(err, interfaces.ErrInvalidMutation) {
		t.Errorf("expected ErrInvalidMutation for non-array, got %v", err)
	}

	_, err = Apply(doc, commitTime, interfaces.Set("bio.inner", "x"))
	if !errors.Is(err, interfaces.ErrInvalidMutation) {
		t.Errorf("expected ErrInvalidMutation for scalar traversal, got %v", err)
	}

	_, err = Apply(doc, commitTime, interfaces.Mutation{Op: "explode", Path: "bio"})
	if !errors.Is(err, interfaces.ErrInvalidMutation) {
		t.Errorf("expected ErrInvalidMutation for unknown op, got %v", err)
	}
}

func TestPrepareDocument(t *testing.T) {
	type profile struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	doc, err := PrepareDocument(interfaces.Document{
		"profile":   profile{Name: "alice", Tags: []string{"math"}},
		"createdAt": interfaces.ServerTimestamp,
	}, commitTime)
	if err != nil {
		t.Fatalf("PrepareDocument failed: %v", err)
	}
	if doc["createdAt"] != FormatTime(commitTime) {
		t.Errorf("createdAt not stamped: %v", doc["createdAt"])
	}
	if v, _ := Lookup(doc, "profile.name"); v != "alice" {
		t.Errorf("struct not normalized: %v", doc["profile"])
	}
}
