package bridge

import (
	"os"
	"testing"
	"time"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}

	now := time.Now().Truncate(time.Second)
	rec := &SessionRecord{
		ID:         "abc",
		Title:      "fix the parser",
		WorkingDir: "/work",
		Mode:       "acceptEdits",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Read("abc")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got.Title != rec.Title || got.WorkingDir != rec.WorkingDir || got.Mode != rec.Mode {
		t.Errorf("got %+v, want %+v", got, rec)
	}
}

func TestSessionStoreListOrdersByRecency(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}

	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		rec := &SessionRecord{
			ID:         id,
			WorkingDir: "/w",
			Mode:       "default",
			UpdatedAt:  base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.Save(rec); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}

	records, err := store.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].ID != "new" || records[2].ID != "old" {
		t.Errorf("order = %s,%s,%s, want new,mid,old", records[0].ID, records[1].ID, records[2].ID)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}

	if err := store.Save(&SessionRecord{ID: "gone", WorkingDir: "/w", Mode: "default"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete("gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Read("gone"); !os.IsNotExist(err) {
		t.Errorf("Read after delete = %v, want not-exist", err)
	}

	// Deleting twice is fine.
	if err := store.Delete("gone"); err != nil {
		t.Errorf("second Delete = %v, want nil", err)
	}
}

func TestSessionStoreMissingIDRejected(t *testing.T) {
	store, err := NewSessionStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSessionStore failed: %v", err)
	}
	if err := store.Save(&SessionRecord{}); err == nil {
		t.Error("Save without id should fail")
	}
}
