package scene

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openSnapshotDB(t *testing.T, name string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestGormSnapshotAdapterRoundTrip(t *testing.T) {
	db := openSnapshotDB(t, "scene_roundtrip")
	adapter, err := NewGormSnapshotAdapter(GormSnapshotAdapterConfig{Database: db})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}

	docID := mustDocumentID(t, "room-1")

	if _, found, err := adapter.Load(context.Background(), docID); err != nil || found {
		t.Fatalf("expected absent snapshot, found=%v err=%v", found, err)
	}

	doc := NewDocument("actor-a")
	mustDelta(t, doc, "chair-1", FieldPatch{Name: strPtr("Armchair")})
	if err := adapter.Save(context.Background(), docID, doc.EncodeFullState()); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	blob, found, err := adapter.Load(context.Background(), docID)
	if err != nil || !found {
		t.Fatalf("expected stored snapshot, found=%v err=%v", found, err)
	}

	restored := NewDocument("actor-b")
	if err := restored.DecodeFullState(blob); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if got := restored.Objects()["chair-1"].Name; got != "Armchair" {
		t.Fatalf("unexpected restored name %q", got)
	}
}

func TestGormSnapshotAdapterOverwritesInPlace(t *testing.T) {
	db := openSnapshotDB(t, "scene_overwrite")
	timestamp := time.Unix(1700000000, 0)
	adapter, err := NewGormSnapshotAdapter(GormSnapshotAdapterConfig{
		Database: db,
		Clock:    func() time.Time { return timestamp },
	})
	if err != nil {
		t.Fatalf("unexpected adapter error: %v", err)
	}

	docID := mustDocumentID(t, "room-1")
	if err := adapter.Save(context.Background(), docID, []byte("first")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	timestamp = timestamp.Add(time.Minute)
	if err := adapter.Save(context.Background(), docID, []byte("second")); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	var count int64
	if err := db.Model(&Snapshot{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one row per document, got %d", count)
	}

	var row Snapshot
	if err := db.Where("doc_id = ?", docID.String()).Take(&row).Error; err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if string(row.State) != "second" {
		t.Fatalf("expected overwritten state, got %q", row.State)
	}
	if row.UpdatedAtSeconds != timestamp.UTC().Unix() {
		t.Fatalf("expected refreshed timestamp, got %d", row.UpdatedAtSeconds)
	}
}
