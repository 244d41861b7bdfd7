package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/access"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var (
	alice = auth.Identity{UserID: "alice", DisplayName: "Alice"}
	bob   = auth.Identity{UserID: "bob", DisplayName: "Bob"}
	root  = auth.Identity{UserID: "root", Roles: []string{auth.RoleAdmin}}
)

type historyFixture struct {
	service  *Service
	registry *documents.Registry
	access   *access.Service
	store    *store.Store
	now      time.Time
}

type recordingObserver struct {
	mu     sync.Mutex
	deltas []crdt.Delta
}

func (recorder *recordingObserver) DocumentChanged(_ *documents.Document, delta crdt.Delta, _ documents.Observer) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.deltas = append(recorder.deltas, delta)
}

func (recorder *recordingObserver) count() int {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return len(recorder.deltas)
}

func mustFixture(t *testing.T) *historyFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	models := append(store.Models(), &access.Grant{})
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	fixture := &historyFixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return fixture.now }

	fixture.store, err = store.New(store.Config{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	fixture.access, err = access.NewService(access.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create access service: %v", err)
	}
	fixture.registry, err = documents.NewRegistry(documents.RegistryConfig{
		Loader:    fixture.store,
		ReplicaID: "server-test",
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	fixture.service, err = NewService(ServiceConfig{
		Store:     fixture.store,
		Documents: fixture.registry,
		Access:    fixture.access,
		Clock:     clock,
	})
	if err != nil {
		t.Fatalf("failed to create history service: %v", err)
	}
	return fixture
}

func (fixture *historyFixture) liveDocument(t *testing.T, roomKey string) *documents.Document {
	t.Helper()
	resolution := mustResolve(t, roomKey)
	document, err := fixture.registry.Acquire(context.Background(), resolution)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	return document
}

func mustResolve(t *testing.T, roomKey string) rooms.Resolution {
	t.Helper()
	resolution, err := rooms.Resolve(roomKey)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return resolution
}

func mustCreateSnapshot(t *testing.T, service *Service, identity auth.Identity, roomKey, note string) Snapshot {
	t.Helper()
	snapshot, err := service.CreateSnapshot(context.Background(), identity, roomKey, note)
	if err != nil {
		t.Fatalf("create snapshot failed: %v", err)
	}
	return snapshot
}

func TestCreateSnapshotCapturesLiveContent(t *testing.T) {
	fixture := mustFixture(t)
	document := fixture.liveDocument(t, "note-abc")
	document.Replace("first draft", nil)

	snapshot := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "  checkpoint  ")
	if snapshot.Content != "first draft" || snapshot.Version != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Note != "checkpoint" || snapshot.CreatedBy != (Actor{ID: "alice", Name: "Alice"}) {
		t.Fatalf("unexpected snapshot metadata %+v", snapshot)
	}
	if snapshot.IsAutoSave {
		t.Fatalf("manual snapshot flagged as auto save")
	}
	if snapshot.SizeBytes != int64(len("first draft")) {
		t.Fatalf("expected size %d, got %d", len("first draft"), snapshot.SizeBytes)
	}

	listed, err := fixture.service.ListSnapshots(context.Background(), alice, "note-abc", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Content != "" || listed[0].ID != snapshot.ID {
		t.Fatalf("expected metadata-only listing, got %+v", listed)
	}
}

func TestCreateSnapshotRejectsLongNote(t *testing.T) {
	fixture := mustFixture(t)
	_, err := fixture.service.CreateSnapshot(context.Background(), alice, "note-abc", strings.Repeat("n", maxNoteLength+1))
	if !errors.Is(err, ErrInvalidSnapshotNote) {
		t.Fatalf("expected ErrInvalidSnapshotNote, got %v", err)
	}
}

func TestRestoreSnapshotBacksUpAndBroadcasts(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	document := fixture.liveDocument(t, "note-abc")
	recorder := &recordingObserver{}
	document.Subscribe(recorder)

	document.Replace("version one", nil)
	first := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "")
	document.Replace("version two", nil)
	before := recorder.count()

	result, err := fixture.service.RestoreSnapshot(ctx, bob, "note-abc", first.ID)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if document.Content() != "version one" {
		t.Fatalf("expected restored content, got %q", document.Content())
	}
	if recorder.count() != before+1 {
		t.Fatalf("expected restore to reach subscribers once, got %d new deltas", recorder.count()-before)
	}
	if !result.Backup.IsAutoSave || result.Backup.Content != "version two" {
		t.Fatalf("expected auto backup of prior content, got %+v", result.Backup)
	}
	if result.Backup.Note != "Auto-backup before restoring version 1" {
		t.Fatalf("unexpected backup note %q", result.Backup.Note)
	}
	if result.Backup.Version != 2 || result.Restored.ID != first.ID {
		t.Fatalf("unexpected restore result %+v", result)
	}

	listed, err := fixture.service.ListSnapshots(ctx, alice, "note-abc", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 2 || listed[0].Version != 2 || listed[1].Version != 1 {
		t.Fatalf("expected versions newest first, got %+v", listed)
	}
}

func TestSnapshotsAreScopedToRoom(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	fixture.liveDocument(t, "note-abc").Replace("abc", nil)
	snapshot := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "")

	if _, err := fixture.service.GetSnapshot(ctx, alice, "note-other", snapshot.ID); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound from another room, got %v", err)
	}
	if _, err := fixture.service.RestoreSnapshot(ctx, alice, "note-other", snapshot.ID); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected restore from another room to fail, got %v", err)
	}
	other, ok := fixture.registry.Lookup("note:other")
	if ok && other.Content() != "" {
		t.Fatalf("expected other room untouched, got %q", other.Content())
	}
}

func TestDiffReturnsBothContents(t *testing.T) {
	fixture := mustFixture(t)
	document := fixture.liveDocument(t, "note-abc")
	document.Replace("before", nil)
	from := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "")
	document.Replace("after", nil)
	to := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "")

	diff, err := fixture.service.Diff(context.Background(), alice, "note-abc", from.ID, to.ID)
	if err != nil {
		t.Fatalf("diff failed: %v", err)
	}
	if diff.From.Content != "before" || diff.To.Content != "after" {
		t.Fatalf("unexpected diff %+v", diff)
	}
}

func TestEphemeralRoomsHaveNoHistory(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	if _, err := fixture.service.CreateSnapshot(ctx, alice, "chat-lobby", ""); !errors.Is(err, ErrEphemeralRoom) {
		t.Fatalf("expected ErrEphemeralRoom, got %v", err)
	}
	if _, err := fixture.service.ListSnapshots(ctx, alice, "chat-lobby", 0); !errors.Is(err, ErrEphemeralRoom) {
		t.Fatalf("expected ErrEphemeralRoom, got %v", err)
	}
}

func TestReadOnlyUserCannotRestore(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	fixture.liveDocument(t, "note-abc").Replace("locked", nil)
	snapshot := mustCreateSnapshot(t, fixture.service, alice, "note-abc", "")

	if err := fixture.access.SetGrant(ctx, root, "note:abc", bob.UserID, access.LevelRead); err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if _, err := fixture.service.RestoreSnapshot(ctx, bob, "note-abc", snapshot.ID); !errors.Is(err, access.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := fixture.service.GetSnapshot(ctx, bob, "note-abc", snapshot.ID); err != nil {
		t.Fatalf("expected reader to view snapshot, got %v", err)
	}
}

func TestRecordChangesBatchCapsAtLimit(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	events := make([]ChangeEvent, 150)
	for index := range events {
		events[index] = ChangeEvent{
			Kind:      ChangeInsert,
			Position:  int64(index),
			Content:   "x",
			Timestamp: fixture.now.Add(time.Duration(index) * time.Millisecond),
		}
	}
	stored, err := fixture.service.RecordChangesBatch(ctx, alice, "note-abc", events)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if stored != MaxBatchSize {
		t.Fatalf("expected %d stored events, got %d", MaxBatchSize, stored)
	}
	journal, err := fixture.service.QueryChanges(ctx, alice, "note-abc", ChangeQuery{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(journal) != MaxBatchSize {
		t.Fatalf("expected %d journaled events, got %d", MaxBatchSize, len(journal))
	}
	if journal[0].Position != 0 || journal[len(journal)-1].Position != MaxBatchSize-1 {
		t.Fatalf("expected ascending journal, got first %d last %d", journal[0].Position, journal[len(journal)-1].Position)
	}
}

func TestRecordChangeStampsActorAndServerTime(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	event, err := fixture.service.RecordChange(ctx, bob, "note-abc", ChangeEvent{
		Actor:  Actor{ID: "spoofed"},
		Kind:   ChangeDelete,
		Length: 3,
	})
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	if event.Actor.ID != "bob" || event.Actor.Name != "Bob" {
		t.Fatalf("expected authenticated actor, got %+v", event.Actor)
	}
	if !event.Timestamp.Equal(fixture.now) {
		t.Fatalf("expected server timestamp %s, got %s", fixture.now, event.Timestamp)
	}
	if event.ID == "" || event.RoomID != "note:abc" {
		t.Fatalf("unexpected stored event %+v", event)
	}

	if _, err := fixture.service.RecordChange(ctx, bob, "note-abc", ChangeEvent{Kind: "rename"}); !errors.Is(err, ErrInvalidChange) {
		t.Fatalf("expected ErrInvalidChange, got %v", err)
	}
}

func TestQueryChangesFiltersByTimeAndLimit(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	for index := 0; index < 5; index++ {
		_, err := fixture.service.RecordChange(ctx, alice, "note-abc", ChangeEvent{
			Kind:      ChangeInsert,
			Position:  int64(index),
			Content:   "y",
			Timestamp: fixture.now.Add(time.Duration(index) * time.Second),
		})
		if err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	window, err := fixture.service.QueryChanges(ctx, alice, "note-abc", ChangeQuery{
		From: fixture.now.Add(time.Second),
		To:   fixture.now.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(window) != 3 || window[0].Position != 1 || window[2].Position != 3 {
		t.Fatalf("unexpected window %+v", window)
	}

	limited, err := fixture.service.QueryChanges(ctx, alice, "note-abc", ChangeQuery{Limit: 2})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(limited) != 2 || limited[0].Position != 0 {
		t.Fatalf("unexpected limited result %+v", limited)
	}
}

func TestListSnapshotsDefaultsToNewestFifty(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	const created = DefaultSnapshotLimit + 5
	for index := 0; index < created; index++ {
		mustCreateSnapshot(t, fixture.service, alice, "note-abc", fmt.Sprintf("save %d", index))
		fixture.now = fixture.now.Add(time.Second)
	}

	listed, err := fixture.service.ListSnapshots(ctx, alice, "note-abc", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != DefaultSnapshotLimit {
		t.Fatalf("expected %d snapshots, got %d", DefaultSnapshotLimit, len(listed))
	}
	if listed[0].Version != created {
		t.Fatalf("expected newest version %d first, got %d", created, listed[0].Version)
	}
	for index := 1; index < len(listed); index++ {
		if listed[index].Version >= listed[index-1].Version {
			t.Fatalf("versions not strictly descending at %d: %d then %d", index, listed[index-1].Version, listed[index].Version)
		}
		if !listed[index].CreatedAt.Before(listed[index-1].CreatedAt) {
			t.Fatalf("creation times not descending at %d", index)
		}
	}
	if oldest := listed[len(listed)-1].Version; oldest != created-DefaultSnapshotLimit+1 {
		t.Fatalf("expected oldest listed version %d, got %d", created-DefaultSnapshotLimit+1, oldest)
	}
}

func TestRecordChangeRejectsUnrepresentableTimestamps(t *testing.T) {
	fixture := mustFixture(t)
	ctx := context.Background()
	for _, timestamp := range []time.Time{
		time.Unix(-1, 0),
		time.UnixMilli(int64(store.MaxChangeTimestampMillis) + 1),
	} {
		_, err := fixture.service.RecordChange(ctx, alice, "note-abc", ChangeEvent{Kind: ChangeInsert, Content: "x", Timestamp: timestamp})
		if !errors.Is(err, ErrInvalidChange) {
			t.Fatalf("expected ErrInvalidChange for %s, got %v", timestamp, err)
		}
	}
	if _, err := fixture.service.RecordChange(ctx, alice, "note-abc", ChangeEvent{Kind: ChangeInsert, Content: "x", Timestamp: time.Unix(0, 0)}); err != nil {
		t.Fatalf("expected the epoch to be accepted, got %v", err)
	}
}
