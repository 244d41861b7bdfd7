package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultSnapshotLimit is the page size of ListSnapshots.
	DefaultSnapshotLimit = 50
	// MaxSnapshotLimit caps the page size of ListSnapshots.
	MaxSnapshotLimit = 200
	// MaxBatchSize caps the number of events a batch stores.
	MaxBatchSize = 100
	// DefaultChangeLimit is the default and maximum page size of QueryChanges.
	DefaultChangeLimit = 1000

	opListSnapshots  = "history.list_snapshots"
	opGetSnapshot    = "history.get_snapshot"
	opCreateSnapshot = "history.create_snapshot"
	opRestore        = "history.restore_snapshot"
	opDiff           = "history.diff"
	opRecordChanges  = "history.record_changes"
	opQueryChanges   = "history.query_changes"

	backupNoteFormat = "Auto-backup before restoring version %d"
)

var errMissingDependency = errors.New("history: store, documents and access are required")

// Store persists snapshots and change rows.
type Store interface {
	CreateSnapshotRow(ctx context.Context, input store.SnapshotInput) (store.SnapshotRow, error)
	ListSnapshotRows(ctx context.Context, roomID string, limit int) ([]store.SnapshotRow, error)
	GetSnapshotRow(ctx context.Context, roomID, snapshotID string) (store.SnapshotRow, error)
	AppendChangeRows(ctx context.Context, rows []store.ChangeRow) (int, error)
	QueryChangeRows(ctx context.Context, query store.ChangeQuery) ([]store.ChangeRow, error)
}

// DocumentSource hands out live documents.
type DocumentSource interface {
	Acquire(ctx context.Context, resolution rooms.Resolution) (*documents.Document, error)
}

// AccessPolicy authorizes room operations.
type AccessPolicy interface {
	RequireRead(ctx context.Context, identity auth.Identity, roomID string) error
	RequireEdit(ctx context.Context, identity auth.Identity, roomID string) error
}

// ServiceConfig wires the history service's collaborators.
type ServiceConfig struct {
	Store     Store
	Documents DocumentSource
	Access    AccessPolicy
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Service implements snapshots, restore, diff and the change journal.
type Service struct {
	store     Store
	documents DocumentSource
	access    AccessPolicy
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewService constructs the history service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil || cfg.Documents == nil || cfg.Access == nil {
		return nil, errMissingDependency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     cfg.Store,
		documents: cfg.Documents,
		access:    cfg.Access,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// ListSnapshots returns snapshot metadata, newest first. Content is omitted.
func (service *Service) ListSnapshots(ctx context.Context, identity auth.Identity, roomKey string, limit int) ([]Snapshot, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, false)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	if limit > MaxSnapshotLimit {
		limit = MaxSnapshotLimit
	}
	rows, err := service.store.ListSnapshotRows(ctx, resolution.StorageKey, limit)
	if err != nil {
		service.logError(opListSnapshots, err, resolution)
		return nil, err
	}
	snapshots := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		snapshot := snapshotFromRow(row)
		snapshot.Content = ""
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, nil
}

// GetSnapshot returns one snapshot of the room with its content.
func (service *Service) GetSnapshot(ctx context.Context, identity auth.Identity, roomKey, snapshotID string) (Snapshot, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, false)
	if err != nil {
		return Snapshot{}, err
	}
	return service.loadSnapshot(ctx, resolution, snapshotID, opGetSnapshot)
}

// CreateSnapshot captures the live content of the room as a new manual snapshot.
func (service *Service) CreateSnapshot(ctx context.Context, identity auth.Identity, roomKey, note string) (Snapshot, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, true)
	if err != nil {
		return Snapshot{}, err
	}
	normalizedNote, err := normalizeNote(note)
	if err != nil {
		return Snapshot{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, opCreateSnapshot, attribute.String("room.id", resolution.StorageKey))
	defer span.End()

	document, err := service.documents.Acquire(ctx, resolution)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		service.logError(opCreateSnapshot, err, resolution)
		return Snapshot{}, err
	}
	snapshot, err := service.createSnapshot(ctx, identity, resolution, document.Content(), normalizedNote, false)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return Snapshot{}, err
	}
	return snapshot, nil
}

// RestoreSnapshot backs up the live content, then rewrites the document with the
// snapshot's content. The rewrite reaches every connected editor through the
// normal update stream and re-arms the persistence scheduler.
func (service *Service) RestoreSnapshot(ctx context.Context, identity auth.Identity, roomKey, snapshotID string) (RestoreResult, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, true)
	if err != nil {
		return RestoreResult{}, err
	}

	ctx, span := telemetry.StartSpan(ctx, opRestore,
		attribute.String("room.id", resolution.StorageKey),
		attribute.String("snapshot.id", snapshotID))
	defer span.End()

	target, err := service.loadSnapshot(ctx, resolution, snapshotID, opRestore)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return RestoreResult{}, err
	}
	document, err := service.documents.Acquire(ctx, resolution)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		service.logError(opRestore, err, resolution)
		return RestoreResult{}, err
	}

	backup, err := service.createSnapshot(ctx, identity, resolution, document.Content(), fmt.Sprintf(backupNoteFormat, target.Version), true)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		return RestoreResult{}, err
	}

	document.Replace(target.Content, nil)
	service.logger.Info("snapshot restored",
		zap.String("room_id", resolution.StorageKey),
		zap.String("snapshot_id", target.ID),
		zap.Int64("version", target.Version),
		zap.String("backup_id", backup.ID),
		zap.String("actor_id", identity.UserID))
	return RestoreResult{Restored: target, Backup: backup}, nil
}

// Diff returns the raw contents of two snapshots of the room.
func (service *Service) Diff(ctx context.Context, identity auth.Identity, roomKey, fromID, toID string) (Diff, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, false)
	if err != nil {
		return Diff{}, err
	}
	from, err := service.loadSnapshot(ctx, resolution, fromID, opDiff)
	if err != nil {
		return Diff{}, err
	}
	to, err := service.loadSnapshot(ctx, resolution, toID, opDiff)
	if err != nil {
		return Diff{}, err
	}
	return Diff{From: from, To: to}, nil
}

// RecordChange journals a single change event.
func (service *Service) RecordChange(ctx context.Context, identity auth.Identity, roomKey string, event ChangeEvent) (ChangeEvent, error) {
	stored, err := service.recordChanges(ctx, identity, roomKey, []ChangeEvent{event})
	if err != nil {
		return ChangeEvent{}, err
	}
	return stored[0], nil
}

// RecordChangesBatch journals up to MaxBatchSize events; extra events are dropped.
// It returns the number of events stored.
func (service *Service) RecordChangesBatch(ctx context.Context, identity auth.Identity, roomKey string, events []ChangeEvent) (int, error) {
	if len(events) > MaxBatchSize {
		events = events[:MaxBatchSize]
	}
	if len(events) == 0 {
		if _, err := service.authorize(ctx, identity, roomKey, true); err != nil {
			return 0, err
		}
		return 0, nil
	}
	stored, err := service.recordChanges(ctx, identity, roomKey, events)
	if err != nil {
		return 0, err
	}
	return len(stored), nil
}

// QueryChanges returns journaled events of the room ascending by timestamp.
func (service *Service) QueryChanges(ctx context.Context, identity auth.Identity, roomKey string, query ChangeQuery) ([]ChangeEvent, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, false)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 || limit > DefaultChangeLimit {
		limit = DefaultChangeLimit
	}
	rows, err := service.store.QueryChangeRows(ctx, store.ChangeQuery{
		RoomID: resolution.StorageKey,
		From:   query.From,
		To:     query.To,
		Limit:  limit,
	})
	if err != nil {
		service.logError(opQueryChanges, err, resolution)
		return nil, err
	}
	events := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, changeFromRow(row))
	}
	return events, nil
}

func (service *Service) recordChanges(ctx context.Context, identity auth.Identity, roomKey string, events []ChangeEvent) ([]ChangeEvent, error) {
	resolution, err := service.authorize(ctx, identity, roomKey, true)
	if err != nil {
		return nil, err
	}
	now := service.clock().UTC()
	rows := make([]store.ChangeRow, 0, len(events))
	for index, event := range events {
		if err := event.validate(); err != nil {
			return nil, fmt.Errorf("event %d: %w", index, err)
		}
		timestamp := event.Timestamp
		if timestamp.IsZero() {
			timestamp = now
		}
		rows = append(rows, store.ChangeRow{
			RoomID:          resolution.StorageKey,
			ActorID:         identity.UserID,
			ActorName:       identity.DisplayName,
			Kind:            string(event.Kind),
			Position:        event.Position,
			Length:          event.Length,
			Content:         event.Content,
			TimestampMillis: timestamp.UTC().UnixMilli(),
		})
	}
	if _, err := service.store.AppendChangeRows(ctx, rows); err != nil {
		service.logError(opRecordChanges, err, resolution)
		return nil, err
	}
	stored := make([]ChangeEvent, 0, len(rows))
	for _, row := range rows {
		stored = append(stored, changeFromRow(row))
	}
	return stored, nil
}

func (service *Service) createSnapshot(ctx context.Context, identity auth.Identity, resolution rooms.Resolution, content, note string, autoSave bool) (Snapshot, error) {
	row, err := service.store.CreateSnapshotRow(ctx, store.SnapshotInput{
		RoomID:        resolution.StorageKey,
		Content:       content,
		CreatedByID:   identity.UserID,
		CreatedByName: identity.DisplayName,
		Note:          note,
		IsAutoSave:    autoSave,
	})
	if err != nil {
		service.logError(opCreateSnapshot, err, resolution)
		return Snapshot{}, err
	}
	service.metrics.SnapshotCreated(autoSave)
	return snapshotFromRow(row), nil
}

func (service *Service) loadSnapshot(ctx context.Context, resolution rooms.Resolution, snapshotID, operation string) (Snapshot, error) {
	row, err := service.store.GetSnapshotRow(ctx, resolution.StorageKey, snapshotID)
	if errors.Is(err, store.ErrNotFound) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	if err != nil {
		service.logError(operation, err, resolution)
		return Snapshot{}, err
	}
	return snapshotFromRow(row), nil
}

// authorize resolves the room, rejects ephemeral rooms and checks the access level.
func (service *Service) authorize(ctx context.Context, identity auth.Identity, roomKey string, edit bool) (rooms.Resolution, error) {
	resolution, err := rooms.Resolve(roomKey)
	if err != nil {
		return rooms.Resolution{}, err
	}
	if !resolution.Kind.Persisted() {
		return rooms.Resolution{}, fmt.Errorf("%w: %s", ErrEphemeralRoom, resolution.RoomKey)
	}
	if edit {
		err = service.access.RequireEdit(ctx, identity, resolution.StorageKey)
	} else {
		err = service.access.RequireRead(ctx, identity, resolution.StorageKey)
	}
	if err != nil {
		return rooms.Resolution{}, err
	}
	return resolution, nil
}

func (service *Service) logError(operation string, err error, resolution rooms.Resolution) {
	service.logger.Error("history service error",
		zap.String("operation", operation),
		zap.String("room_id", resolution.StorageKey),
		zap.Error(err))
}

func snapshotFromRow(row store.SnapshotRow) Snapshot {
	return Snapshot{
		ID:         row.ID,
		RoomID:     row.RoomID,
		Version:    row.Version,
		Content:    row.Content,
		CreatedBy:  Actor{ID: row.CreatedByID, Name: row.CreatedByName},
		Note:       row.Note,
		SizeBytes:  row.SizeBytes,
		IsAutoSave: row.IsAutoSave,
		CreatedAt:  time.UnixMilli(row.CreatedAtMillis).UTC(),
	}
}

func changeFromRow(row store.ChangeRow) ChangeEvent {
	return ChangeEvent{
		ID:        row.ID,
		RoomID:    row.RoomID,
		Actor:     Actor{ID: row.ActorID, Name: row.ActorName},
		Kind:      ChangeKind(row.Kind),
		Position:  row.Position,
		Length:    row.Length,
		Content:   row.Content,
		Timestamp: time.UnixMilli(row.TimestampMillis).UTC(),
	}
}
