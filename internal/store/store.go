package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrPersistence wraps every storage read or write failure.
	ErrPersistence = errors.New("store: persistence failure")
	// ErrNotFound indicates that a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const (
	opLoadState          = "store.load_state"
	opSaveState          = "store.save_state"
	opCreateSnapshot     = "store.create_snapshot"
	opListSnapshots      = "store.list_snapshots"
	opGetSnapshot        = "store.get_snapshot"
	opAppendChanges      = "store.append_changes"
	opQueryChanges       = "store.query_changes"
	opNew                = "store.new"
	fieldStorageKey      = "storage_key"
	fieldRoomID          = "room_id"
	fieldSnapshotID      = "snapshot_id"
	queryStorageKey      = "storage_key = ?"
	queryRoomID          = "room_id = ?"
	queryRoomSnapshot    = "room_id = ? AND id = ?"
	queryRoomFrom        = "timestamp_ms >= ?"
	queryRoomTo          = "timestamp_ms <= ?"
	orderVersionDesc     = "version DESC"
	orderTimestampAsc    = "timestamp_ms ASC, id ASC"
	reasonMissingDB      = "missing_database"
	reasonQueryFailed    = "query_failed"
	reasonDecodeFailed   = "decode_failed"
	reasonUpsertFailed   = "upsert_failed"
	reasonInsertFailed   = "insert_failed"
	reasonIDFailed       = "id_failed"
	reasonVersionFailed  = "version_failed"
	reasonVersionRetries = "version_retries_exhausted"
	maxVersionAttempts   = 3
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	if cause != nil && !errors.Is(cause, ErrNotFound) {
		cause = fmt.Errorf("%w: %w", ErrPersistence, cause)
	}
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for snapshot rows.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Config wires the store's collaborators.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the persistence adapter for document states, snapshots and change rows.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opNew, reasonMissingDB, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// LoadState returns the stored CRDT state for a storage key. The boolean is false
// when the document has never been saved.
func (store *Store) LoadState(ctx context.Context, storageKey string) ([]byte, bool, error) {
	var row DocumentState
	err := store.db.WithContext(ctx).Where(queryStorageKey, storageKey).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		store.logError(opLoadState, reasonQueryFailed, err, zap.String(fieldStorageKey, storageKey))
		return nil, false, newServiceError(opLoadState, reasonQueryFailed, err)
	}
	state, err := base64.StdEncoding.DecodeString(row.StateB64)
	if err != nil {
		store.logError(opLoadState, reasonDecodeFailed, err, zap.String(fieldStorageKey, storageKey))
		return nil, false, newServiceError(opLoadState, reasonDecodeFailed, err)
	}
	return state, true, nil
}

// SaveState writes the full state for a storage key. Saving a state identical to
// the stored one is skipped and reported as not written.
func (store *Store) SaveState(ctx context.Context, storageKey string, state []byte) (bool, error) {
	hash := hashPayload(state)

	var existing DocumentState
	err := store.db.WithContext(ctx).Select("state_hash").Where(queryStorageKey, storageKey).Take(&existing).Error
	if err == nil && existing.StateHash == hash {
		return false, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		store.logError(opSaveState, reasonQueryFailed, err, zap.String(fieldStorageKey, storageKey))
		return false, newServiceError(opSaveState, reasonQueryFailed, err)
	}

	row := DocumentState{
		StorageKey:       storageKey,
		StateB64:         base64.StdEncoding.EncodeToString(state),
		StateHash:        hash,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	upsert := clause.OnConflict{
		Columns:   []clause.Column{{Name: "storage_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_b64", "state_hash", "updated_at_s"}),
	}
	if err := store.db.WithContext(ctx).Clauses(upsert).Create(&row).Error; err != nil {
		store.logError(opSaveState, reasonUpsertFailed, err, zap.String(fieldStorageKey, storageKey))
		return false, newServiceError(opSaveState, reasonUpsertFailed, err)
	}
	return true, nil
}

// SnapshotInput describes a snapshot to append to a room's history.
type SnapshotInput struct {
	RoomID        string
	Content       string
	CreatedByID   string
	CreatedByName string
	Note          string
	IsAutoSave    bool
}

// CreateSnapshotRow stores a snapshot with the room's next version number.
func (store *Store) CreateSnapshotRow(ctx context.Context, input SnapshotInput) (SnapshotRow, error) {
	snapshotID, err := store.idProvider.NewID()
	if err != nil {
		store.logError(opCreateSnapshot, reasonIDFailed, err, zap.String(fieldRoomID, input.RoomID))
		return SnapshotRow{}, newServiceError(opCreateSnapshot, reasonIDFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		var row SnapshotRow
		lastErr = store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
			var latest SnapshotRow
			latestErr := transaction.Select("version").
				Where(queryRoomID, input.RoomID).
				Order(orderVersionDesc).
				Limit(1).
				Take(&latest).Error
			if latestErr != nil && !errors.Is(latestErr, gorm.ErrRecordNotFound) {
				return latestErr
			}
			row = SnapshotRow{
				ID:              snapshotID,
				RoomID:          input.RoomID,
				Version:         latest.Version + 1,
				Content:         input.Content,
				CreatedByID:     input.CreatedByID,
				CreatedByName:   input.CreatedByName,
				Note:            input.Note,
				SizeBytes:       int64(len(input.Content)),
				IsAutoSave:      input.IsAutoSave,
				CreatedAtMillis: store.clock().UTC().UnixMilli(),
			}
			return transaction.Create(&row).Error
		})
		if lastErr == nil {
			return row, nil
		}
		if !errors.Is(lastErr, gorm.ErrDuplicatedKey) {
			store.logError(opCreateSnapshot, reasonVersionFailed, lastErr, zap.String(fieldRoomID, input.RoomID))
			return SnapshotRow{}, newServiceError(opCreateSnapshot, reasonVersionFailed, lastErr)
		}
	}
	store.logError(opCreateSnapshot, reasonVersionRetries, lastErr, zap.String(fieldRoomID, input.RoomID))
	return SnapshotRow{}, newServiceError(opCreateSnapshot, reasonVersionRetries, lastErr)
}

// MaxChangeTimestampMillis is the latest change timestamp a change id can encode.
var MaxChangeTimestampMillis = ulid.MaxTime()

// ListSnapshotRows returns up to limit snapshots of a room, newest version first.
func (store *Store) ListSnapshotRows(ctx context.Context, roomID string, limit int) ([]SnapshotRow, error) {
	var rows []SnapshotRow
	if err := store.db.WithContext(ctx).
		Where(queryRoomID, roomID).
		Order(orderVersionDesc).
		Limit(limit).
		Find(&rows).Error; err != nil {
		store.logError(opListSnapshots, reasonQueryFailed, err, zap.String(fieldRoomID, roomID))
		return nil, newServiceError(opListSnapshots, reasonQueryFailed, err)
	}
	return rows, nil
}

// GetSnapshotRow returns one snapshot of a room, or ErrNotFound when it is absent
// or belongs to another room.
func (store *Store) GetSnapshotRow(ctx context.Context, roomID, snapshotID string) (SnapshotRow, error) {
	var row SnapshotRow
	err := store.db.WithContext(ctx).Where(queryRoomSnapshot, roomID, snapshotID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRow{}, newServiceError(opGetSnapshot, "not_found", ErrNotFound)
	}
	if err != nil {
		store.logError(opGetSnapshot, reasonQueryFailed, err, zap.String(fieldRoomID, roomID), zap.String(fieldSnapshotID, snapshotID))
		return SnapshotRow{}, newServiceError(opGetSnapshot, reasonQueryFailed, err)
	}
	return row, nil
}

// AppendChangeRows journals change rows, assigning time-ordered identifiers to rows
// that lack one. It returns the number of rows stored.
func (store *Store) AppendChangeRows(ctx context.Context, rows []ChangeRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	for index := range rows {
		if rows[index].ID != "" {
			continue
		}
		id, err := store.newChangeID(rows[index].TimestampMillis)
		if err != nil {
			store.logError(opAppendChanges, reasonIDFailed, err, zap.String(fieldRoomID, rows[index].RoomID))
			return 0, newServiceError(opAppendChanges, reasonIDFailed, err)
		}
		rows[index].ID = id
	}
	if err := store.db.WithContext(ctx).Create(&rows).Error; err != nil {
		store.logError(opAppendChanges, reasonInsertFailed, err, zap.String(fieldRoomID, rows[0].RoomID))
		return 0, newServiceError(opAppendChanges, reasonInsertFailed, err)
	}
	return len(rows), nil
}

// ChangeQuery filters journaled changes of one room.
type ChangeQuery struct {
	RoomID string
	From   time.Time
	To     time.Time
	Limit  int
}

// QueryChangeRows returns change rows ascending by timestamp.
func (store *Store) QueryChangeRows(ctx context.Context, query ChangeQuery) ([]ChangeRow, error) {
	statement := store.db.WithContext(ctx).Where(queryRoomID, query.RoomID)
	if !query.From.IsZero() {
		statement = statement.Where(queryRoomFrom, query.From.UTC().UnixMilli())
	}
	if !query.To.IsZero() {
		statement = statement.Where(queryRoomTo, query.To.UTC().UnixMilli())
	}
	var rows []ChangeRow
	if err := statement.Order(orderTimestampAsc).Limit(query.Limit).Find(&rows).Error; err != nil {
		store.logError(opQueryChanges, reasonQueryFailed, err, zap.String(fieldRoomID, query.RoomID))
		return nil, newServiceError(opQueryChanges, reasonQueryFailed, err)
	}
	return rows, nil
}

func (store *Store) newChangeID(timestampMillis int64) (string, error) {
	store.entropyMu.Lock()
	defer store.entropyMu.Unlock()
	id, err := ulid.New(uint64(timestampMillis), store.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.logger.Error("store error", attrs...)
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
