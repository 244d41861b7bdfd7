package store

// DocumentState stores the full encoded CRDT state of one persisted document.
type DocumentState struct {
	StorageKey       string `gorm:"column:storage_key;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	StateHash        string `gorm:"column:state_hash;size:64;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentState) TableName() string {
	return "document_states"
}

// SnapshotRow stores a complete, human-restorable copy of a room's content.
type SnapshotRow struct {
	ID              string `gorm:"column:id;primaryKey;size:64;not null"`
	RoomID          string `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_room_snapshot_version,priority:1"`
	Version         int64  `gorm:"column:version;not null;uniqueIndex:idx_room_snapshot_version,priority:2"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedByID     string `gorm:"column:created_by_id;size:190;not null"`
	CreatedByName   string `gorm:"column:created_by_name;size:190"`
	Note            string `gorm:"column:note;type:text"`
	SizeBytes       int64  `gorm:"column:size_bytes;not null"`
	IsAutoSave      bool   `gorm:"column:is_auto_save;not null;default:false"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRow) TableName() string {
	return "room_snapshots"
}

// ChangeRow stores one journaled edit event. Rows are for audit and replay
// visualization only and are never used to rebuild document state.
type ChangeRow struct {
	ID              string `gorm:"column:id;primaryKey;size:32;not null"`
	RoomID          string `gorm:"column:room_id;size:190;not null;index:idx_room_changes_time,priority:1"`
	ActorID         string `gorm:"column:actor_id;size:190;not null"`
	ActorName       string `gorm:"column:actor_name;size:190"`
	Kind            string `gorm:"column:kind;size:16;not null"`
	Position        int64  `gorm:"column:position;not null"`
	Length          int64  `gorm:"column:length;not null"`
	Content         string `gorm:"column:content;type:text"`
	TimestampMillis int64  `gorm:"column:timestamp_ms;not null;index:idx_room_changes_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChangeRow) TableName() string {
	return "room_changes"
}

// Models lists every table owned by the store for schema migration.
func Models() []any {
	return []any{&DocumentState{}, &SnapshotRow{}, &ChangeRow{}}
}
