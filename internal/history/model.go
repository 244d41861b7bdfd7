package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/store"
)

var (
	// ErrSnapshotNotFound indicates that a snapshot is absent or belongs to another room.
	ErrSnapshotNotFound = errors.New("history: snapshot not found")
	// ErrInvalidChange indicates a change event that fails validation.
	ErrInvalidChange = errors.New("history: invalid change")
	// ErrEphemeralRoom indicates a history operation on a room that is never persisted.
	ErrEphemeralRoom = errors.New("history: room is ephemeral")
	// ErrInvalidSnapshotNote indicates a note that exceeds the allowed length.
	ErrInvalidSnapshotNote = errors.New("history: invalid snapshot note")
)

const maxNoteLength = 500

// Actor identifies who performed a history operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Snapshot is a complete, immutable copy of a room's content.
type Snapshot struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"roomId"`
	Version    int64     `json:"version"`
	Content    string    `json:"content,omitempty"`
	CreatedBy  Actor     `json:"createdBy"`
	Note       string    `json:"note,omitempty"`
	SizeBytes  int64     `json:"sizeBytes"`
	IsAutoSave bool      `json:"isAutoSave"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Diff holds the raw contents of two snapshots. Computing a textual diff is left
// to the caller.
type Diff struct {
	From Snapshot `json:"from"`
	To   Snapshot `json:"to"`
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	Restored Snapshot `json:"restored"`
	Backup   Snapshot `json:"backup"`
}

// ChangeKind enumerates journaled edit kinds.
type ChangeKind string

const (
	ChangeInsert  ChangeKind = "insert"
	ChangeDelete  ChangeKind = "delete"
	ChangeReplace ChangeKind = "replace"
)

// ChangeEvent is one journaled edit, kept for audit and replay only.
type ChangeEvent struct {
	ID        string     `json:"id,omitempty"`
	RoomID    string     `json:"roomId,omitempty"`
	Actor     Actor      `json:"actor"`
	Kind      ChangeKind `json:"kind"`
	Position  int64      `json:"position"`
	Length    int64      `json:"length"`
	Content   string     `json:"content,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func (event ChangeEvent) validate() error {
	switch event.Kind {
	case ChangeInsert, ChangeDelete, ChangeReplace:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, event.Kind)
	}
	if event.Position < 0 {
		return fmt.Errorf("%w: negative position", ErrInvalidChange)
	}
	if event.Length < 0 {
		return fmt.Errorf("%w: negative length", ErrInvalidChange)
	}
	if !event.Timestamp.IsZero() {
		millis := event.Timestamp.UnixMilli()
		if millis < 0 || uint64(millis) > store.MaxChangeTimestampMillis {
			return fmt.Errorf("%w: timestamp outside the journal range", ErrInvalidChange)
		}
	}
	if !utf8.ValidString(event.Content) {
		return fmt.Errorf("%w: content is not valid UTF-8", ErrInvalidChange)
	}
	return nil
}

// ChangeQuery selects a time range of a room's change journal. Zero bounds are open.
type ChangeQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

func normalizeNote(note string) (string, error) {
	trimmed := strings.TrimSpace(note)
	if utf8.RuneCountInString(trimmed) > maxNoteLength {
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidSnapshotNote, maxNoteLength)
	}
	return trimmed, nil
}
