package rooms

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Kind enumerates the document kinds a room key can resolve to.
type Kind string

const (
	// KindSession is a persisted collaborative coding session.
	KindSession Kind = "session"
	// KindNote is a persisted shared note.
	KindNote Kind = "note"
	// KindEphemeralChat is an in-memory chat buffer that is never persisted.
	KindEphemeralChat Kind = "chat"
)

const (
	notePrefix          = "note-"
	chatPrefix          = "chat-"
	maxStorageKeyLength = 190
	sessionStarterText  = "// Welcome to the shared session.\n// Everyone in this room edits the same buffer.\n"
	storageKeySeparator = ":"
)

// ErrInvalidRoomKey indicates that a room key is empty, too long or contains reserved characters.
var ErrInvalidRoomKey = errors.New("rooms: invalid room key")

// Resolution is the outcome of resolving a room key.
type Resolution struct {
	RoomKey    string
	Kind       Kind
	StorageKey string
}

// Persisted reports whether documents of this kind are written to the store.
func (kind Kind) Persisted() bool {
	return kind != KindEphemeralChat
}

// String returns the kind name.
func (kind Kind) String() string {
	return string(kind)
}

// Resolve maps a room key onto its document kind and storage key.
func Resolve(roomKey string) (Resolution, error) {
	trimmed := strings.TrimSpace(roomKey)
	if trimmed == "" {
		return Resolution{}, fmt.Errorf("%w: empty", ErrInvalidRoomKey)
	}
	if strings.IndexFunc(trimmed, isReservedRune) >= 0 {
		return Resolution{}, fmt.Errorf("%w: reserved character", ErrInvalidRoomKey)
	}

	kind := KindSession
	name := trimmed
	switch {
	case strings.HasPrefix(trimmed, notePrefix) && len(trimmed) > len(notePrefix):
		kind = KindNote
		name = strings.TrimPrefix(trimmed, notePrefix)
	case strings.HasPrefix(trimmed, chatPrefix) && len(trimmed) > len(chatPrefix):
		kind = KindEphemeralChat
		name = strings.TrimPrefix(trimmed, chatPrefix)
	}

	// Storage keys live in size:190 columns.
	storageKey := kind.String() + storageKeySeparator + name
	if len(storageKey) > maxStorageKeyLength {
		return Resolution{}, fmt.Errorf("%w: storage key exceeds %d characters", ErrInvalidRoomKey, maxStorageKeyLength)
	}

	return Resolution{
		RoomKey:    trimmed,
		Kind:       kind,
		StorageKey: storageKey,
	}, nil
}

// DefaultContent returns the deterministic initial content for a never-seen document of the kind.
func DefaultContent(kind Kind) string {
	if kind == KindSession {
		return sessionStarterText
	}
	return ""
}

func isReservedRune(r rune) bool {
	return r == '/' || unicode.IsSpace(r) || unicode.IsControl(r)
}
