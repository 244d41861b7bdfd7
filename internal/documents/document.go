package documents

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
)

// Observer is notified after every mutation that changed a document, in the
// order the mutations were applied. Origin is the observer that caused the
// change, or nil for server-side mutations, so connections can skip echoing an
// update back to its sender. Implementations must not block and must not mutate
// the document from inside DocumentChanged.
type Observer interface {
	DocumentChanged(document *Document, delta crdt.Delta, origin Observer)
}

// Document is the live, in-memory state of one room.
type Document struct {
	resolution rooms.Resolution
	state      *crdt.Document
	clock      func() time.Time

	// applyMu spans a mutation and its fan-out.
	applyMu sync.Mutex

	mu            sync.Mutex
	observers     map[Observer]bool
	subscribers   int
	revision      uint64
	savedRevision uint64
	lastActive    time.Time
}

func newDocument(resolution rooms.Resolution, state *crdt.Document, clock func() time.Time) *Document {
	return &Document{
		resolution: resolution,
		state:      state,
		clock:      clock,
		observers:  make(map[Observer]bool),
		lastActive: clock(),
	}
}

// Resolution returns the room identity the document was loaded for.
func (document *Document) Resolution() rooms.Resolution {
	return document.resolution
}

// Kind returns the document kind.
func (document *Document) Kind() rooms.Kind {
	return document.resolution.Kind
}

// StorageKey returns the key the document persists under.
func (document *Document) StorageKey() string {
	return document.resolution.StorageKey
}

// Content materializes the current text.
func (document *Document) Content() string {
	return document.state.Content()
}

// Len returns the number of visible runes.
func (document *Document) Len() int {
	return document.state.Len()
}

// DiffSince returns the operations a peer holding vector is missing.
func (document *Document) DiffSince(vector crdt.StateVector) crdt.Delta {
	return document.state.DiffSince(vector)
}

// EncodeState serializes the full CRDT state for persistence.
func (document *Document) EncodeState() ([]byte, error) {
	return document.state.EncodeState()
}

// ApplyUpdate merges a remote delta. Only operations new to the document are
// fanned out; a duplicate delta notifies nobody.
func (document *Document) ApplyUpdate(delta crdt.Delta, origin Observer) (crdt.Delta, error) {
	document.applyMu.Lock()
	defer document.applyMu.Unlock()
	applied, err := document.state.ApplyRemote(delta)
	if err != nil {
		return crdt.Delta{}, err
	}
	document.changed(applied, origin)
	return applied, nil
}

// ApplyEdit applies a positional edit on behalf of origin.
func (document *Document) ApplyEdit(position, length int, text string, origin Observer) (crdt.Delta, error) {
	document.applyMu.Lock()
	defer document.applyMu.Unlock()
	delta, err := document.state.ApplyLocalEdit(position, length, text)
	if err != nil {
		return crdt.Delta{}, err
	}
	document.changed(delta, origin)
	return delta, nil
}

// Replace rewrites the whole content through ordinary CRDT operations.
func (document *Document) Replace(content string, origin Observer) crdt.Delta {
	document.applyMu.Lock()
	defer document.applyMu.Unlock()
	delta := document.state.Replace(content)
	document.changed(delta, origin)
	return delta
}

// Subscribe registers an observer that counts as a connected editor.
func (document *Document) Subscribe(observer Observer) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if _, exists := document.observers[observer]; exists {
		return
	}
	document.observers[observer] = true
	document.subscribers++
	document.lastActive = document.clock()
}

// Unsubscribe removes an observer and returns the remaining subscriber count.
func (document *Document) Unsubscribe(observer Observer) int {
	document.mu.Lock()
	defer document.mu.Unlock()
	if editor, exists := document.observers[observer]; exists {
		delete(document.observers, observer)
		if editor {
			document.subscribers--
		}
	}
	document.lastActive = document.clock()
	return document.subscribers
}

// Subscribers returns the number of connected editors.
func (document *Document) Subscribers() int {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.subscribers
}

// Revision returns a counter that increases with every applied mutation.
func (document *Document) Revision() uint64 {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.revision
}

// Dirty reports whether mutations happened since the last successful save.
func (document *Document) Dirty() bool {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.revision != document.savedRevision
}

// MarkSaved records that the state as of revision is durable.
func (document *Document) MarkSaved(revision uint64) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if revision > document.savedRevision {
		document.savedRevision = revision
	}
}

func (document *Document) touch() {
	document.mu.Lock()
	document.lastActive = document.clock()
	document.mu.Unlock()
}

func (document *Document) idleSince() (time.Time, int) {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.lastActive, document.subscribers
}

// attach registers an observer that does not count as an editor, such as the
// persistence scheduler.
func (document *Document) attach(observer Observer) {
	document.mu.Lock()
	defer document.mu.Unlock()
	if _, exists := document.observers[observer]; !exists {
		document.observers[observer] = false
	}
}

func (document *Document) changed(delta crdt.Delta, origin Observer) {
	if delta.Empty() {
		return
	}
	document.mu.Lock()
	document.revision++
	document.lastActive = document.clock()
	observers := make([]Observer, 0, len(document.observers))
	for observer := range document.observers {
		observers = append(observers, observer)
	}
	document.mu.Unlock()

	for _, observer := range observers {
		observer.DocumentChanged(document, delta, origin)
	}
}
