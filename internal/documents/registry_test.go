package documents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeLoader struct {
	mu     sync.Mutex
	states map[string][]byte
	loads  atomic.Int32
	delay  time.Duration
	err    error
}

func (loader *fakeLoader) LoadState(_ context.Context, storageKey string) ([]byte, bool, error) {
	loader.loads.Add(1)
	if loader.delay > 0 {
		time.Sleep(loader.delay)
	}
	if loader.err != nil {
		return nil, false, loader.err
	}
	loader.mu.Lock()
	defer loader.mu.Unlock()
	state, ok := loader.states[storageKey]
	return state, ok, nil
}

type fakePersister struct {
	mu       sync.Mutex
	changes  int
	flushed  []string
	flushErr error
}

func (persister *fakePersister) DocumentChanged(*Document, crdt.Delta, Observer) {
	persister.mu.Lock()
	persister.changes++
	persister.mu.Unlock()
}

func (persister *fakePersister) Flush(_ context.Context, document *Document) error {
	persister.mu.Lock()
	defer persister.mu.Unlock()
	if persister.flushErr != nil {
		return persister.flushErr
	}
	persister.flushed = append(persister.flushed, document.StorageKey())
	document.MarkSaved(document.Revision())
	return nil
}

type recordingObserver struct {
	mu      sync.Mutex
	deltas  []crdt.Delta
	origins []Observer
}

func (recorder *recordingObserver) DocumentChanged(_ *Document, delta crdt.Delta, origin Observer) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.deltas = append(recorder.deltas, delta)
	recorder.origins = append(recorder.origins, origin)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (clock *manualClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	clock.now = clock.now.Add(duration)
	clock.mu.Unlock()
}

func mustResolve(t *testing.T, roomKey string) rooms.Resolution {
	t.Helper()
	resolution, err := rooms.Resolve(roomKey)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	return resolution
}

func mustRegistry(t *testing.T, cfg RegistryConfig) *Registry {
	t.Helper()
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = "server"
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	return registry
}

func TestAcquireLoadsEachRoomOnce(t *testing.T) {
	loader := &fakeLoader{delay: 20 * time.Millisecond}
	registry := mustRegistry(t, RegistryConfig{Loader: loader})
	resolution := mustResolve(t, "note-shared")

	var wg sync.WaitGroup
	results := make([]*Document, 8)
	for index := range results {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			document, err := registry.Acquire(context.Background(), resolution)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			results[index] = document
		}(index)
	}
	wg.Wait()

	for _, document := range results {
		if document != results[0] {
			t.Fatalf("expected a single live document per room")
		}
	}
	if loads := loader.loads.Load(); loads != 1 {
		t.Fatalf("expected one store load, got %d", loads)
	}
}

func TestAcquireInitializesDeterministicDefaults(t *testing.T) {
	registry := mustRegistry(t, RegistryConfig{Loader: &fakeLoader{}})
	session, err := registry.Acquire(context.Background(), mustResolve(t, "project-1"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if session.Content() != rooms.DefaultContent(rooms.KindSession) {
		t.Fatalf("expected session starter content, got %q", session.Content())
	}
	note, err := registry.Acquire(context.Background(), mustResolve(t, "note-1"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if note.Content() != "" {
		t.Fatalf("expected empty note, got %q", note.Content())
	}
}

func TestAcquireRestoresStoredState(t *testing.T) {
	seed, err := crdt.NewDocument("writer")
	if err != nil {
		t.Fatalf("new document failed: %v", err)
	}
	if _, err := seed.ApplyLocalEdit(0, 0, "persisted"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	state, err := seed.EncodeState()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	loader := &fakeLoader{states: map[string][]byte{"note:stored": state}}
	registry := mustRegistry(t, RegistryConfig{Loader: loader})
	document, err := registry.Acquire(context.Background(), mustResolve(t, "note-stored"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if document.Content() != "persisted" {
		t.Fatalf("expected persisted, got %q", document.Content())
	}
}

func TestAcquireFallsBackToDefaultsOnCorruptState(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	loader := &fakeLoader{states: map[string][]byte{"session:broken": []byte("{not json")}}
	registry := mustRegistry(t, RegistryConfig{Loader: loader, Logger: zap.New(core)})

	document, err := registry.Acquire(context.Background(), mustResolve(t, "broken"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if document.Content() != rooms.DefaultContent(rooms.KindSession) {
		t.Fatalf("expected default content, got %q", document.Content())
	}
	if logs.Len() != 1 {
		t.Fatalf("expected the decode failure to be logged, got %d entries", logs.Len())
	}
}

func TestAcquirePropagatesLoadFailures(t *testing.T) {
	loader := &fakeLoader{err: errors.New("connection refused")}
	registry := mustRegistry(t, RegistryConfig{Loader: loader})
	if _, err := registry.Acquire(context.Background(), mustResolve(t, "note-x")); err == nil {
		t.Fatalf("expected load failure")
	}
	if registry.Len() != 0 {
		t.Fatalf("expected failed load to leave no live document")
	}
}

func TestObserversReceiveChangesWithOrigin(t *testing.T) {
	persister := &fakePersister{}
	registry := mustRegistry(t, RegistryConfig{Loader: &fakeLoader{}, Persister: persister})
	document, err := registry.Acquire(context.Background(), mustResolve(t, "note-fanout"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	sender := &recordingObserver{}
	listener := &recordingObserver{}
	document.Subscribe(sender)
	document.Subscribe(listener)
	if document.Subscribers() != 2 {
		t.Fatalf("expected persister not to count as a subscriber, got %d", document.Subscribers())
	}

	delta, err := document.ApplyEdit(0, 0, "hi", sender)
	if err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if _, err := document.ApplyUpdate(delta, sender); err != nil {
		t.Fatalf("duplicate update failed: %v", err)
	}

	if len(listener.deltas) != 1 || listener.origins[0] != Observer(sender) {
		t.Fatalf("expected one change attributed to the sender, got %d", len(listener.deltas))
	}
	if persister.changes != 1 {
		t.Fatalf("expected persister to observe one change, got %d", persister.changes)
	}
	if !document.Dirty() {
		t.Fatalf("expected document to be dirty after an edit")
	}

	if remaining := document.Unsubscribe(sender); remaining != 1 {
		t.Fatalf("expected one remaining subscriber, got %d", remaining)
	}
}

func TestSweepEvictsIdleDocumentsAfterFlushing(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	persister := &fakePersister{}
	registry := mustRegistry(t, RegistryConfig{
		Loader:    &fakeLoader{},
		Persister: persister,
		IdleTTL:   time.Minute,
		Clock:     clock.Now,
	})

	idle, err := registry.Acquire(context.Background(), mustResolve(t, "note-idle"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := idle.ApplyEdit(0, 0, "unsaved", nil); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	busy, err := registry.Acquire(context.Background(), mustResolve(t, "note-busy"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	busy.Subscribe(&recordingObserver{})

	clock.Advance(30 * time.Second)
	if evicted := registry.Sweep(context.Background()); evicted != 0 {
		t.Fatalf("expected nothing evicted before the TTL, got %d", evicted)
	}

	clock.Advance(time.Minute)
	if evicted := registry.Sweep(context.Background()); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if len(persister.flushed) != 1 || persister.flushed[0] != "note:idle" {
		t.Fatalf("expected the idle document to be flushed before eviction, got %v", persister.flushed)
	}
	if _, ok := registry.Lookup("note:idle"); ok {
		t.Fatalf("expected idle document to be evicted")
	}
	if _, ok := registry.Lookup("note:busy"); !ok {
		t.Fatalf("expected subscribed document to stay live")
	}
}

func TestSweepKeepsDocumentsWhoseFlushFails(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	persister := &fakePersister{flushErr: errors.New("store down")}
	registry := mustRegistry(t, RegistryConfig{
		Loader:    &fakeLoader{},
		Persister: persister,
		IdleTTL:   time.Minute,
		Clock:     clock.Now,
	})
	document, err := registry.Acquire(context.Background(), mustResolve(t, "note-retry"))
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := document.ApplyEdit(0, 0, "keep me", nil); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	if evicted := registry.Sweep(context.Background()); evicted != 0 {
		t.Fatalf("expected dirty document to survive a failed flush, got %d evictions", evicted)
	}
}

func TestClosedRegistryRejectsAcquire(t *testing.T) {
	registry := mustRegistry(t, RegistryConfig{Loader: &fakeLoader{}})
	if err := registry.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := registry.Acquire(context.Background(), mustResolve(t, "note-late")); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
}

type slowObserver struct{}

func (slowObserver) DocumentChanged(*Document, crdt.Delta, Observer) {
	time.Sleep(100 * time.Microsecond)
}

func TestConcurrentEditsAreBroadcastInApplicationOrder(t *testing.T) {
	state, err := crdt.NewDocument("server")
	if err != nil {
		t.Fatalf("unexpected document error: %v", err)
	}
	document := newDocument(mustResolve(t, "note-order"), state, time.Now)
	recorder := &recordingObserver{}
	document.Subscribe(recorder)
	document.Subscribe(slowObserver{})

	const writers = 4
	const editsPerWriter = 50
	var wg sync.WaitGroup
	for writer := 0; writer < writers; writer++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			for edit := 0; edit < editsPerWriter; edit++ {
				position := 0
				if edit%2 == 1 {
					position = document.Len()
				}
				if _, err := document.ApplyEdit(position, 0, "ab", nil); err != nil {
					t.Errorf("writer %d edit failed: %v", writer, err)
					return
				}
			}
		}(writer)
	}
	wg.Wait()

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if len(recorder.deltas) != writers*editsPerWriter {
		t.Fatalf("expected %d deltas, got %d", writers*editsPerWriter, len(recorder.deltas))
	}
	delivered := make(map[crdt.ID]bool)
	for index, delta := range recorder.deltas {
		for _, op := range delta.Ops {
			dependency := op.Origin
			if op.Kind == crdt.OpDelete {
				dependency = op.Target
			}
			if !dependency.IsZero() && !delivered[dependency] {
				t.Fatalf("delta %d references %s before it was broadcast", index, dependency)
			}
			if op.Kind == crdt.OpInsert {
				delivered[op.ID] = true
			}
		}
	}

	replica, err := crdt.NewDocument("client")
	if err != nil {
		t.Fatalf("unexpected document error: %v", err)
	}
	for _, delta := range recorder.deltas {
		if _, err := replica.ApplyRemote(delta); err != nil {
			t.Fatalf("replay failed: %v", err)
		}
	}
	if replica.Content() != document.Content() {
		t.Fatalf("replayed stream diverged from the live document")
	}
}

func TestAcquireDuringSweepReturnsLiveDocument(t *testing.T) {
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	registry := mustRegistry(t, RegistryConfig{
		Loader:  &fakeLoader{},
		IdleTTL: time.Minute,
		Clock:   clock.Now,
	})
	resolution := mustResolve(t, "chat-race")
	ctx := context.Background()

	for iteration := 0; iteration < 200; iteration++ {
		if _, err := registry.Acquire(ctx, resolution); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
		clock.Advance(2 * time.Minute)

		var (
			wg         sync.WaitGroup
			acquired   *Document
			acquireErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.Sweep(ctx)
		}()
		go func() {
			defer wg.Done()
			acquired, acquireErr = registry.Acquire(ctx, resolution)
		}()
		wg.Wait()

		if acquireErr != nil {
			t.Fatalf("acquire failed: %v", acquireErr)
		}
		live, ok := registry.Lookup(resolution.StorageKey)
		if !ok || live != acquired {
			t.Fatalf("iteration %d: acquire returned a document that is no longer live", iteration)
		}
	}
}
