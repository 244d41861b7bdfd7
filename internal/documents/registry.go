package documents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/rooms"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultIdleTTL       = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

var (
	// ErrRegistryClosed indicates that the registry no longer hands out documents.
	ErrRegistryClosed = errors.New("documents: registry closed")
	errMissingLoader  = errors.New("documents: state loader required")
	errMissingReplica = errors.New("documents: replica id required")
)

// StateLoader reads persisted CRDT state.
type StateLoader interface {
	LoadState(ctx context.Context, storageKey string) ([]byte, bool, error)
}

// Persister observes persisted documents and saves them on demand.
type Persister interface {
	Observer
	Flush(ctx context.Context, document *Document) error
}

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Loader        StateLoader
	Persister     Persister
	ReplicaID     string
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// Registry owns the single live Document of every room held by this process.
type Registry struct {
	loader        StateLoader
	persister     Persister
	replicaID     string
	idleTTL       time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics

	group     singleflight.Group
	mu        sync.Mutex
	documents map[string]*Document
	closed    bool
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	if cfg.ReplicaID == "" {
		return nil, errMissingReplica
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		loader:        cfg.Loader,
		persister:     cfg.Persister,
		replicaID:     cfg.ReplicaID,
		idleTTL:       idleTTL,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        logger,
		metrics:       cfg.Metrics,
		documents:     make(map[string]*Document),
	}, nil
}

// Acquire returns the live document for the room, loading it from the store or
// initializing default content on first use. Concurrent first acquisitions of the
// same room load it once. The returned document is touched while the registry
// lock is held, so a concurrent sweep never evicts it between lookup and use.
func (registry *Registry) Acquire(ctx context.Context, resolution rooms.Resolution) (*Document, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		registry.mu.Lock()
		if registry.closed {
			registry.mu.Unlock()
			return nil, ErrRegistryClosed
		}
		if document, ok := registry.documents[resolution.StorageKey]; ok {
			document.touch()
			registry.mu.Unlock()
			return document, nil
		}
		registry.mu.Unlock()

		value, err, _ := registry.group.Do(resolution.StorageKey, func() (interface{}, error) {
			registry.mu.Lock()
			if document, ok := registry.documents[resolution.StorageKey]; ok {
				registry.mu.Unlock()
				return document, nil
			}
			registry.mu.Unlock()

			document, err := registry.load(ctx, resolution)
			if err != nil {
				return nil, err
			}

			registry.mu.Lock()
			defer registry.mu.Unlock()
			if registry.closed {
				return nil, ErrRegistryClosed
			}
			registry.documents[resolution.StorageKey] = document
			registry.metrics.DocumentLoaded()
			return document, nil
		})
		if err != nil {
			return nil, err
		}
		document := value.(*Document)
		if registry.claim(resolution.StorageKey, document) {
			return document, nil
		}
	}
}

// claim touches document if it is still the live document for the key.
func (registry *Registry) claim(storageKey string, document *Document) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.documents[storageKey] != document {
		return false
	}
	document.touch()
	return true
}

// Lookup returns the live document for the storage key without loading it.
func (registry *Registry) Lookup(storageKey string) (*Document, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	document, ok := registry.documents[storageKey]
	return document, ok
}

// Len returns the number of live documents.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.documents)
}

// Run sweeps idle documents until ctx is cancelled.
func (registry *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(registry.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep(ctx)
		}
	}
}

// Sweep evicts documents without subscribers that have been idle longer than the
// TTL. Pending saves are flushed first; a document whose flush fails stays live.
func (registry *Registry) Sweep(ctx context.Context) int {
	now := registry.clock()
	candidates := make([]*Document, 0)
	registry.mu.Lock()
	for _, document := range registry.documents {
		lastActive, subscribers := document.idleSince()
		if subscribers == 0 && now.Sub(lastActive) >= registry.idleTTL {
			candidates = append(candidates, document)
		}
	}
	registry.mu.Unlock()

	evicted := 0
	for _, document := range candidates {
		if err := registry.flush(ctx, document); err != nil {
			registry.logger.Warn("eviction postponed, flush failed",
				zap.String("storage_key", document.StorageKey()),
				zap.Error(err))
			continue
		}

		registry.mu.Lock()
		lastActive, subscribers := document.idleSince()
		current, present := registry.documents[document.StorageKey()]
		if present && current == document && subscribers == 0 && now.Sub(lastActive) >= registry.idleTTL && !document.Dirty() {
			delete(registry.documents, document.StorageKey())
			evicted++
			registry.metrics.DocumentEvicted()
			registry.logger.Debug("document evicted", zap.String("storage_key", document.StorageKey()))
		}
		registry.mu.Unlock()
	}
	return evicted
}

// Close stops handing out documents and flushes every live document.
func (registry *Registry) Close(ctx context.Context) error {
	registry.mu.Lock()
	registry.closed = true
	live := make([]*Document, 0, len(registry.documents))
	for _, document := range registry.documents {
		live = append(live, document)
	}
	registry.mu.Unlock()

	var errs []error
	for _, document := range live {
		if err := registry.flush(ctx, document); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", document.StorageKey(), err))
		}
	}
	return errors.Join(errs...)
}

func (registry *Registry) flush(ctx context.Context, document *Document) error {
	if registry.persister == nil || !document.Kind().Persisted() || !document.Dirty() {
		return nil
	}
	return registry.persister.Flush(ctx, document)
}

func (registry *Registry) load(ctx context.Context, resolution rooms.Resolution) (*Document, error) {
	ctx, span := telemetry.StartSpan(ctx, "documents.load",
		attribute.String("room.key", resolution.RoomKey),
		attribute.String("room.kind", resolution.Kind.String()))
	defer span.End()

	state, err := crdt.NewDocument(registry.replicaID)
	if err != nil {
		return nil, err
	}

	if resolution.Kind.Persisted() {
		payload, found, loadErr := registry.loader.LoadState(ctx, resolution.StorageKey)
		if loadErr != nil {
			telemetry.AddSpanError(ctx, loadErr)
			return nil, loadErr
		}
		if found {
			decodeErr := state.DecodeState(payload)
			if decodeErr == nil {
				document := newDocument(resolution, state, registry.clock)
				registry.attachPersister(document)
				return document, nil
			}
			registry.logger.Error("stored document state is unreadable, starting from default content",
				zap.String("storage_key", resolution.StorageKey),
				zap.Error(decodeErr))
			telemetry.AddSpanError(ctx, decodeErr)
			if state, err = crdt.NewDocument(registry.replicaID); err != nil {
				return nil, err
			}
		}
	}

	if content := rooms.DefaultContent(resolution.Kind); content != "" {
		if _, err := state.ApplyLocalEdit(0, 0, content); err != nil {
			return nil, err
		}
	}
	document := newDocument(resolution, state, registry.clock)
	registry.attachPersister(document)
	return document, nil
}

func (registry *Registry) attachPersister(document *Document) {
	if registry.persister != nil && document.Kind().Persisted() {
		document.attach(registry.persister)
	}
}
