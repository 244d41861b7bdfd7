package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/documents"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultQuietPeriod is the idle time after the last edit before a save.
	DefaultQuietPeriod = 2 * time.Second
	defaultSaveTimeout = 10 * time.Second
)

var errMissingSaver = errors.New("persistence: state saver required")

// StateSaver writes full CRDT states.
type StateSaver interface {
	SaveState(ctx context.Context, storageKey string, state []byte) (bool, error)
}

// Config wires the scheduler's collaborators.
type Config struct {
	Saver       StateSaver
	QuietPeriod time.Duration
	SaveTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Scheduler coalesces bursts of edits into one save per document once the
// document has been quiet for the configured period.
type Scheduler struct {
	saver       StateSaver
	quietPeriod time.Duration
	saveTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Metrics

	mu      sync.Mutex
	timers  map[*documents.Document]*time.Timer
	locks   map[string]*keyLock
	closed  bool
	running sync.WaitGroup
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewScheduler constructs a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	quietPeriod := cfg.QuietPeriod
	if quietPeriod <= 0 {
		quietPeriod = DefaultQuietPeriod
	}
	saveTimeout := cfg.SaveTimeout
	if saveTimeout <= 0 {
		saveTimeout = defaultSaveTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		saver:       cfg.Saver,
		quietPeriod: quietPeriod,
		saveTimeout: saveTimeout,
		logger:      logger,
		metrics:     cfg.Metrics,
		timers:      make(map[*documents.Document]*time.Timer),
		locks:       make(map[string]*keyLock),
	}, nil
}

// DocumentChanged re-arms the document's save timer.
func (scheduler *Scheduler) DocumentChanged(document *documents.Document, _ crdt.Delta, _ documents.Observer) {
	scheduler.NoteChange(document)
}

// NoteChange (re)starts the quiet-period timer of a persisted document.
func (scheduler *Scheduler) NoteChange(document *documents.Document) {
	if !document.Kind().Persisted() {
		return
	}
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.closed {
		return
	}
	if timer, ok := scheduler.timers[document]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(scheduler.quietPeriod, func() {
		scheduler.fire(document, &timer)
	})
	scheduler.timers[document] = timer
}

// Pending returns the number of documents waiting for their quiet period to end.
func (scheduler *Scheduler) Pending() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	return len(scheduler.timers)
}

// Flush cancels any pending timer and saves the document now.
func (scheduler *Scheduler) Flush(ctx context.Context, document *documents.Document) error {
	if !document.Kind().Persisted() {
		return nil
	}
	scheduler.mu.Lock()
	if timer, ok := scheduler.timers[document]; ok {
		timer.Stop()
		delete(scheduler.timers, document)
	}
	scheduler.mu.Unlock()
	return scheduler.save(ctx, document)
}

// Close stops scheduling, waits for in-flight saves and flushes every document
// that still had a pending timer.
func (scheduler *Scheduler) Close(ctx context.Context) error {
	scheduler.mu.Lock()
	scheduler.closed = true
	pending := make([]*documents.Document, 0, len(scheduler.timers))
	for document, timer := range scheduler.timers {
		if timer.Stop() {
			pending = append(pending, document)
		}
		delete(scheduler.timers, document)
	}
	scheduler.mu.Unlock()

	scheduler.running.Wait()

	var errs []error
	for _, document := range pending {
		if err := scheduler.save(ctx, document); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", document.StorageKey(), err))
		}
	}
	return errors.Join(errs...)
}

func (scheduler *Scheduler) fire(document *documents.Document, timer **time.Timer) {
	scheduler.mu.Lock()
	if scheduler.closed {
		scheduler.mu.Unlock()
		return
	}
	if scheduler.timers[document] == *timer {
		delete(scheduler.timers, document)
	}
	scheduler.running.Add(1)
	scheduler.mu.Unlock()
	defer scheduler.running.Done()

	ctx, cancel := context.WithTimeout(context.Background(), scheduler.saveTimeout)
	defer cancel()
	if err := scheduler.save(ctx, document); err != nil {
		scheduler.logger.Error("scheduled save failed, document stays dirty",
			zap.String("storage_key", document.StorageKey()),
			zap.Error(err))
	}
}

func (scheduler *Scheduler) save(ctx context.Context, document *documents.Document) error {
	unlock := scheduler.lockKey(document.StorageKey())
	defer unlock()

	if !document.Dirty() {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "persistence.save", attribute.String("storage_key", document.StorageKey()))
	defer span.End()

	started := time.Now()
	revision := document.Revision()
	state, err := document.EncodeState()
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		scheduler.metrics.RecordSave(metrics.SaveFailed, time.Since(started).Seconds())
		return err
	}
	written, err := scheduler.saver.SaveState(ctx, document.StorageKey(), state)
	if err != nil {
		telemetry.AddSpanError(ctx, err)
		scheduler.metrics.RecordSave(metrics.SaveFailed, time.Since(started).Seconds())
		return err
	}
	document.MarkSaved(revision)

	outcome := metrics.SaveUnchanged
	if written {
		outcome = metrics.SaveWritten
	}
	scheduler.metrics.RecordSave(outcome, time.Since(started).Seconds())
	scheduler.logger.Debug("document saved",
		zap.String("storage_key", document.StorageKey()),
		zap.Bool("written", written),
		zap.Int("bytes", len(state)))
	return nil
}

// lockKey serializes saves of one storage key. Entries are dropped once unused.
func (scheduler *Scheduler) lockKey(storageKey string) func() {
	scheduler.mu.Lock()
	lock, ok := scheduler.locks[storageKey]
	if !ok {
		lock = &keyLock{}
		scheduler.locks[storageKey] = lock
	}
	lock.refs++
	scheduler.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		scheduler.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(scheduler.locks, storageKey)
		}
		scheduler.mu.Unlock()
	}
}
