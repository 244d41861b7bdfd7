package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type element struct {
	id      ID
	origin  ID
	value   string
	deleted bool
	next    *element
}

type opKey struct {
	kind OpKind
	id   ID
}

// Document is one replica of a replicated text sequence (RGA).
// All methods are safe for concurrent use; mutations are serialized.
type Document struct {
	mu       sync.Mutex
	replica  string
	clock    uint64
	head     element
	elements int
	index    map[ID]*element
	deletes  map[ID]ID
	pending  []Op
	parked   map[opKey]struct{}
	vector   StateVector
	visible  int
}

// NewDocument returns an empty replica that issues operations as replicaID.
func NewDocument(replicaID string) (*Document, error) {
	replica := strings.TrimSpace(replicaID)
	if replica == "" {
		return nil, ErrMissingReplica
	}
	return &Document{
		replica: replica,
		index:   make(map[ID]*element),
		deletes: make(map[ID]ID),
		parked:  make(map[opKey]struct{}),
		vector:  make(StateVector),
	}, nil
}

// ReplicaID returns the identifier this replica stamps on local operations.
func (document *Document) ReplicaID() string {
	return document.replica
}

// Content materializes the visible text.
func (document *Document) Content() string {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.contentLocked()
}

// Len returns the number of visible runes.
func (document *Document) Len() int {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.visible
}

// Clock returns the Lamport clock, a monotonically increasing version marker.
func (document *Document) Clock() uint64 {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.clock
}

// StateVector returns a copy of the per-replica integration frontier.
func (document *Document) StateVector() StateVector {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.vector.Clone()
}

// ApplyLocalEdit deletes length runes at position and inserts text there,
// returning the delta that reproduces the edit on other replicas.
func (document *Document) ApplyLocalEdit(position, length int, text string) (Delta, error) {
	document.mu.Lock()
	defer document.mu.Unlock()

	if position < 0 || length < 0 || position > document.visible {
		return Delta{}, fmt.Errorf("%w: position %d length %d of %d", ErrEditOutOfRange, position, length, document.visible)
	}
	if position+length > document.visible {
		length = document.visible - position
	}

	ops := make([]Op, 0, length+len(text))
	var origin ID
	visibleIndex := 0
	for current := document.head.next; current != nil; current = current.next {
		if current.deleted {
			continue
		}
		if visibleIndex == position-1 {
			origin = current.id
		}
		if visibleIndex >= position && visibleIndex < position+length {
			ops = append(ops, Op{Kind: OpDelete, ID: document.nextIDLocked(), Target: current.id})
		}
		visibleIndex++
		if visibleIndex >= position+length && visibleIndex >= position {
			break
		}
	}
	ops = append(ops, document.insertOpsLocked(origin, text)...)

	delta := Delta{Ops: ops}
	document.integrateAllLocked(delta.Ops)
	return delta, nil
}

// Replace rewrites the whole document as ordinary operations: every visible
// rune is deleted and content is inserted at the head.
func (document *Document) Replace(content string) Delta {
	document.mu.Lock()
	defer document.mu.Unlock()

	ops := make([]Op, 0, document.visible+len(content))
	for current := document.head.next; current != nil; current = current.next {
		if current.deleted {
			continue
		}
		ops = append(ops, Op{Kind: OpDelete, ID: document.nextIDLocked(), Target: current.id})
	}
	ops = append(ops, document.insertOpsLocked(ID{}, content)...)

	delta := Delta{Ops: ops}
	document.integrateAllLocked(delta.Ops)
	return delta
}

// ApplyRemote merges a delta from another replica. Operations already known
// are ignored, so re-applying a delta is a no-op. The returned delta holds only
// the operations that were new to this replica. A delta that would leave more
// operations waiting for dependencies than the document keeps is rejected whole.
func (document *Document) ApplyRemote(delta Delta) (Delta, error) {
	for _, op := range delta.Ops {
		if err := op.validate(); err != nil {
			return Delta{}, err
		}
	}

	document.mu.Lock()
	defer document.mu.Unlock()

	fresh := make([]Op, 0, len(delta.Ops))
	seen := make(map[opKey]struct{}, len(delta.Ops))
	for _, op := range delta.Ops {
		key := opKey{kind: op.Kind, id: op.ID}
		if _, duplicate := seen[key]; duplicate || document.knownLocked(op) {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, op)
	}
	if err := document.checkParkingLocked(fresh); err != nil {
		return Delta{}, err
	}
	document.integrateAllLocked(fresh)
	return Delta{Ops: fresh}, nil
}

// DiffSince returns the operations the holder of vector has not integrated yet,
// in an order any replica can apply directly.
func (document *Document) DiffSince(vector StateVector) Delta {
	document.mu.Lock()
	defer document.mu.Unlock()
	return document.diffLocked(vector)
}

// EncodeState serializes the full replica state, including parked operations.
func (document *Document) EncodeState() ([]byte, error) {
	document.mu.Lock()
	defer document.mu.Unlock()

	state := encodedState{
		Ops:     document.sortedDeletesLocked(nil),
		Pending: append([]Op(nil), document.pending...),
	}
	var (
		run  *insertRun
		last ID
		text strings.Builder
	)
	flush := func() {
		if run != nil {
			run.Text = text.String()
			state.Runs = append(state.Runs, *run)
			text.Reset()
		}
	}
	for current := document.head.next; current != nil; current = current.next {
		continues := run != nil &&
			current.origin == last &&
			current.id.Replica == last.Replica &&
			current.id.Counter == last.Counter+1
		if !continues {
			flush()
			run = &insertRun{ID: current.id, Origin: current.origin}
		}
		text.WriteString(current.value)
		last = current.id
	}
	flush()
	return json.Marshal(state)
}

// DecodeState loads a previously encoded state into this replica.
func (document *Document) DecodeState(payload []byte) error {
	var state encodedState
	if err := json.Unmarshal(payload, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	ops := make([]Op, 0, len(state.Ops)+len(state.Pending))
	for _, run := range state.Runs {
		ops = append(ops, run.ops()...)
	}
	ops = append(ops, state.Ops...)
	ops = append(ops, state.Pending...)
	if _, err := document.ApplyRemote(Delta{Ops: ops}); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return nil
}

func (document *Document) contentLocked() string {
	var builder strings.Builder
	builder.Grow(document.visible)
	for current := document.head.next; current != nil; current = current.next {
		if !current.deleted {
			builder.WriteString(current.value)
		}
	}
	return builder.String()
}

func (document *Document) nextIDLocked() ID {
	document.clock++
	return ID{Counter: document.clock, Replica: document.replica}
}

func (document *Document) insertOpsLocked(origin ID, text string) []Op {
	ops := make([]Op, 0, len(text))
	for _, r := range text {
		id := document.nextIDLocked()
		ops = append(ops, Op{Kind: OpInsert, ID: id, Origin: origin, Value: string(r)})
		origin = id
	}
	return ops
}

func (document *Document) knownLocked(op Op) bool {
	if _, ok := document.parked[opKey{kind: op.Kind, id: op.ID}]; ok {
		return true
	}
	switch op.Kind {
	case OpInsert:
		_, ok := document.index[op.ID]
		return ok
	case OpDelete:
		_, ok := document.deletes[op.ID]
		return ok
	}
	return false
}

// checkParkingLocked predicts which operations would still wait for a missing
// dependency once ops are integrated, and fails when that exceeds the caps.
func (document *Document) checkParkingLocked(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	inserts := make(map[ID]ID, len(ops)+len(document.pending))
	for _, op := range document.pending {
		if op.Kind == OpInsert {
			inserts[op.ID] = op.Origin
		}
	}
	for _, op := range ops {
		if op.Kind == OpInsert {
			inserts[op.ID] = op.Origin
		}
	}

	resolved := make(map[ID]bool)
	reachable := func(start ID) bool {
		var path []ID
		current := start
		result := false
		for {
			if current.IsZero() {
				result = true
				break
			}
			if _, ok := document.index[current]; ok {
				result = true
				break
			}
			if known, ok := resolved[current]; ok {
				result = known
				break
			}
			origin, ok := inserts[current]
			if !ok {
				break
			}
			resolved[current] = false
			path = append(path, current)
			current = origin
		}
		for _, id := range path {
			resolved[id] = result
		}
		return result
	}

	waiting := 0
	perReplica := make(map[string]int)
	count := func(op Op) {
		dependency := op.ID
		if op.Kind == OpDelete {
			dependency = op.Target
		}
		if !reachable(dependency) {
			waiting++
			perReplica[op.ID.Replica]++
		}
	}
	for _, op := range document.pending {
		count(op)
	}
	for _, op := range ops {
		count(op)
	}

	if waiting > MaxPendingOps {
		return fmt.Errorf("%w: %d operations would wait for missing dependencies", ErrMalformedUpdate, waiting)
	}
	for replica, parked := range perReplica {
		if parked > MaxPendingOpsPerReplica {
			return fmt.Errorf("%w: %d operations of replica %s would wait for missing dependencies", ErrMalformedUpdate, parked, replica)
		}
	}
	return nil
}

// integrateAllLocked applies ops whose dependencies are present and parks the
// rest until a later operation unblocks them.
func (document *Document) integrateAllLocked(ops []Op) {
	for _, op := range ops {
		if !document.integrateLocked(op) {
			document.pending = append(document.pending, op)
			document.parked[opKey{kind: op.Kind, id: op.ID}] = struct{}{}
			if op.ID.Counter > document.clock {
				document.clock = op.ID.Counter
			}
		}
	}
	for progressed := true; progressed && len(document.pending) > 0; {
		progressed = false
		remaining := document.pending[:0]
		for _, op := range document.pending {
			if document.integrateLocked(op) {
				delete(document.parked, opKey{kind: op.Kind, id: op.ID})
				progressed = true
				continue
			}
			remaining = append(remaining, op)
		}
		document.pending = remaining
	}
}

func (document *Document) integrateLocked(op Op) bool {
	switch op.Kind {
	case OpInsert:
		if _, exists := document.index[op.ID]; exists {
			return true
		}
		previous := &document.head
		if !op.Origin.IsZero() {
			origin, exists := document.index[op.Origin]
			if !exists {
				return false
			}
			previous = origin
		}
		for previous.next != nil && op.ID.Less(previous.next.id) {
			previous = previous.next
		}
		inserted := &element{id: op.ID, origin: op.Origin, value: op.Value, next: previous.next}
		previous.next = inserted
		document.index[op.ID] = inserted
		document.elements++
		document.visible++
	case OpDelete:
		if _, exists := document.deletes[op.ID]; exists {
			return true
		}
		target, exists := document.index[op.Target]
		if !exists {
			return false
		}
		if !target.deleted {
			target.deleted = true
			document.visible--
		}
		document.deletes[op.ID] = op.Target
	default:
		return false
	}
	document.observeLocked(op.ID)
	return true
}

func (document *Document) observeLocked(id ID) {
	if id.Counter > document.clock {
		document.clock = id.Counter
	}
	if id.Counter > document.vector[id.Replica] {
		document.vector[id.Replica] = id.Counter
	}
}

// diffLocked emits inserts in document order, which is always causal because an
// element sits after its origin, followed by deletes.
func (document *Document) diffLocked(vector StateVector) Delta {
	ops := make([]Op, 0, document.elements+len(document.deletes))
	for current := document.head.next; current != nil; current = current.next {
		if vector.Covers(current.id) {
			continue
		}
		ops = append(ops, Op{Kind: OpInsert, ID: current.id, Origin: current.origin, Value: current.value})
	}
	return Delta{Ops: append(ops, document.sortedDeletesLocked(vector)...)}
}

func (document *Document) sortedDeletesLocked(vector StateVector) []Op {
	deleteOps := make([]Op, 0, len(document.deletes))
	for deleteID, target := range document.deletes {
		if vector.Covers(deleteID) {
			continue
		}
		deleteOps = append(deleteOps, Op{Kind: OpDelete, ID: deleteID, Target: target})
	}
	sort.Slice(deleteOps, func(i, j int) bool { return deleteOps[i].ID.Less(deleteOps[j].ID) })
	return deleteOps
}
