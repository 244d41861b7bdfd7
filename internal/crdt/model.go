package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// MaxCounter bounds operation counters so the Lamport clock can never wrap.
	MaxCounter = math.MaxUint64 / 2
	// MaxPendingOps bounds the operations a document keeps waiting for missing dependencies.
	MaxPendingOps = 4096
	// MaxPendingOpsPerReplica bounds the waiting operations issued by a single replica.
	MaxPendingOpsPerReplica = 1024
)

var (
	// ErrMalformedUpdate indicates that an update payload could not be parsed or validated.
	ErrMalformedUpdate = errors.New("crdt: malformed update")
	// ErrMalformedState indicates that an encoded document state could not be decoded.
	ErrMalformedState = errors.New("crdt: malformed state")
	// ErrEditOutOfRange indicates that a positional edit does not fit the current content.
	ErrEditOutOfRange = errors.New("crdt: edit out of range")
	// ErrMissingReplica indicates that a document was created without a replica identifier.
	ErrMissingReplica = errors.New("crdt: replica id required")
)

// OpKind enumerates the operations carried by a delta.
type OpKind string

const (
	// OpInsert places one rune after its origin.
	OpInsert OpKind = "ins"
	// OpDelete tombstones a previously inserted rune.
	OpDelete OpKind = "del"
)

// ID identifies an operation with a Lamport counter and the replica that issued it.
type ID struct {
	Counter uint64 `json:"c"`
	Replica string `json:"r"`
}

// IsZero reports whether the identifier is the head sentinel.
func (id ID) IsZero() bool {
	return id.Counter == 0 && id.Replica == ""
}

// Less orders identifiers by counter, breaking ties by replica.
func (id ID) Less(other ID) bool {
	if id.Counter != other.Counter {
		return id.Counter < other.Counter
	}
	return id.Replica < other.Replica
}

// String renders the identifier as counter@replica.
func (id ID) String() string {
	return fmt.Sprintf("%d@%s", id.Counter, id.Replica)
}

// Op is a single sequence operation.
type Op struct {
	Kind   OpKind `json:"k"`
	ID     ID     `json:"id"`
	Origin ID     `json:"o"`
	Value  string `json:"v,omitempty"`
	Target ID     `json:"t"`
}

func (op Op) validate() error {
	if op.ID.Counter == 0 || strings.TrimSpace(op.ID.Replica) == "" {
		return fmt.Errorf("%w: op id %s", ErrMalformedUpdate, op.ID)
	}
	if op.ID.Counter > MaxCounter || op.Origin.Counter > MaxCounter || op.Target.Counter > MaxCounter {
		return fmt.Errorf("%w: op %s counter exceeds %d", ErrMalformedUpdate, op.ID, uint64(MaxCounter))
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Value) != 1 || !utf8.ValidString(op.Value) {
			return fmt.Errorf("%w: insert %s must carry exactly one rune", ErrMalformedUpdate, op.ID)
		}
		if !op.Origin.IsZero() && (op.Origin.Counter == 0 || op.Origin.Replica == "") {
			return fmt.Errorf("%w: insert %s has invalid origin", ErrMalformedUpdate, op.ID)
		}
	case OpDelete:
		if op.Target.Counter == 0 || op.Target.Replica == "" {
			return fmt.Errorf("%w: delete %s has no target", ErrMalformedUpdate, op.ID)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %q", ErrMalformedUpdate, op.Kind)
	}
	return nil
}

// Delta is an ordered batch of operations exchanged between replicas.
type Delta struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the delta carries no operations.
func (delta Delta) Empty() bool {
	return len(delta.Ops) == 0
}

// EncodeDelta serializes a delta for the wire.
func EncodeDelta(delta Delta) ([]byte, error) {
	if delta.Ops == nil {
		delta.Ops = []Op{}
	}
	return json.Marshal(delta)
}

// DecodeDelta parses and validates a delta received from another replica.
func DecodeDelta(payload []byte) (Delta, error) {
	var delta Delta
	if err := json.Unmarshal(payload, &delta); err != nil {
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, op := range delta.Ops {
		if err := op.validate(); err != nil {
			return Delta{}, err
		}
	}
	return delta, nil
}

// StateVector records, per replica, the highest integrated operation counter.
type StateVector map[string]uint64

// Covers reports whether the vector already includes the identifier.
func (vector StateVector) Covers(id ID) bool {
	if vector == nil {
		return false
	}
	return id.Counter <= vector[id.Replica]
}

// Clone returns an independent copy of the vector.
func (vector StateVector) Clone() StateVector {
	clone := make(StateVector, len(vector))
	for replica, counter := range vector {
		clone[replica] = counter
	}
	return clone
}

// insertRun packs consecutive inserts of one replica in which every rune has the
// next counter and follows the previous rune.
type insertRun struct {
	ID     ID     `json:"id"`
	Origin ID     `json:"o"`
	Text   string `json:"s"`
}

func (run insertRun) ops() []Op {
	ops := make([]Op, 0, utf8.RuneCountInString(run.Text))
	id := run.ID
	origin := run.Origin
	for _, r := range run.Text {
		ops = append(ops, Op{Kind: OpInsert, ID: id, Origin: origin, Value: string(r)})
		origin = id
		id = ID{Counter: id.Counter + 1, Replica: id.Replica}
	}
	return ops
}

// encodedState is the persisted form of a replica. Inserts are stored as runs in
// document order, deletes and parked operations as plain ops.
type encodedState struct {
	Runs    []insertRun `json:"runs,omitempty"`
	Ops     []Op        `json:"ops,omitempty"`
	Pending []Op        `json:"pending,omitempty"`
}
